package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const exportPageSize = 500

var exportHeader = []string{
	"id", "url", "name", "arrest_datetime", "agency", "county", "state",
	"categories", "fta", "status", "batch_id", "created_at",
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseBatchFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	batches, total, err := s.batches.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BatchListResponse{
		Batches: batches,
		Total:   total,
		Page:    page,
		Limit:   filter.Limit,
	})
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchCreateRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.batches.Create(r.Context(), crawler.Batch{
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Targets:    req.Targets,
		Categories: req.Categories,
		Status:     crawler.LifecycleStatus(req.Status),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	batch, err := s.batches.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

// updateBatch handles PUT /api/batches/{id}. A script status regression
// answers 409 invalid_transition.
func (s *Server) updateBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req BatchUpdateRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	batch, err := s.batches.Update(r.Context(), id, req.toUpdate())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.batches.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) batchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.batches.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) searchRecords(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseRecordFilter(r, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views, total, err := s.records.Search(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RecordSearchResponse{
		Records: views,
		Total:   total,
		Page:    page,
		Limit:   filter.Limit,
	})
}

// exportRecords streams every record matching the filters as CSV, one page
// of the store at a time.
func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	filter, _, err := parseRecordFilter(r, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter.Limit = exportPageSize
	// Fetch the first page before committing to a 200.
	views, _, err := s.records.Search(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		s.logger.Warn("csv export aborted", zap.Error(err))
		return
	}
	rows := 0
	for {
		for _, v := range views {
			if err := cw.Write(exportRow(v)); err != nil {
				s.logger.Warn("csv export aborted", zap.Error(err), zap.Int("rows", rows))
				return
			}
			rows++
		}
		cw.Flush()
		if len(views) < exportPageSize {
			break
		}
		filter.Offset += exportPageSize
		views, _, err = s.records.Search(r.Context(), filter)
		if err != nil {
			s.logger.Error("csv export truncated", zap.Error(err), zap.Int("rows", rows))
			return
		}
	}
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export flush failed", zap.Error(err))
	}
}

func exportRow(v crawler.RecordView) []string {
	name := ""
	if v.Name != nil {
		name = *v.Name
	}
	arrested := ""
	if v.ArrestDatetime != nil {
		arrested = v.ArrestDatetime.UTC().Format(time.RFC3339)
	}
	cats := make([]string, 0, len(v.CategoryIDs))
	for _, id := range v.CategoryIDs {
		cats = append(cats, strconv.FormatInt(id, 10))
	}
	return []string{
		strconv.FormatInt(v.ID, 10),
		v.SourceLink,
		name,
		arrested,
		v.AgencyName,
		v.CountyName,
		v.TargetName,
		strings.Join(cats, ";"),
		strconv.FormatBool(v.DerivedFlag),
		string(v.Status),
		strconv.FormatInt(v.BatchID, 10),
		v.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, charges, err := s.records.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RecordDetailResponse{Record: rec, Charges: charges})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.repo.ListTargets(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := s.repo.CreateTarget(r.Context(), crawler.Target{
		Name:     strings.TrimSpace(req.Name),
		URL:      strings.TrimRight(strings.TrimSpace(req.URL), "/"),
		Status:   req.Status,
		Priority: req.Priority,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, target)
}

// updatePriorities handles PUT /api/targets/priorities. Either every
// priority is applied or none is.
func (s *Server) updatePriorities(w http.ResponseWriter, r *http.Request) {
	var req PrioritiesRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.UpdateTargetPriorities(r.Context(), req.Priorities); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("target priorities updated", zap.Int("targets", len(req.Priorities)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setTargetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req StatusRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.SetTargetStatus(r.Context(), id, *req.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	var status *int
	if raw := r.URL.Query().Get("status"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || (v != 0 && v != 1) {
			s.fail(w, r, fmt.Errorf("%w: invalid status", errBadRequest))
			return
		}
		status = &v
	}
	categories, err := s.repo.ListCategories(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, categories)
}

func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	category, err := s.repo.GetCategory(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, category)
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	category, err := s.repo.CreateCategory(r.Context(), crawler.Category{
		Name:   strings.TrimSpace(req.Name),
		Status: req.Status,
		Code:   req.Code,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, category)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req CategoryRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	category, err := s.repo.UpdateCategory(r.Context(), crawler.Category{
		ID:     id,
		Name:   strings.TrimSpace(req.Name),
		Status: req.Status,
		Code:   req.Code,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, category)
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.DeleteCategory(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counties, err := s.repo.ListCounties(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	agencies, err := s.repo.ListAgencies(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	targets, err := s.repo.ListTargets(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	categories, err := s.repo.ListCategories(ctx, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LookupsResponse{
		Counties:   counties,
		Agencies:   agencies,
		Targets:    targets,
		Categories: categories,
	})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schedule, err := store.Schedule(ctx, s.repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	enabled, err := store.ScriptEnabled(ctx, s.repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	names, err := s.repo.WatchNames(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SettingsResponse{
		Schedule:      schedule,
		ScriptEnabled: enabled,
		WatchNames:    names,
	})
}

// putSchedule handles PUT /api/settings/schedule. The expression must parse
// as a standard five-field cron spec.
func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	spec := strings.TrimSpace(req.Schedule)
	if _, err := cron.ParseStandard(spec); err != nil {
		s.fail(w, r, fmt.Errorf("%w: invalid schedule: %s", errBadRequest, err.Error()))
		return
	}
	if err := s.repo.PutSetting(r.Context(), store.SettingSchedule, spec); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("schedule updated", zap.String("schedule", spec))
	s.writeJSON(w, http.StatusOK, ScheduleRequest{Schedule: spec})
}

func (s *Server) putWatchNames(w http.ResponseWriter, r *http.Request) {
	var req WatchNamesRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.ReplaceWatchNames(r.Context(), req.Names); err != nil {
		s.fail(w, r, err)
		return
	}
	names, err := s.repo.WatchNames(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WatchNamesRequest{Names: names})
}

func (s *Server) putScriptFlag(w http.ResponseWriter, r *http.Request) {
	var req ScriptFlagRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.repo.PutSetting(r.Context(), store.SettingScriptEnabled, strconv.FormatBool(*req.Enabled)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("script flag updated", zap.Bool("enabled", *req.Enabled))
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	count, err := s.records.Count(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	batches, err := s.batches.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Records: count, Batches: batches})
}
