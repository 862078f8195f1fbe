package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	dateLayout       = "2006-01-02"
)

// WorkerRequest identifies the caller of a lease operation.
type WorkerRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// CompleteBatchRequest finishes a batch. An empty worker id is an admin
// completion that skips the ownership check.
type CompleteBatchRequest struct {
	WorkerID string `json:"worker_id"`
}

// BatchCreateRequest is the body of POST /api/batches.
type BatchCreateRequest struct {
	StartTime  time.Time `json:"start_time" validate:"required"`
	EndTime    time.Time `json:"end_time" validate:"required"`
	Targets    []int64   `json:"targets" validate:"required,min=1,dive,gt=0"`
	Categories []int64   `json:"categories" validate:"required,min=1,dive,gt=0"`
	Status     string    `json:"status" validate:"omitempty,oneof=active inactive"`
}

// BatchUpdateRequest is the body of PUT /api/batches/{id}. Absent fields are
// left unchanged.
type BatchUpdateRequest struct {
	StartTime            *time.Time `json:"start_time,omitempty"`
	EndTime              *time.Time `json:"end_time,omitempty"`
	Targets              []int64    `json:"targets,omitempty" validate:"omitempty,dive,gt=0"`
	Categories           []int64    `json:"categories,omitempty" validate:"omitempty,dive,gt=0"`
	Status               *string    `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	ScriptStatus         *string    `json:"script_status,omitempty" validate:"omitempty,oneof=pending processing completed"`
	WorkerID             *string    `json:"worker_id,omitempty"`
	ProcessingTargetID   *int64     `json:"processing_target_id,omitempty"`
	ProcessingCategoryID *int64     `json:"processing_category_id,omitempty"`
	ProcessingDate       *time.Time `json:"processing_date,omitempty"`
}

func (r BatchUpdateRequest) toUpdate() crawler.BatchUpdate {
	u := crawler.BatchUpdate{
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		Targets:              r.Targets,
		Categories:           r.Categories,
		WorkerID:             r.WorkerID,
		ProcessingTargetID:   r.ProcessingTargetID,
		ProcessingCategoryID: r.ProcessingCategoryID,
		ProcessingDate:       r.ProcessingDate,
	}
	if r.Status != nil {
		st := crawler.LifecycleStatus(*r.Status)
		u.Status = &st
	}
	if r.ScriptStatus != nil {
		st := crawler.ScriptStatus(*r.ScriptStatus)
		u.ScriptStatus = &st
	}
	return u
}

// BatchListResponse is a page of batches with the unpaged total.
type BatchListResponse struct {
	Batches []crawler.Batch `json:"batches"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// RecordSearchResponse is a page of records with the unpaged total.
type RecordSearchResponse struct {
	Records []crawler.RecordView `json:"records"`
	Total   int                  `json:"total"`
	Page    int                  `json:"page"`
	Limit   int                  `json:"limit"`
}

// RecordDetailResponse is a record with its charges.
type RecordDetailResponse struct {
	Record  crawler.Record   `json:"record"`
	Charges []crawler.Charge `json:"charges"`
}

// TargetRequest is the body of POST /api/targets.
type TargetRequest struct {
	Name     string `json:"name" validate:"required"`
	URL      string `json:"url" validate:"required,url"`
	Status   int    `json:"status" validate:"oneof=0 1"`
	Priority int    `json:"priority" validate:"gte=0"`
}

// StatusRequest toggles a target on or off.
type StatusRequest struct {
	Status *int `json:"status" validate:"required,oneof=0 1"`
}

// PrioritiesRequest reorders targets in one transaction.
type PrioritiesRequest struct {
	Priorities []crawler.PriorityUpdate `json:"priorities" validate:"required,min=1,dive"`
}

// CategoryRequest creates or replaces a category.
type CategoryRequest struct {
	Name   string `json:"name" validate:"required"`
	Status int    `json:"status" validate:"oneof=0 1"`
	Code   *int   `json:"chargecode"`
}

// LookupsResponse feeds the filter dropdowns.
type LookupsResponse struct {
	Counties   []crawler.Lookup   `json:"counties"`
	Agencies   []crawler.Lookup   `json:"agencies"`
	Targets    []crawler.Target   `json:"targets"`
	Categories []crawler.Category `json:"categories"`
}

// SettingsResponse is the body of GET /api/settings.
type SettingsResponse struct {
	Schedule      string   `json:"schedule"`
	ScriptEnabled bool     `json:"script_enabled"`
	WatchNames    []string `json:"watch_names"`
}

// ScheduleRequest replaces the cron schedule.
type ScheduleRequest struct {
	Schedule string `json:"schedule" validate:"required"`
}

// WatchNamesRequest replaces the watch list. An empty list clears it.
type WatchNamesRequest struct {
	Names []string `json:"names"`
}

// ScriptFlagRequest sets the run flag.
type ScriptFlagRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// RevisionResponse is the body of GET /api/reference/revision.
type RevisionResponse struct {
	Revision int64 `json:"revision"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Records int                `json:"records"`
	Batches crawler.BatchStats `json:"batches"`
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}

// parsePage reads page/limit (1-based page) or limit/offset.
func parsePage(r *http.Request) (limit, offset, page int, err error) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		val, convErr := strconv.Atoi(raw)
		if convErr != nil || val <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: invalid limit", errBadRequest)
		}
		limit = min(val, maxPageLimit)
	}
	page = 1
	if raw := q.Get("page"); raw != "" {
		val, convErr := strconv.Atoi(raw)
		if convErr != nil || val <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: invalid page", errBadRequest)
		}
		page = val
	}
	offset = (page - 1) * limit
	if raw := q.Get("offset"); raw != "" {
		val, convErr := strconv.Atoi(raw)
		if convErr != nil || val < 0 {
			return 0, 0, 0, fmt.Errorf("%w: invalid offset", errBadRequest)
		}
		offset = val
		page = offset/limit + 1
	}
	return limit, offset, page, nil
}

func parseBatchFilter(r *http.Request) (store.BatchFilter, int, error) {
	q := r.URL.Query()
	limit, offset, page, err := parsePage(r)
	if err != nil {
		return store.BatchFilter{}, 0, err
	}
	filter := store.BatchFilter{
		Search:       strings.TrimSpace(q.Get("search")),
		Status:       strings.TrimSpace(q.Get("status")),
		ScriptStatus: strings.TrimSpace(q.Get("script_status")),
		WorkerID:     strings.TrimSpace(q.Get("worker_id")),
		Limit:        limit,
		Offset:       offset,
	}
	if filter.Status != "" && filter.Status != string(crawler.LifecycleActive) &&
		filter.Status != string(crawler.LifecycleInactive) {
		return store.BatchFilter{}, 0, fmt.Errorf("%w: invalid status", errBadRequest)
	}
	if filter.ScriptStatus != "" && !crawler.ScriptStatus(filter.ScriptStatus).Valid() {
		return store.BatchFilter{}, 0, fmt.Errorf("%w: invalid script_status", errBadRequest)
	}
	return filter, page, nil
}

// parseRecordFilter reads record filters. Dates are whole days; end_date is
// inclusive.
func parseRecordFilter(r *http.Request, paged bool) (store.RecordFilter, int, error) {
	q := r.URL.Query()
	var filter store.RecordFilter
	page := 1
	if paged {
		limit, offset, p, err := parsePage(r)
		if err != nil {
			return store.RecordFilter{}, 0, err
		}
		filter.Limit, filter.Offset, page = limit, offset, p
	}
	if raw := q.Get("start_date"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return store.RecordFilter{}, 0, fmt.Errorf("%w: invalid start_date", errBadRequest)
		}
		filter.StartDate = &t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return store.RecordFilter{}, 0, fmt.Errorf("%w: invalid end_date", errBadRequest)
		}
		t = t.AddDate(0, 0, 1)
		filter.EndDate = &t
	}
	ids := []struct {
		name string
		dst  *int64
	}{
		{"agency_id", &filter.AgencyID},
		{"county_id", &filter.CountyID},
		{"category_id", &filter.CategoryID},
		{"target_id", &filter.TargetID},
	}
	for _, p := range ids {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return store.RecordFilter{}, 0, fmt.Errorf("%w: invalid %s", errBadRequest, p.name)
		}
		*p.dst = v
	}
	if raw := q.Get("status"); raw != "" {
		if raw != string(crawler.RecordPending) && raw != string(crawler.RecordCompleted) {
			return store.RecordFilter{}, 0, fmt.Errorf("%w: invalid status", errBadRequest)
		}
		filter.Status = raw
	}
	return filter, page, nil
}
