package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

// PendingRecordsResponse is the body of GET /api/records.
type PendingRecordsResponse struct {
	Records []crawler.Record `json:"records"`
}

// claimBatch handles GET /api/batches/pending?worker_id=. It answers 204
// when nothing qualifies.
func (s *Server) claimBatch(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimSpace(r.URL.Query().Get("worker_id"))
	if workerID == "" {
		s.fail(w, r, fmt.Errorf("%w: worker_id is required", errBadRequest))
		return
	}
	batch, err := s.batches.ClaimNext(r.Context(), workerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if batch == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

// heartbeat handles POST /api/batches/{id}/heartbeat. A lease held by
// someone else yields 409 lease_lost.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req WorkerRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.batches.RenewLease(r.Context(), id, req.WorkerID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var progress crawler.BatchProgress
	if err := s.decode(r, &progress); err != nil {
		s.fail(w, r, err)
		return
	}
	progress.BatchID = id
	if err := s.batches.ReportProgress(r.Context(), progress); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// completeBatch handles POST /api/batches/{id}/complete. Completing an
// unknown or finished batch is a no-op.
func (s *Server) completeBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req CompleteBatchRequest
	if err := decodeOptional(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.batches.Complete(r.Context(), id, req.WorkerID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pendingRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			s.fail(w, r, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
		limit = val
	}
	var afterID int64
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || val < 0 {
			s.fail(w, r, fmt.Errorf("%w: invalid after_id", errBadRequest))
			return
		}
		afterID = val
	}
	records, err := s.records.NextPending(r.Context(), afterID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PendingRecordsResponse{Records: records})
}

// insertRecord handles POST /api/records. A new record answers 201 with its
// id; a known link answers 200 with skipped=true.
func (s *Server) insertRecord(w http.ResponseWriter, r *http.Request) {
	var candidate crawler.Candidate
	if err := s.decode(r, &candidate); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.records.Insert(r.Context(), candidate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res)
}

func (s *Server) completeRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var enrichment crawler.Enrichment
	if err := s.decode(r, &enrichment); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.records.Complete(r.Context(), id, enrichment); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getReference(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reference.Reference(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.reference.Revision(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RevisionResponse{Revision: rev})
}

// decodeOptional is decode for bodies that may be absent.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON", errBadRequest)
}
