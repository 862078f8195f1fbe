package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// MaxPendingLimit caps a single NextPending page.
const MaxPendingLimit = 500

// ErrInvalidCandidate reports a candidate that cannot be stored.
var ErrInvalidCandidate = errors.New("invalid candidate")

// RecordQueue stores discovered candidates and hands pending ones to
// enrichment workers.
type RecordQueue struct {
	repo   store.RecordRepository
	clock  crawler.Clock
	logger *zap.Logger
}

// NewRecordQueue wires the record queue to its repository.
func NewRecordQueue(repo store.RecordRepository, clock crawler.Clock, logger *zap.Logger) *RecordQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordQueue{repo: repo, clock: clock, logger: logger}
}

// Insert stores a candidate. A link that is already known is reported as
// skipped, never as an error.
func (q *RecordQueue) Insert(ctx context.Context, candidate crawler.Candidate) (crawler.InsertResult, error) {
	candidate.SourceLink = strings.TrimSpace(candidate.SourceLink)
	candidate.County = strings.TrimSpace(candidate.County)
	if candidate.SourceLink == "" {
		metrics.ObserveCandidate("error")
		return crawler.InsertResult{}, fmt.Errorf("%w: source link is required", ErrInvalidCandidate)
	}
	res, err := q.repo.InsertRecord(ctx, candidate, q.clock.Now())
	if err != nil {
		metrics.ObserveCandidate("error")
		return crawler.InsertResult{}, fmt.Errorf("insert record %s: %w", candidate.SourceLink, err)
	}
	if res.Skipped {
		metrics.ObserveCandidate("skipped")
		q.logger.Debug("record already exists", zap.String("source_link", candidate.SourceLink))
		return res, nil
	}
	metrics.ObserveCandidate("inserted")
	return res, nil
}

// InsertCandidate builds the source link from the target URL and the stub,
// then inserts it.
func (q *RecordQueue) InsertCandidate(
	ctx context.Context,
	stub crawler.Stub,
	target crawler.Target,
	categoryID, batchID int64,
) (crawler.InsertResult, error) {
	return q.Insert(ctx, crawler.Candidate{
		SourceLink: crawler.SourceLink(target.URL, stub.Link),
		County:     stub.County,
		TargetID:   target.ID,
		CategoryID: categoryID,
		BatchID:    batchID,
	})
}

// NextPending returns up to limit pending records after afterID, oldest
// first. Callers page through the backlog by passing the last id they saw.
func (q *RecordQueue) NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error) {
	if limit <= 0 || limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}
	if afterID < 0 {
		afterID = 0
	}
	records, err := q.repo.NextPending(ctx, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("next pending records: %w", err)
	}
	return records, nil
}

// Complete persists enrichment and marks the record completed. Empty
// enrichment still completes the record.
func (q *RecordQueue) Complete(ctx context.Context, id int64, enrichment crawler.Enrichment) error {
	enrichment.Name = strings.TrimSpace(enrichment.Name)
	enrichment.Agency = strings.TrimSpace(enrichment.Agency)
	if err := q.repo.CompleteRecord(ctx, id, enrichment, q.clock.Now()); err != nil {
		metrics.ObserveRecord("failed")
		return fmt.Errorf("complete record %d: %w", id, err)
	}
	if enrichment.DerivedFlag {
		metrics.ObserveRecord("flagged")
	}
	metrics.ObserveRecord("completed")
	return nil
}

// Get returns one record with its charges.
func (q *RecordQueue) Get(ctx context.Context, id int64) (crawler.Record, []crawler.Charge, error) {
	record, err := q.repo.GetRecord(ctx, id)
	if err != nil {
		return crawler.Record{}, nil, fmt.Errorf("get record %d: %w", id, err)
	}
	charges, err := q.repo.ListCharges(ctx, id)
	if err != nil {
		return crawler.Record{}, nil, fmt.Errorf("list charges for record %d: %w", id, err)
	}
	return record, charges, nil
}

// Search returns a filtered page of records joined with lookup names.
func (q *RecordQueue) Search(ctx context.Context, filter store.RecordFilter) ([]crawler.RecordView, int, error) {
	records, total, err := q.repo.SearchRecords(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("search records: %w", err)
	}
	return records, total, nil
}

// Count returns the number of stored records.
func (q *RecordQueue) Count(ctx context.Context) (int, error) {
	n, err := q.repo.CountRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
