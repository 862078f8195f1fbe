package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

// DefaultLeaseTTL is used when BatchQueue is built without a lease TTL.
const DefaultLeaseTTL = 2 * time.Minute

// ErrInvalidBatch reports a batch that fails admin validation.
var ErrInvalidBatch = errors.New("invalid batch")

// BatchQueue hands out batches to discovery workers under a lease.
type BatchQueue struct {
	repo     store.BatchRepository
	clock    crawler.Clock
	leaseTTL time.Duration
	logger   *zap.Logger
}

// NewBatchQueue wires the batch queue to its repository.
func NewBatchQueue(repo store.BatchRepository, clock crawler.Clock, leaseTTL time.Duration, logger *zap.Logger) *BatchQueue {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchQueue{repo: repo, clock: clock, leaseTTL: leaseTTL, logger: logger}
}

// LeaseTTL reports how long a claim stays valid without a heartbeat.
func (q *BatchQueue) LeaseTTL() time.Duration {
	return q.leaseTTL
}

// ClaimNext leases the worker's own batch, else the oldest claimable one.
// It returns nil when nothing qualifies.
func (q *BatchQueue) ClaimNext(ctx context.Context, workerID string) (*crawler.Batch, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidBatch)
	}
	now := q.clock.Now()
	batch, err := q.repo.ClaimBatch(ctx, workerID, now, now.Add(q.leaseTTL))
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if batch == nil {
		metrics.ObserveBatch("idle")
		return nil, nil
	}
	metrics.ObserveBatch("claimed")
	q.logger.Info("batch claimed",
		zap.Int64("batch_id", batch.ID),
		zap.String("worker_id", workerID),
		zap.Timep("lease_expires_at", batch.LeaseExpiresAt),
	)
	return batch, nil
}

// RenewLease extends the worker's lease or returns store.ErrLeaseLost.
func (q *BatchQueue) RenewLease(ctx context.Context, batchID int64, workerID string) error {
	err := q.repo.RenewLease(ctx, batchID, workerID, q.clock.Now().Add(q.leaseTTL))
	if errors.Is(err, store.ErrLeaseLost) {
		metrics.ObserveBatch("lease_lost")
	}
	if err != nil {
		return fmt.Errorf("renew lease for batch %d: %w", batchID, err)
	}
	return nil
}

// ReportProgress writes the in-flight pointers. Callers treat it as
// best-effort: an error is worth a log line and nothing more.
func (q *BatchQueue) ReportProgress(ctx context.Context, progress crawler.BatchProgress) error {
	if err := q.repo.SetProgress(ctx, progress, q.clock.Now()); err != nil {
		return fmt.Errorf("report progress for batch %d: %w", progress.BatchID, err)
	}
	return nil
}

// Complete marks the batch completed and releases the lease. Completing an
// unknown or already completed batch is a no-op.
func (q *BatchQueue) Complete(ctx context.Context, batchID int64, workerID string) error {
	err := q.repo.CompleteBatch(ctx, batchID, workerID, q.clock.Now())
	if errors.Is(err, store.ErrLeaseLost) {
		metrics.ObserveBatch("lease_lost")
	}
	if err != nil {
		return fmt.Errorf("complete batch %d: %w", batchID, err)
	}
	metrics.ObserveBatch("completed")
	q.logger.Info("batch completed", zap.Int64("batch_id", batchID), zap.String("worker_id", workerID))
	return nil
}

// Create validates and stores a new pending, active batch.
func (q *BatchQueue) Create(ctx context.Context, batch crawler.Batch) (crawler.Batch, error) {
	if err := validateWindow(batch.StartTime, batch.EndTime); err != nil {
		return crawler.Batch{}, err
	}
	if len(batch.Targets) == 0 {
		return crawler.Batch{}, fmt.Errorf("%w: at least one target is required", ErrInvalidBatch)
	}
	if len(batch.Categories) == 0 {
		return crawler.Batch{}, fmt.Errorf("%w: at least one category is required", ErrInvalidBatch)
	}
	if batch.Status == "" {
		batch.Status = crawler.LifecycleActive
	}
	if batch.Status != crawler.LifecycleActive && batch.Status != crawler.LifecycleInactive {
		return crawler.Batch{}, fmt.Errorf("%w: unknown status %q", ErrInvalidBatch, batch.Status)
	}
	now := q.clock.Now()
	batch.ScriptStatus = crawler.ScriptPending
	batch.WorkerID = nil
	batch.LeaseExpiresAt = nil
	batch.ProcessingTargetID = nil
	batch.ProcessingCategoryID = nil
	batch.ProcessingDate = nil
	batch.CreatedAt = now
	batch.UpdatedAt = now
	created, err := q.repo.CreateBatch(ctx, batch)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	q.logger.Info("batch created",
		zap.Int64("batch_id", created.ID),
		zap.Time("start", created.StartTime),
		zap.Time("end", created.EndTime),
		zap.Int("targets", len(created.Targets)),
		zap.Int("categories", len(created.Categories)),
	)
	return created, nil
}

// Get returns one batch.
func (q *BatchQueue) Get(ctx context.Context, id int64) (crawler.Batch, error) {
	batch, err := q.repo.GetBatch(ctx, id)
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("get batch %d: %w", id, err)
	}
	return batch, nil
}

// List returns a page of batches and the total matching the filter.
func (q *BatchQueue) List(ctx context.Context, filter store.BatchFilter) ([]crawler.Batch, int, error) {
	batches, total, err := q.repo.ListBatches(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	return batches, total, nil
}

// Update applies a partial update. Script status may only move forward.
func (q *BatchQueue) Update(ctx context.Context, id int64, update crawler.BatchUpdate) (crawler.Batch, error) {
	if update.ScriptStatus != nil && !update.ScriptStatus.Valid() {
		return crawler.Batch{}, fmt.Errorf("%w: unknown script status %q", ErrInvalidBatch, *update.ScriptStatus)
	}
	if update.Status != nil && *update.Status != crawler.LifecycleActive && *update.Status != crawler.LifecycleInactive {
		return crawler.Batch{}, fmt.Errorf("%w: unknown status %q", ErrInvalidBatch, *update.Status)
	}
	if update.Targets != nil && len(update.Targets) == 0 {
		return crawler.Batch{}, fmt.Errorf("%w: at least one target is required", ErrInvalidBatch)
	}
	if update.Categories != nil && len(update.Categories) == 0 {
		return crawler.Batch{}, fmt.Errorf("%w: at least one category is required", ErrInvalidBatch)
	}
	if update.StartTime != nil || update.EndTime != nil {
		current, err := q.repo.GetBatch(ctx, id)
		if err != nil {
			return crawler.Batch{}, fmt.Errorf("get batch %d: %w", id, err)
		}
		start, end := current.StartTime, current.EndTime
		if update.StartTime != nil {
			start = *update.StartTime
		}
		if update.EndTime != nil {
			end = *update.EndTime
		}
		if err := validateWindow(start, end); err != nil {
			return crawler.Batch{}, err
		}
	}
	batch, err := q.repo.UpdateBatch(ctx, id, update, q.clock.Now())
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("update batch %d: %w", id, err)
	}
	return batch, nil
}

// Delete removes a batch that is not in flight.
func (q *BatchQueue) Delete(ctx context.Context, id int64) error {
	if err := q.repo.DeleteBatch(ctx, id); err != nil {
		return fmt.Errorf("delete batch %d: %w", id, err)
	}
	q.logger.Info("batch deleted", zap.Int64("batch_id", id))
	return nil
}

// Stats counts batches by lifecycle and script status.
func (q *BatchQueue) Stats(ctx context.Context) (crawler.BatchStats, error) {
	stats, err := q.repo.BatchStats(ctx)
	if err != nil {
		return crawler.BatchStats{}, fmt.Errorf("batch stats: %w", err)
	}
	return stats, nil
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end time are required", ErrInvalidBatch)
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidBatch)
	}
	return nil
}
