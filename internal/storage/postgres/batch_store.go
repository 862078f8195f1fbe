package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const batchColumns = `b.id, b.start_time, b.end_time, b.status, b.script_status,
	b.processing_target_id, b.processing_category_id, b.processing_date,
	b.worker_id, b.lease_expires_at, b.created_at, b.updated_at,
	COALESCE((SELECT array_agg(bt.target_id ORDER BY bt.position) FROM batch_targets bt WHERE bt.batch_id = b.id), '{}'::bigint[]),
	COALESCE((SELECT array_agg(bc.category_id ORDER BY bc.position) FROM batch_categories bc WHERE bc.batch_id = b.id), '{}'::bigint[])`

const clearClaimColumns = `worker_id = NULL, lease_expires_at = NULL,
	processing_target_id = NULL, processing_category_id = NULL, processing_date = NULL`

func scanBatch(row rowScanner) (crawler.Batch, error) {
	var (
		b            crawler.Batch
		status       string
		scriptStatus string
	)
	err := row.Scan(
		&b.ID, &b.StartTime, &b.EndTime, &status, &scriptStatus,
		&b.ProcessingTargetID, &b.ProcessingCategoryID, &b.ProcessingDate,
		&b.WorkerID, &b.LeaseExpiresAt, &b.CreatedAt, &b.UpdatedAt,
		&b.Targets, &b.Categories,
	)
	if err != nil {
		return crawler.Batch{}, err
	}
	b.Status = crawler.LifecycleStatus(status)
	b.ScriptStatus = crawler.ScriptStatus(scriptStatus)
	return b, nil
}

func getBatch(ctx context.Context, q querier, id int64) (crawler.Batch, error) {
	b, err := scanBatch(q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches b WHERE b.id = $1`, id))
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("get batch %d: %w", id, notFound(err))
	}
	return b, nil
}

func replaceBatchTargets(ctx context.Context, q querier, batchID int64, ids []int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM batch_targets WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("clear batch targets: %w", err)
	}
	_, err := q.Exec(ctx, `
INSERT INTO batch_targets (batch_id, target_id, position)
SELECT $1, u.id, u.ord - 1 FROM unnest($2::bigint[]) WITH ORDINALITY AS u(id, ord)`, batchID, ids)
	if err != nil {
		return fmt.Errorf("insert batch targets: %w", err)
	}
	return nil
}

func replaceBatchCategories(ctx context.Context, q querier, batchID int64, ids []int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM batch_categories WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("clear batch categories: %w", err)
	}
	_, err := q.Exec(ctx, `
INSERT INTO batch_categories (batch_id, category_id, position)
SELECT $1, u.id, u.ord - 1 FROM unnest($2::bigint[]) WITH ORDINALITY AS u(id, ord)`, batchID, ids)
	if err != nil {
		return fmt.Errorf("insert batch categories: %w", err)
	}
	return nil
}

// CreateBatch inserts a batch and its ordered associations.
func (s *Store) CreateBatch(ctx context.Context, batch crawler.Batch) (crawler.Batch, error) {
	if batch.Status == "" {
		batch.Status = crawler.LifecycleActive
	}
	if batch.ScriptStatus == "" {
		batch.ScriptStatus = crawler.ScriptPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UpdatedAt = batch.CreatedAt
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO batches (start_time, end_time, status, script_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING id`,
			batch.StartTime, batch.EndTime, string(batch.Status), string(batch.ScriptStatus), batch.CreatedAt,
		).Scan(&batch.ID)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if err := replaceBatchTargets(ctx, tx, batch.ID, batch.Targets); err != nil {
			return err
		}
		return replaceBatchCategories(ctx, tx, batch.ID, batch.Categories)
	})
	if err != nil {
		return crawler.Batch{}, err
	}
	return batch, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (crawler.Batch, error) {
	return getBatch(ctx, s.pool, id)
}

func batchWhere(filter store.BatchFilter) *where {
	w := &where{}
	if filter.Status != "" {
		w.add("b.status = $%d", filter.Status)
	}
	if filter.ScriptStatus != "" {
		w.add("b.script_status = $%d", filter.ScriptStatus)
	}
	if filter.WorkerID != "" {
		w.add("b.worker_id = $%d", filter.WorkerID)
	}
	if filter.Search != "" {
		w.add("(b.id::text ILIKE $%[1]d OR b.worker_id ILIKE $%[1]d)", "%"+filter.Search+"%")
	}
	return w
}

// ListBatches returns batches newest first along with the unpaged total.
func (s *Store) ListBatches(ctx context.Context, filter store.BatchFilter) ([]crawler.Batch, int, error) {
	w := batchWhere(filter)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM batches b`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}
	suffix, args := w.page(filter.Limit, filter.Offset)
	rows, err := s.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches b`+w.String()+` ORDER BY b.id DESC`+suffix, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	return out, total, nil
}

// UpdateBatch applies the non-nil fields of update.
func (s *Store) UpdateBatch(ctx context.Context, id int64, update crawler.BatchUpdate, now time.Time) (crawler.Batch, error) {
	var out crawler.Batch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT script_status FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			return fmt.Errorf("lock batch %d: %w", id, notFound(err))
		}
		if update.ScriptStatus != nil && update.ScriptStatus.Rank() < crawler.ScriptStatus(current).Rank() {
			return store.ErrInvalidTransition
		}

		script := crawler.ScriptStatus(current)
		if update.ScriptStatus != nil {
			script = *update.ScriptStatus
		}
		// Deactivating a batch mid-flight releases its claim so the worker is
		// free to take another.
		release := update.Status != nil && *update.Status == crawler.LifecycleInactive &&
			script == crawler.ScriptProcessing
		dropClaim := release || script == crawler.ScriptCompleted

		sets := []string{}
		args := []any{id}
		set := func(column string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
		}
		if update.StartTime != nil {
			set("start_time", *update.StartTime)
		}
		if update.EndTime != nil {
			set("end_time", *update.EndTime)
		}
		if update.Status != nil {
			set("status", string(*update.Status))
		}
		if !dropClaim {
			if update.WorkerID != nil {
				set("worker_id", *update.WorkerID)
			}
			if update.ProcessingTargetID != nil {
				set("processing_target_id", *update.ProcessingTargetID)
			}
			if update.ProcessingCategoryID != nil {
				set("processing_category_id", *update.ProcessingCategoryID)
			}
			if update.ProcessingDate != nil {
				set("processing_date", *update.ProcessingDate)
			}
		}
		if update.ScriptStatus != nil {
			set("script_status", string(script))
		}
		if dropClaim {
			sets = append(sets, clearClaimColumns)
		}
		set("updated_at", now)
		query := `UPDATE batches SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update batch %d: %w", id, err)
		}
		if update.Targets != nil {
			if err := replaceBatchTargets(ctx, tx, id, update.Targets); err != nil {
				return err
			}
		}
		if update.Categories != nil {
			if err := replaceBatchCategories(ctx, tx, id, update.Categories); err != nil {
				return err
			}
		}
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return crawler.Batch{}, err
	}
	return out, nil
}

// DeleteBatch removes a batch that is not being processed.
func (s *Store) DeleteBatch(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1 AND script_status <> 'processing'`, id)
	if err != nil {
		return fmt.Errorf("delete batch %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	exists, err := s.batchExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInvalidTransition
}

// BatchStats counts batches by lifecycle and script status.
func (s *Store) BatchStats(ctx context.Context) (crawler.BatchStats, error) {
	var st crawler.BatchStats
	err := s.pool.QueryRow(ctx, `
SELECT count(*),
	count(*) FILTER (WHERE status = 'active'),
	count(*) FILTER (WHERE status = 'inactive'),
	count(*) FILTER (WHERE script_status = 'pending'),
	count(*) FILTER (WHERE script_status = 'processing'),
	count(*) FILTER (WHERE script_status = 'completed')
FROM batches`).Scan(&st.Total, &st.Active, &st.Inactive, &st.Pending, &st.Processing, &st.Completed)
	if err != nil {
		return crawler.BatchStats{}, fmt.Errorf("batch stats: %w", err)
	}
	return st, nil
}

// ClaimBatch leases the worker's own batch, else the lowest claimable id.
// Rows locked by a concurrent claim are skipped.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, now, leaseUntil time.Time) (*crawler.Batch, error) {
	var out *crawler.Batch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
SELECT b.id FROM batches b
WHERE b.status = 'active'
	AND b.script_status IN ('pending', 'processing')
	AND (b.worker_id IS NULL OR b.worker_id = '' OR b.worker_id = $1
		OR b.lease_expires_at IS NULL OR b.lease_expires_at <= $2)
ORDER BY (b.worker_id IS NOT DISTINCT FROM $1) DESC, b.id
LIMIT 1
FOR UPDATE SKIP LOCKED`, workerID, now).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable batch: %w", err)
		}
		_, err = tx.Exec(ctx, `
UPDATE batches SET script_status = 'processing', worker_id = $2, lease_expires_at = $3, updated_at = $4
WHERE id = $1`, id, workerID, leaseUntil, now)
		if err != nil {
			return fmt.Errorf("claim batch %d: %w", id, err)
		}
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		out = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenewLease extends the lease held by workerID.
func (s *Store) RenewLease(ctx context.Context, batchID int64, workerID string, leaseUntil time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET lease_expires_at = $3
WHERE id = $1 AND worker_id = $2 AND script_status = 'processing'`, batchID, workerID, leaseUntil)
	if err != nil {
		return fmt.Errorf("renew lease %d: %w", batchID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.leaseMissError(ctx, batchID)
}

// SetProgress writes the in-flight pointers of a held batch.
func (s *Store) SetProgress(ctx context.Context, p crawler.BatchProgress, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET processing_target_id = $3, processing_category_id = $4, processing_date = $5, updated_at = $6
WHERE id = $1 AND worker_id = $2 AND script_status = 'processing'`,
		p.BatchID, p.WorkerID, p.TargetID, p.CategoryID, p.Day, now)
	if err != nil {
		return fmt.Errorf("set progress %d: %w", p.BatchID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.leaseMissError(ctx, p.BatchID)
}

// CompleteBatch marks a batch completed and releases its claim.
func (s *Store) CompleteBatch(ctx context.Context, batchID int64, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET script_status = 'completed', `+clearClaimColumns+`, updated_at = $3
WHERE id = $1 AND script_status <> 'completed'
	AND ($2 = '' OR worker_id IS NULL OR worker_id = '' OR worker_id = $2)`, batchID, workerID, now)
	if err != nil {
		return fmt.Errorf("complete batch %d: %w", batchID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT script_status FROM batches WHERE id = $1`, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete batch %d: %w", batchID, err)
	}
	if crawler.ScriptStatus(status) == crawler.ScriptCompleted {
		return nil
	}
	return store.ErrLeaseLost
}

func (s *Store) leaseMissError(ctx context.Context, batchID int64) error {
	exists, err := s.batchExists(ctx, batchID)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrLeaseLost
}

func (s *Store) batchExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check batch %d: %w", id, err)
	}
	return exists, nil
}
