package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/daterange"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
)

const role = "discovery"

// Batches is the lease surface of the batch queue.
type Batches interface {
	ClaimNext(ctx context.Context, workerID string) (*crawler.Batch, error)
	RenewLease(ctx context.Context, batchID int64, workerID string) error
	Complete(ctx context.Context, batchID int64, workerID string) error
}

// Candidates accepts discovered stubs.
type Candidates interface {
	InsertCandidate(
		ctx context.Context,
		stub crawler.Stub,
		target crawler.Target,
		categoryID, batchID int64,
	) (crawler.InsertResult, error)
}

// References resolves batch ids to reference rows.
type References interface {
	Target(ctx context.Context, id int64) (crawler.Target, bool, error)
	Category(ctx context.Context, id int64) (crawler.Category, bool, error)
}

// Config controls the discovery loop.
type Config struct {
	WorkerID   string
	Scan       ScanConfig
	IdleDelay  time.Duration
	ErrorDelay time.Duration
	// LeaseTTL sizes the heartbeat period.
	LeaseTTL time.Duration
	// Location is the search endpoints' time zone.
	Location *time.Location
}

// Worker claims batches and scans them window by window.
type Worker struct {
	batches    Batches
	candidates Candidates
	refs       References
	scanner    *Scanner
	emitter    progress.Emitter
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a discovery Worker.
func New(
	batches Batches,
	candidates Candidates,
	refs References,
	pager *worker.Pager,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if cfg.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if batches == nil || candidates == nil || refs == nil || pager == nil || clock == nil {
		return nil, errors.New("discovery worker dependencies are required")
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("worker_id", cfg.WorkerID))
	return &Worker{
		batches:    batches,
		candidates: candidates,
		refs:       refs,
		scanner:    NewScanner(pager, cfg.Scan, emitter, clock, logger),
		emitter:    emitter,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run polls for batches until ctx ends. It returns crawler.ErrSessionLost
// when the renderer goes away and nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers(role)
	defer metrics.DecActiveWorkers(role)
	w.logger.Info("discovery worker started")
	defer w.logger.Info("discovery worker stopped")

	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx)
		var delay time.Duration
		switch {
		case errors.Is(err, crawler.ErrSessionLost):
			return err
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrLeaseLost):
			w.logger.Warn("batch abandoned", zap.Error(err))
		case err != nil:
			w.logger.Error("batch attempt failed", zap.Error(err))
			delay = w.cfg.ErrorDelay
		case !worked:
			delay = w.cfg.IdleDelay
		}
		if err := worker.Pause(ctx, delay); err != nil {
			return nil
		}
	}
	return nil
}

// RunOnce claims one batch and scans it. It reports false when nothing was
// available.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	batch, err := w.batches.ClaimNext(ctx, w.cfg.WorkerID)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	if batch == nil {
		return false, nil
	}
	return true, w.processBatch(ctx, *batch)
}

func (w *Worker) processBatch(ctx context.Context, batch crawler.Batch) error {
	started := w.clock.Now()
	logger := w.logger.With(zap.Int64("batch_id", batch.ID))
	logger.Info("batch claimed",
		zap.Time("start", batch.StartTime),
		zap.Time("end", batch.EndTime),
		zap.Int("pairs", len(batch.Targets)*len(batch.Categories)),
	)
	w.emitter.Emit(progress.Event{
		TS: started, Stage: progress.StageBatchClaimed, WorkerID: w.cfg.WorkerID, BatchID: batch.ID,
	})

	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Heartbeat(leaseCtx, w.batches, batch.ID, w.cfg.WorkerID,
			worker.HeartbeatInterval(w.cfg.LeaseTTL), logger, func(err error) { cancel(err) })
	}()
	err := w.scanBatch(leaseCtx, logger, batch)
	cancel(nil)
	wg.Wait()

	if cause := context.Cause(leaseCtx); errors.Is(cause, store.ErrLeaseLost) || errors.Is(cause, store.ErrNotFound) {
		w.finish(batch.ID, started, progress.StageBatchError, "lease lost")
		return fmt.Errorf("batch %d: %w", batch.ID, store.ErrLeaseLost)
	}
	if err != nil {
		w.finish(batch.ID, started, progress.StageBatchError, err.Error())
		return fmt.Errorf("batch %d: %w", batch.ID, err)
	}
	if err := w.batches.Complete(ctx, batch.ID, w.cfg.WorkerID); err != nil {
		w.finish(batch.ID, started, progress.StageBatchError, err.Error())
		return fmt.Errorf("complete batch %d: %w", batch.ID, err)
	}
	w.finish(batch.ID, started, progress.StageBatchDone, "")
	logger.Info("batch completed", zap.Duration("elapsed", w.clock.Now().Sub(started)))
	return nil
}

func (w *Worker) finish(batchID int64, started time.Time, stage progress.Stage, note string) {
	now := w.clock.Now()
	w.emitter.Emit(progress.Event{
		TS:       now,
		Stage:    stage,
		WorkerID: w.cfg.WorkerID,
		BatchID:  batchID,
		Dur:      max(now.Sub(started), 0),
		Note:     note,
	})
}

func (w *Worker) scanBatch(ctx context.Context, logger *zap.Logger, batch crawler.Batch) error {
	for _, pair := range batch.Pairs() {
		target, ok, err := w.refs.Target(ctx, pair.TargetID)
		if err != nil {
			return fmt.Errorf("load target %d: %w", pair.TargetID, err)
		}
		if !ok || target.URL == "" {
			logger.Warn("target missing from reference data, skipping pair",
				zap.Int64("target_id", pair.TargetID), zap.Int64("category_id", pair.CategoryID))
			continue
		}
		category, ok, err := w.refs.Category(ctx, pair.CategoryID)
		if err != nil {
			return fmt.Errorf("load category %d: %w", pair.CategoryID, err)
		}
		if !ok {
			logger.Warn("category missing from reference data, searching without code",
				zap.Int64("category_id", pair.CategoryID))
			category = crawler.Category{ID: pair.CategoryID}
		}
		if err := w.scanPair(ctx, logger, batch, target, category); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) scanPair(
	ctx context.Context,
	logger *zap.Logger,
	batch crawler.Batch,
	target crawler.Target,
	category crawler.Category,
) error {
	var scanErr error
	daterange.Each(batch.StartTime.UTC(), batch.EndTime.UTC(), w.cfg.Location, func(win crawler.Window) bool {
		if err := ctx.Err(); err != nil {
			scanErr = err
			return false
		}
		started := w.clock.Now()
		w.emitter.Emit(progress.Event{
			TS:         started,
			Stage:      progress.StageWindowStart,
			WorkerID:   w.cfg.WorkerID,
			BatchID:    batch.ID,
			TargetID:   target.ID,
			CategoryID: category.ID,
			Day:        win.Start,
		})
		stubs, err := w.scanner.ScanWindow(ctx, target, category, win)
		if err != nil {
			scanErr = err
			return false
		}
		w.submit(ctx, logger, stubs, target, category.ID, batch.ID)
		now := w.clock.Now()
		w.emitter.Emit(progress.Event{
			TS:         now,
			Stage:      progress.StageWindowDone,
			WorkerID:   w.cfg.WorkerID,
			BatchID:    batch.ID,
			TargetID:   target.ID,
			CategoryID: category.ID,
			Day:        win.Start,
			Site:       target.URL,
			Stubs:      len(stubs),
			Dur:        max(now.Sub(started), 0),
		})
		return true
	})
	return scanErr
}

// submit inserts stubs in discovery order; individual failures are skipped.
func (w *Worker) submit(
	ctx context.Context,
	logger *zap.Logger,
	stubs []crawler.Stub,
	target crawler.Target,
	categoryID, batchID int64,
) {
	for _, stub := range stubs {
		res, err := w.candidates.InsertCandidate(ctx, stub, target, categoryID, batchID)
		if err != nil {
			logger.Warn("insert candidate failed", zap.String("link", stub.Link), zap.Error(err))
			continue
		}
		if res.Skipped {
			logger.Debug("candidate already known", zap.String("link", stub.Link))
		}
	}
}
