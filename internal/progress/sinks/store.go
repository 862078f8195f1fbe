package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
)

// ProgressReporter accepts in-flight batch pointers. queue.BatchQueue and the
// coordinator API client both satisfy it.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, p crawler.BatchProgress) error
}

// StoreSink writes the latest window pointer of each batch through a
// ProgressReporter. Pointers are best-effort: failures are logged and
// swallowed so a slow coordinator never stalls the hub.
type StoreSink struct {
	reporter ProgressReporter
	logger   *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided reporter.
func NewStoreSink(reporter ProgressReporter, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{reporter: reporter, logger: logger}
}

// Consume collapses window starts per batch, keeping the last one, and skips
// batches that finished within the same flush.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.reporter == nil {
		return nil
	}
	latest := make(map[int64]progress.Event)
	order := make([]int64, 0)
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageWindowStart:
			if _, seen := latest[evt.BatchID]; !seen {
				order = append(order, evt.BatchID)
			}
			latest[evt.BatchID] = evt
		case progress.StageBatchDone, progress.StageBatchError:
			delete(latest, evt.BatchID)
		}
	}
	for _, id := range order {
		evt, ok := latest[id]
		if !ok {
			continue
		}
		if err := s.reporter.ReportProgress(ctx, evt.BatchProgress()); err != nil {
			s.logger.Warn("report batch progress failed",
				zap.Int64("batch_id", id),
				zap.String("worker_id", evt.WorkerID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
