package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("worker_id", evt.WorkerID),
		}
		if evt.BatchID != 0 {
			fields = append(fields, zap.Int64("batch_id", evt.BatchID))
		}
		if evt.TargetID != 0 {
			fields = append(fields,
				zap.Int64("target_id", evt.TargetID),
				zap.Int64("category_id", evt.CategoryID),
				zap.Time("day", evt.Day),
			)
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.Int("page", evt.Page))
		}
		if evt.RecordID != 0 {
			fields = append(fields, zap.Int64("record_id", evt.RecordID), zap.String("state", string(evt.State)))
		}
		fields = append(fields,
			zap.Int("stubs", evt.Stubs),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
