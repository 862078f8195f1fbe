// Package enrichment visits pending records' detail pages, extracts their
// fields, evaluates the watch list, and completes them.
package enrichment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/extract"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
	"github.com/JakeFAU/arrest-records-crawler/internal/watchlist"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
)

const role = "enrichment"

// Defaults for Config fields left zero.
const (
	DefaultBatchSize   = 50
	DefaultIdleDelay   = 5 * time.Second
	DefaultErrorDelay  = 30 * time.Second
	DefaultContentType = "text/html; charset=utf-8"
	// CompletedEventType tags record completion messages.
	CompletedEventType = "record.completed"
)

// Records is the record queue surface enrichment needs.
type Records interface {
	NextPending(ctx context.Context, afterID int64, limit int) ([]crawler.Record, error)
	Complete(ctx context.Context, id int64, enrichment crawler.Enrichment) error
}

// Watchlists supplies the compiled watch list.
type Watchlists interface {
	Watchlist(ctx context.Context) (*watchlist.Evaluator, error)
}

// Outputs are the optional side channels for completed records. Nil fields
// disable the corresponding output.
type Outputs struct {
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Publisher crawler.Publisher
}

// Config controls the enrichment loop.
type Config struct {
	WorkerID    string
	BatchSize   int
	RecordDelay time.Duration
	IdleDelay   time.Duration
	ErrorDelay  time.Duration
	// Location is the detail pages' time zone.
	Location      *time.Location
	ArchivePrefix string
	ContentType   string
	Topic         string
}

// CompletedEvent is published after a record is completed.
type CompletedEvent struct {
	Type        string    `json:"type"`
	RecordID    int64     `json:"record_id"`
	BatchID     int64     `json:"batch_id"`
	URL         string    `json:"url"`
	Name        string    `json:"name,omitempty"`
	Agency      string    `json:"agency,omitempty"`
	Charges     int       `json:"charges"`
	DerivedFlag bool      `json:"fta"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventType tags the message for subscribers that filter on attributes.
func (e CompletedEvent) EventType() string {
	return e.Type
}

// Worker processes pending records one at a time.
type Worker struct {
	records Records
	lists   Watchlists
	pager   *worker.Pager
	outputs Outputs
	emitter progress.Emitter
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	// cursor is the last record id handled. Passes resume after it so
	// records that keep failing cannot starve newer ones.
	cursor int64
}

// New constructs an enrichment Worker.
func New(
	records Records,
	lists Watchlists,
	pager *worker.Pager,
	outputs Outputs,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if records == nil || lists == nil || pager == nil || clock == nil {
		return nil, errors.New("enrichment worker dependencies are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
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
	if cfg.WorkerID != "" {
		logger = logger.With(zap.String("worker_id", cfg.WorkerID))
	}
	return &Worker{
		records: records,
		lists:   lists,
		pager:   pager,
		outputs: outputs,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Run polls for pending records until ctx ends. It returns
// crawler.ErrSessionLost when the renderer goes away and nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers(role)
	defer metrics.DecActiveWorkers(role)
	w.logger.Info("enrichment worker started")
	defer w.logger.Info("enrichment worker stopped")

	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		var delay time.Duration
		switch {
		case errors.Is(err, crawler.ErrSessionLost):
			return err
		case ctx.Err() != nil:
			return nil
		case err != nil:
			w.logger.Error("enrichment pass failed", zap.Error(err))
			delay = w.cfg.ErrorDelay
		case n == 0:
			delay = w.cfg.IdleDelay
		}
		if err := worker.Pause(ctx, delay); err != nil {
			return nil
		}
	}
	return nil
}

// RunOnce processes the next page of pending records after the last one
// handled and returns how many were completed. When nothing remains past the
// cursor it wraps to the oldest pending record. Per-record failures are
// logged and skipped; a page where every record failed is reported as an
// error. RunOnce is not safe for concurrent use.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.records.NextPending(ctx, w.cursor, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending records: %w", err)
	}
	if len(pending) == 0 && w.cursor > 0 {
		w.cursor = 0
		pending, err = w.records.NextPending(ctx, 0, w.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("fetch pending records: %w", err)
		}
	}
	completed := 0
	for i, rec := range pending {
		err := w.processRecord(ctx, rec)
		if errors.Is(err, crawler.ErrSessionLost) {
			return completed, err
		}
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		w.cursor = rec.ID
		if err != nil {
			w.logger.Warn("record skipped", zap.Int64("record_id", rec.ID), zap.String("url", rec.SourceLink), zap.Error(err))
			metrics.ObserveRecord("skipped")
			w.emitter.Emit(progress.Event{
				TS: w.clock.Now(), Stage: progress.StageRecordError, WorkerID: w.cfg.WorkerID,
				RecordID: rec.ID, BatchID: rec.BatchID, Note: err.Error(),
			})
			continue
		}
		completed++
		if i < len(pending)-1 {
			if err := worker.Pause(ctx, w.cfg.RecordDelay); err != nil {
				return completed, err
			}
		}
	}
	if len(pending) > 0 && completed == 0 {
		return 0, fmt.Errorf("none of %d pending records completed", len(pending))
	}
	return completed, nil
}

func (w *Worker) processRecord(ctx context.Context, rec crawler.Record) error {
	logger := w.logger.With(zap.Int64("record_id", rec.ID))
	w.state(rec, crawler.StateVisiting)
	doc, err := w.pager.Load(ctx, rec.SourceLink, extract.DetailReady)
	if err != nil {
		return fmt.Errorf("load record %d: %w", rec.ID, err)
	}

	w.state(rec, crawler.StateExtracting)
	enrichment, err := extract.Detail(doc, w.cfg.Location)
	if err != nil {
		logger.Warn("arrest time not parsed", zap.Error(err))
	}
	list, err := w.lists.Watchlist(ctx)
	if err != nil {
		return fmt.Errorf("load watch list: %w", err)
	}
	enrichment.DerivedFlag = list.Evaluate(extract.ChargeTitles(enrichment.Charges))

	var uri, hash string
	if html, err := doc.Html(); err == nil {
		uri, hash = w.archive(ctx, logger, rec, []byte(html))
	}

	if err := w.records.Complete(ctx, rec.ID, enrichment); err != nil {
		return fmt.Errorf("complete record %d: %w", rec.ID, err)
	}
	w.state(rec, crawler.StateCompleted)
	logger.Debug("record completed",
		zap.Bool("fta", enrichment.DerivedFlag),
		zap.Int("charges", len(enrichment.Charges)),
	)
	w.publish(ctx, logger, rec, enrichment, uri, hash)
	return nil
}

func (w *Worker) state(rec crawler.Record, state crawler.RecordState) {
	w.emitter.Emit(progress.Event{
		TS:       w.clock.Now(),
		Stage:    progress.StageRecordState,
		WorkerID: w.cfg.WorkerID,
		BatchID:  rec.BatchID,
		RecordID: rec.ID,
		State:    state,
	})
}

func (w *Worker) blobPath(rec crawler.Record, hash string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%d/%d-%s.html", rec.BatchID, rec.ID, hash)
	}
	return fmt.Sprintf("%s/%d/%d-%s.html", prefix, rec.BatchID, rec.ID, hash)
}

// archive stores the rendered page. Failures are logged and do not block
// completion.
func (w *Worker) archive(ctx context.Context, logger *zap.Logger, rec crawler.Record, body []byte) (string, string) {
	if w.outputs.Blobs == nil || w.outputs.Hasher == nil {
		return "", ""
	}
	hash, err := w.outputs.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash detail page failed", zap.Error(err))
		return "", ""
	}
	uri, err := w.outputs.Blobs.PutObject(ctx, w.blobPath(rec, hash), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive detail page failed", zap.Error(err))
		return "", hash
	}
	return uri, hash
}

func (w *Worker) publish(
	ctx context.Context,
	logger *zap.Logger,
	rec crawler.Record,
	enrichment crawler.Enrichment,
	uri, hash string,
) {
	if w.cfg.Topic == "" || w.outputs.Publisher == nil {
		return
	}
	evt := CompletedEvent{
		Type:        CompletedEventType,
		RecordID:    rec.ID,
		BatchID:     rec.BatchID,
		URL:         rec.SourceLink,
		Name:        enrichment.Name,
		Agency:      enrichment.Agency,
		Charges:     len(enrichment.Charges),
		DerivedFlag: enrichment.DerivedFlag,
		BlobURI:     uri,
		Hash:        hash,
		Timestamp:   w.clock.Now(),
	}
	id, err := w.outputs.Publisher.Publish(ctx, w.cfg.Topic, evt)
	if err != nil {
		logger.Warn("publish record completion failed", zap.Error(err))
		return
	}
	logger.Debug("record completion published", zap.String("message_id", id), zap.String("blob_uri", uri))
}
