// Package worker holds the plumbing shared by the discovery and enrichment
// loops: page loading under bounded retry, pauses, and lease heartbeats.
package worker

import (
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
)

// Policies configures how a Pager retries.
type Policies struct {
	// Fetch governs navigation and extraction.
	Fetch crawler.RetryPolicy
	// Ready governs readiness polling.
	Ready crawler.RetryPolicy
	// Sleep overrides the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pager drives a Renderer with bounded retry around every step.
type Pager struct {
	renderer crawler.Renderer
	fetch    crawler.Retrier
	ready    crawler.Retrier
	logger   *zap.Logger
}

// NewPager wraps renderer. Nil policies fall back to the package defaults.
func NewPager(renderer crawler.Renderer, policies Policies, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies.Fetch == nil {
		policies.Fetch = crawler.NewExponentialRetryPolicy()
	}
	if policies.Ready == nil {
		policies.Ready = crawler.ConstantRetryPolicy{Attempts: 30, Interval: time.Second}
	}
	p := &Pager{renderer: renderer, logger: logger}
	onRetry := func(op string, attempt int, err error, wait time.Duration) {
		metrics.ObserveRetry(op)
		p.logger.Debug("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	p.fetch = crawler.Retrier{Policy: policies.Fetch, Sleep: policies.Sleep, OnRetry: onRetry}
	p.ready = crawler.Retrier{Policy: policies.Ready, Sleep: policies.Sleep, OnRetry: onRetry}
	return p
}

// Navigate loads rawURL, retrying transient failures.
func (p *Pager) Navigate(ctx context.Context, rawURL string) (crawler.PageResponse, error) {
	var resp crawler.PageResponse
	err := p.fetch.Do(ctx, "navigate", func(ctx context.Context) error {
		r, err := p.renderer.Navigate(ctx, rawURL)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// WaitReady polls the current page until cond holds.
func (p *Pager) WaitReady(ctx context.Context, cond crawler.Condition) error {
	return p.ready.Do(ctx, "wait ready", func(ctx context.Context) error {
		_, err := p.renderer.WaitFor(ctx, cond)
		return err
	})
}

// Extract snapshots the current page.
func (p *Pager) Extract(ctx context.Context) (*goquery.Document, error) {
	var doc *goquery.Document
	err := p.fetch.Do(ctx, "extract", func(ctx context.Context) error {
		d, err := p.renderer.Extract(ctx)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	return doc, err
}

// Load navigates, waits for cond, and extracts in one call.
func (p *Pager) Load(ctx context.Context, rawURL string, cond crawler.Condition) (*goquery.Document, error) {
	if _, err := p.Navigate(ctx, rawURL); err != nil {
		return nil, err
	}
	if err := p.WaitReady(ctx, cond); err != nil {
		return nil, err
	}
	return p.Extract(ctx)
}

// Pause waits d unless ctx ends first.
func Pause(ctx context.Context, d time.Duration) error {
	return crawler.SleepContext(ctx, d)
}

// LeaseRenewer extends a held batch lease.
type LeaseRenewer interface {
	RenewLease(ctx context.Context, batchID int64, workerID string) error
}

// Heartbeat renews the lease for batchID on a jittered ticker until ctx ends.
// When the renewer reports the lease gone, lost is called once and Heartbeat
// returns. Other renewal errors are logged and retried on the next tick.
func Heartbeat(
	ctx context.Context,
	renewer LeaseRenewer,
	batchID int64,
	workerID string,
	interval time.Duration,
	logger *zap.Logger,
	lost func(error),
) {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := renewer.RenewLease(ctx, batchID, workerID)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if isLeaseLost(err) {
				logger.Warn("batch lease lost", zap.Int64("batch_id", batchID), zap.String("worker_id", workerID))
				lost(err)
				return
			}
			logger.Warn("lease renewal failed", zap.Int64("batch_id", batchID), zap.Error(err))
		}
	}
}
