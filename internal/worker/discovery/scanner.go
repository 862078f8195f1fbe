// Package discovery walks search result pages for each day window of a
// claimed batch and submits the candidate stubs it finds.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/extract"
	"github.com/JakeFAU/arrest-records-crawler/internal/metrics"
	"github.com/JakeFAU/arrest-records-crawler/internal/progress"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
)

// Defaults for Config fields left zero.
const (
	DefaultPageSize    = 56
	DefaultFatalStatus = 500
	DefaultPageDelay   = 2 * time.Second
	DefaultIdleDelay   = 5 * time.Second
	DefaultErrorDelay  = 30 * time.Second
)

// ScanConfig controls pagination.
type ScanConfig struct {
	PageSize    int
	FatalStatus int
	PageDelay   time.Duration
}

func (c *ScanConfig) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.FatalStatus <= 0 {
		c.FatalStatus = DefaultFatalStatus
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
}

// Scanner paginates one day window of one (target, category) pair.
type Scanner struct {
	pager   *worker.Pager
	cfg     ScanConfig
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewScanner builds a Scanner over pager.
func NewScanner(pager *worker.Pager, cfg ScanConfig, emitter progress.Emitter, clock crawler.Clock, logger *zap.Logger) *Scanner {
	cfg.applyDefaults()
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{pager: pager, cfg: cfg, emitter: emitter, clock: clock, logger: logger}
}

// ScanWindow visits pages 1, 2, ... until a page yields no stubs or answers
// with the fatal status, and returns the stubs in page order. Retry
// exhaustion aborts the window with a *crawler.TimeoutError and no stubs.
func (s *Scanner) ScanWindow(
	ctx context.Context,
	target crawler.Target,
	category crawler.Category,
	window crawler.Window,
) ([]crawler.Stub, error) {
	code := extract.ChargeCode(category.Code)
	var stubs []crawler.Stub
	for page := 1; ; page++ {
		pageURL := extract.SearchURL(target.URL, page, s.cfg.PageSize, code, window)
		found, done, err := s.scanPage(ctx, target, pageURL)
		if err != nil {
			metrics.ObservePage(target.URL, "error", 0)
			return nil, fmt.Errorf("scan %s page %d: %w", window.Start.Format(time.DateOnly), page, err)
		}
		if done {
			break
		}
		s.emitter.Emit(progress.Event{
			TS:    s.clock.Now(),
			Stage: progress.StagePageDone,
			Site:  metrics.SanitizeSite(target.URL),
			Page:  page,
			Stubs: len(found),
		})
		if len(found) == 0 {
			break
		}
		stubs = append(stubs, found...)
	}
	return stubs, nil
}

// scanPage returns done when the page ends the window without data.
func (s *Scanner) scanPage(ctx context.Context, target crawler.Target, pageURL string) ([]crawler.Stub, bool, error) {
	resp, err := s.pager.Navigate(ctx, pageURL)
	if err != nil {
		return nil, false, err
	}
	if resp.Status == s.cfg.FatalStatus {
		metrics.ObservePage(target.URL, "fatal", 0)
		s.logger.Debug("fatal status ends window", zap.String("url", pageURL), zap.Int("status", resp.Status))
		return nil, true, nil
	}
	if err := s.pager.WaitReady(ctx, extract.SearchReady); err != nil {
		return nil, false, err
	}
	if err := worker.Pause(ctx, s.cfg.PageDelay); err != nil {
		return nil, false, err
	}
	doc, err := s.pager.Extract(ctx)
	if err != nil {
		return nil, false, err
	}
	found := extract.Stubs(doc)
	outcome := "ok"
	if len(found) == 0 {
		outcome = "empty"
	}
	metrics.ObservePage(target.URL, outcome, len(found))
	return found, false, nil
}
