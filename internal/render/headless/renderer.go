// Package headless renders pages in a Chrome session driven by chromedp.
// Search targets sit behind bot checks that only a real browser clears.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/extract"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the browser session.
type Config struct {
	// Headless runs Chrome without a window. Some bot checks only clear
	// with a visible browser.
	Headless          bool
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
}

// Pacer delays navigations; *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer implements crawler.Renderer on one browser tab.
type Renderer struct {
	cfg   Config
	pacer Pacer

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	meta        *responseMeta

	closeOnce sync.Once
}

var _ crawler.Renderer = (*Renderer)(nil)

// New starts a browser and opens the tab the renderer drives.
func New(cfg Config, pacer Pacer) (*Renderer, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	r := &Renderer{
		cfg:         cfg,
		pacer:       pacer,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		meta:        newResponseMeta(),
	}
	chromedp.ListenTarget(tabCtx, r.meta.captureEvent)

	// The first Run launches the browser.
	if err := chromedp.Run(tabCtx, r.setupAction()); err != nil {
		r.shutdown()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return r, nil
}

// Navigate loads rawURL and reports the document response status.
func (r *Renderer) Navigate(ctx context.Context, rawURL string) (crawler.PageResponse, error) {
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, rawURL); err != nil {
			return crawler.PageResponse{}, err
		}
	}
	r.meta.reset()
	var finalURL string
	err := r.run(ctx, r.cfg.NavigationTimeout,
		chromedp.Navigate(rawURL),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return crawler.PageResponse{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	status, responseURL := r.meta.snapshotWithFallbacks(rawURL, finalURL)
	return crawler.PageResponse{Status: status, FinalURL: responseURL}, nil
}

// WaitFor checks cond once against the current page. An unmet condition
// returns crawler.ErrNotReady.
func (r *Renderer) WaitFor(ctx context.Context, cond crawler.Condition) (string, error) {
	doc, err := r.Extract(ctx)
	if err != nil {
		return "", err
	}
	text, ok := extract.ConditionMet(doc, cond)
	if !ok {
		return "", fmt.Errorf("%s %q: %w", cond.Selector, cond.Contains, crawler.ErrNotReady)
	}
	return text, nil
}

// Extract snapshots the current DOM.
func (r *Renderer) Extract(ctx context.Context) (*goquery.Document, error) {
	var html string
	if err := r.run(ctx, r.cfg.NavigationTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("read dom: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dom: %w", err)
	}
	return doc, nil
}

// Close shuts the tab and the browser.
func (r *Renderer) Close() error {
	r.shutdown()
	return nil
}

func (r *Renderer) shutdown() {
	r.closeOnce.Do(func() {
		r.tabCancel()
		r.allocCancel()
	})
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (r *Renderer) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if r.tabCtx.Err() != nil {
		return crawler.ErrSessionLost
	}
	runCtx, cancel := context.WithTimeout(r.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	return r.classify(ctx, err)
}

// classify maps a torn-down browser to crawler.ErrSessionLost and keeps
// everything else retryable.
func (r *Renderer) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if sessionGone(r.tabCtx.Err(), err) {
		return fmt.Errorf("%w: %v", crawler.ErrSessionLost, err)
	}
	return err
}

func sessionGone(tabErr, err error) bool {
	if tabErr != nil {
		return true
	}
	return errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrChannelClosed) ||
		errors.Is(err, chromedp.ErrInvalidTarget)
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
