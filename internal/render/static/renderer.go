// Package static renders pages with plain HTTP through a colly collector.
// It suits targets that serve search results without a bot check.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/extract"
)

// ErrBrowserRequired marks a response that only a real browser can get past.
var ErrBrowserRequired = errors.New("page requires a browser")

// Gate flags responses that are a bot check rather than content.
// *detector.Heuristic satisfies it.
type Gate interface {
	NeedsBrowser(status int, body []byte) bool
}

// Config controls collector behavior. A nil Gate accepts every response.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Gate      Gate
}

// Pacer delays navigations; *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer implements crawler.Renderer over HTTP GETs. The last fetched
// page is the current page.
type Renderer struct {
	cfg           Config
	pacer         Pacer
	baseCollector *colly.Collector

	mu     sync.Mutex
	page   []byte
	closed bool
}

var _ crawler.Renderer = (*Renderer)(nil)

// New builds a Renderer.
func New(cfg Config, pacer Pacer) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Renderer{cfg: cfg, pacer: pacer, baseCollector: c}
}

// Navigate fetches rawURL and makes it the current page. Error statuses are
// returned as responses, not errors.
func (r *Renderer) Navigate(ctx context.Context, rawURL string) (crawler.PageResponse, error) {
	if r.isClosed() {
		return crawler.PageResponse{}, crawler.ErrSessionLost
	}
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, rawURL); err != nil {
			return crawler.PageResponse{}, err
		}
	}

	var (
		result   crawler.PageResponse
		body     []byte
		fetchErr error
	)
	collector := r.baseCollector.Clone()
	collector.Context = ctx
	collector.OnResponse(func(resp *colly.Response) {
		result = crawler.PageResponse{Status: resp.StatusCode, FinalURL: resp.Request.URL.String()}
		body = append([]byte(nil), resp.Body...)
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			result = crawler.PageResponse{Status: resp.StatusCode, FinalURL: resp.Request.URL.String()}
			body = append([]byte(nil), resp.Body...)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return crawler.PageResponse{}, fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return crawler.PageResponse{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if err != nil && result.Status == 0 {
			return crawler.PageResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}

	if r.cfg.Gate != nil && r.cfg.Gate.NeedsBrowser(result.Status, body) {
		return crawler.PageResponse{}, fmt.Errorf("fetch %s: status %d: %w", rawURL, result.Status, ErrBrowserRequired)
	}

	r.mu.Lock()
	r.page = body
	r.mu.Unlock()
	return result, nil
}

// WaitFor checks cond once against the current page.
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

// Extract parses the current page.
func (r *Renderer) Extract(_ context.Context) (*goquery.Document, error) {
	r.mu.Lock()
	page, closed := r.page, r.closed
	r.mu.Unlock()
	if closed {
		return nil, crawler.ErrSessionLost
	}
	if page == nil {
		return nil, errors.New("no page loaded")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// Close drops the current page. Later calls report crawler.ErrSessionLost.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.page = nil
	return nil
}

func (r *Renderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
