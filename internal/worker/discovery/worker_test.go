package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/extract"
	"github.com/JakeFAU/arrest-records-crawler/internal/queue"
	"github.com/JakeFAU/arrest-records-crawler/internal/refcache"
	"github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
	"github.com/JakeFAU/arrest-records-crawler/internal/worker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func noSleep(context.Context, time.Duration) error { return nil }

type pageKey struct {
	start string
	page  string
}

type fakePage struct {
	status int
	html   string
}

func resultsPage(srcs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><h1>Advanced Search</h1><div class="search-results"><ul>`)
	for _, src := range srcs {
		fmt.Fprintf(&b, `<li><div class="profile-card"><div class="title"><a data-src=%q>x</a></div>`+
			`<div class="card-info"><div class="card-subtitle"><a>Adams</a></div></div></div></li>`, src)
	}
	b.WriteString(`</ul></div></body></html>`)
	return b.String()
}

// searchRenderer serves result pages keyed by start date and page number.
type searchRenderer struct {
	mu        sync.Mutex
	pages     map[pageKey]fakePage
	navErr    error
	block     bool
	navigated []string
	current   *goquery.Document
}

func (r *searchRenderer) Navigate(ctx context.Context, rawURL string) (crawler.PageResponse, error) {
	if r.block {
		<-ctx.Done()
		return crawler.PageResponse{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigated = append(r.navigated, rawURL)
	if r.navErr != nil {
		return crawler.PageResponse{}, r.navErr
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return crawler.PageResponse{}, err
	}
	q := u.Query()
	page, ok := r.pages[pageKey{start: q.Get("startdate"), page: q.Get("page")}]
	if !ok {
		page = fakePage{html: resultsPage()}
	}
	if page.status == 0 {
		page.status = 200
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.html))
	if err != nil {
		return crawler.PageResponse{}, err
	}
	r.current = doc
	return crawler.PageResponse{Status: page.status, FinalURL: rawURL}, nil
}

func (r *searchRenderer) WaitFor(_ context.Context, cond crawler.Condition) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text, ok := extract.ConditionMet(r.current, cond); ok {
		return text, nil
	}
	return "", crawler.ErrNotReady
}

func (r *searchRenderer) Extract(context.Context) (*goquery.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

func (r *searchRenderer) Close() error { return nil }

func (r *searchRenderer) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigated...)
}

type harness struct {
	worker  *Worker
	repo    *memory.Store
	batches *queue.BatchQueue
	records *queue.RecordQueue
	batch   crawler.Batch
	target  crawler.Target
}

func newHarness(t *testing.T, renderer crawler.Renderer, wrap func(Batches) Batches, leaseTTL time.Duration) harness {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewStore()
	target, err := repo.CreateTarget(ctx, crawler.Target{Name: "T1", URL: "https://t1.example", Status: 1})
	require.NoError(t, err)
	code := 42
	category, err := repo.CreateCategory(ctx, crawler.Category{Name: "C1", Status: 1, Code: &code})
	require.NoError(t, err)

	clock := fixedClock{now: time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)}
	batches := queue.NewBatchQueue(repo, clock, time.Minute, nil)
	records := queue.NewRecordQueue(repo, clock, nil)
	batch, err := batches.Create(ctx, crawler.Batch{
		StartTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		Targets:    []int64{target.ID},
		Categories: []int64{category.ID},
	})
	require.NoError(t, err)

	pager := worker.NewPager(renderer, worker.Policies{
		Fetch: crawler.NewBoundedRetryPolicy(2, time.Millisecond, time.Millisecond),
		Ready: crawler.ConstantRetryPolicy{Attempts: 2},
		Sleep: noSleep,
	}, nil)
	var b Batches = batches
	if wrap != nil {
		b = wrap(batches)
	}
	w, err := New(b, records, refcache.New(refcache.NewStoreSource(repo, repo), nil), pager, nil, clock, Config{
		WorkerID: "W001",
		LeaseTTL: leaseTTL,
	}, nil)
	require.NoError(t, err)
	return harness{worker: w, repo: repo, batches: batches, records: records, batch: batch, target: target}
}

// TestWorkerDiscoversBatchEndToEnd covers two day windows yielding three stubs.
func TestWorkerDiscoversBatchEndToEnd(t *testing.T) {
	t.Parallel()

	renderer := &searchRenderer{pages: map[pageKey]fakePage{
		{start: "01/01/2024", page: "1"}: {html: resultsPage("/a/1/photo.jpg", "/b/2")},
		{start: "01/02/2024", page: "1"}: {html: resultsPage("/c/3")},
		{start: "01/02/2024", page: "2"}: {status: 500},
	}}
	h := newHarness(t, renderer, nil, time.Minute)
	ctx := context.Background()

	worked, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	pending, err := h.records.NextPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	links := make([]string, 0, len(pending))
	for _, rec := range pending {
		require.Equal(t, h.batch.ID, rec.BatchID)
		require.Equal(t, h.target.ID, rec.TargetID)
		require.Equal(t, crawler.RecordPending, rec.Status)
		links = append(links, rec.SourceLink)
	}
	require.Equal(t, []string{
		"https://t1.example/a/1",
		"https://t1.example/b/2",
		"https://t1.example/c/3",
	}, links)

	urls := renderer.URLs()
	require.Len(t, urls, 4)
	require.Contains(t, urls[0], "chargecode=42")
	require.Contains(t, urls[0], "startdate=01%2F01%2F2024")
	require.Contains(t, urls[0], "enddate=01%2F02%2F2024")
	require.Contains(t, urls[1], "page=2")
	require.Contains(t, urls[3], "startdate=01%2F02%2F2024")

	got, err := h.batches.Get(ctx, h.batch.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ScriptCompleted, got.ScriptStatus)
	require.Nil(t, got.WorkerID)

	worked, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, worked)
}

func TestWorkerSearchesBatchDatesInSearchZone(t *testing.T) {
	t.Parallel()

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	renderer := &searchRenderer{pages: map[pageKey]fakePage{
		{start: "01/01/2024", page: "1"}: {html: resultsPage("/a/1")},
		{start: "01/02/2024", page: "1"}: {html: resultsPage("/c/3")},
	}}
	h := newHarness(t, renderer, nil, time.Minute)
	h.worker.cfg.Location = chicago
	ctx := context.Background()

	worked, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// Each day reads one page of results and one empty page.
	urls := renderer.URLs()
	require.Len(t, urls, 4)
	require.Contains(t, urls[0], "startdate=01%2F01%2F2024")
	require.Contains(t, urls[0], "enddate=01%2F02%2F2024")
	require.Contains(t, urls[2], "startdate=01%2F02%2F2024")
	require.Contains(t, urls[2], "enddate=01%2F03%2F2024")
	for _, u := range urls {
		require.NotContains(t, u, "12%2F31%2F2023")
	}

	pending, err := h.records.NextPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestWorkerRetryExhaustionKeepsBatchClaimed(t *testing.T) {
	t.Parallel()

	renderer := &searchRenderer{navErr: errors.New("connection refused")}
	h := newHarness(t, renderer, nil, time.Minute)
	ctx := context.Background()

	worked, err := h.worker.RunOnce(ctx)
	require.True(t, worked)
	require.ErrorIs(t, err, crawler.ErrTimeout)
	require.Len(t, renderer.URLs(), 2)

	got, err := h.batches.Get(ctx, h.batch.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ScriptProcessing, got.ScriptStatus)
	require.NotNil(t, got.WorkerID)
	require.Equal(t, "W001", *got.WorkerID)

	total, err := h.records.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestWorkerRunReturnsSessionLost(t *testing.T) {
	t.Parallel()

	renderer := &searchRenderer{navErr: crawler.ErrSessionLost}
	h := newHarness(t, renderer, nil, time.Minute)

	err := h.worker.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrSessionLost)
	require.Len(t, renderer.URLs(), 1)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	renderer := &searchRenderer{}
	h := newHarness(t, renderer, nil, time.Minute)
	ctx := context.Background()
	_, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

type lostLease struct {
	Batches
}

func (lostLease) RenewLease(context.Context, int64, string) error {
	return store.ErrLeaseLost
}

// TestWorkerAbandonsBatchOnLeaseLoss stops scanning once the heartbeat fails.
func TestWorkerAbandonsBatchOnLeaseLoss(t *testing.T) {
	t.Parallel()

	renderer := &searchRenderer{block: true}
	h := newHarness(t, renderer, func(b Batches) Batches { return lostLease{Batches: b} }, 15*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.RunOnce(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, store.ErrLeaseLost)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept scanning after lease loss")
	}
}

func TestNewRequiresWorkerID(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil, nil, Config{}, nil)
	require.Error(t, err)
}
