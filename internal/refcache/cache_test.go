package refcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
)

type countingSource struct {
	mu       sync.Mutex
	snap     crawler.ReferenceSnapshot
	loads    int
	failNext bool
}

func (s *countingSource) Reference(context.Context) (crawler.ReferenceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return crawler.ReferenceSnapshot{}, errors.New("coordinator down")
	}
	s.loads++
	return s.snap, nil
}

func (s *countingSource) Revision(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Revision, nil
}

func (s *countingSource) bump(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Revision++
	s.snap.WatchNames = names
}

func (s *countingSource) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func newSource() *countingSource {
	code := 12
	return &countingSource{snap: crawler.ReferenceSnapshot{
		Revision:   1,
		Targets:    []crawler.Target{{ID: 1, Name: "T1", URL: "https://t1.example"}},
		Categories: []crawler.Category{{ID: 7, Name: "Theft", Code: &code}},
		WatchNames: []string{"smith"},
	}}
}

func TestCacheLoadsLazilyOnce(t *testing.T) {
	t.Parallel()

	src := newSource()
	cache := New(src, nil)
	ctx := context.Background()
	require.Zero(t, cache.Revision())

	target, ok, err := cache.Target(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://t1.example", target.URL)

	_, ok, err = cache.Target(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)

	cat, ok, err := cache.Category(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 12, *cat.Code)

	require.Equal(t, 1, src.Loads())
	require.Equal(t, int64(1), cache.Revision())
}

func TestCacheInvalidateReloads(t *testing.T) {
	t.Parallel()

	src := newSource()
	cache := New(src, nil)
	ctx := context.Background()

	eval, err := cache.Watchlist(ctx)
	require.NoError(t, err)
	require.True(t, eval.Evaluate([]string{"Smith, John"}))

	src.bump("jane doe")
	eval, err = cache.Watchlist(ctx)
	require.NoError(t, err)
	require.True(t, eval.Evaluate([]string{"Smith, John"}), "cached until invalidated")

	cache.Invalidate()
	eval, err = cache.Watchlist(ctx)
	require.NoError(t, err)
	require.False(t, eval.Evaluate([]string{"Smith, John"}))
	require.True(t, eval.Evaluate([]string{"re: Jane Doe"}))
	require.Equal(t, 2, src.Loads())
}

func TestCacheReloadErrorIsReturned(t *testing.T) {
	t.Parallel()

	src := newSource()
	src.failNext = true
	cache := New(src, nil)

	_, _, err := cache.Target(context.Background(), 1)
	require.Error(t, err)

	_, ok, err := cache.Target(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheWatchInvalidatesOnRevisionChange(t *testing.T) {
	t.Parallel()

	src := newSource()
	cache := New(src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cache.Reload(ctx))
	go cache.Watch(ctx, 10*time.Millisecond)

	src.bump("doe")
	require.Eventually(t, func() bool {
		return cache.Revision() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStoreSourceSnapshot(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	ctx := context.Background()
	_, err := repo.CreateTarget(ctx, crawler.Target{Name: "T1", URL: "https://t1.example", Status: 1})
	require.NoError(t, err)
	_, err = repo.CreateCategory(ctx, crawler.Category{Name: "Theft", Status: 1})
	require.NoError(t, err)
	require.NoError(t, repo.ReplaceWatchNames(ctx, []string{"smith", " ", "smith"}))

	src := NewStoreSource(repo, repo)
	snap, err := src.Reference(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Targets, 1)
	require.Len(t, snap.Categories, 1)
	require.Equal(t, []string{"smith"}, snap.WatchNames)

	rev, err := src.Revision(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.Revision, rev)
	require.Greater(t, rev, int64(1))
}
