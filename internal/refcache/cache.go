// Package refcache holds a worker-scoped snapshot of the reference data
// (targets, categories, watch names) with explicit invalidation.
package refcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/watchlist"
)

// Source loads reference snapshots and reports the current revision.
type Source interface {
	Reference(ctx context.Context) (crawler.ReferenceSnapshot, error)
	Revision(ctx context.Context) (int64, error)
}

type snapshot struct {
	revision   int64
	targets    map[int64]crawler.Target
	categories map[int64]crawler.Category
	watch      *watchlist.Evaluator
}

// Cache is loaded lazily on first use and again on first use after
// Invalidate. It is safe for concurrent use.
type Cache struct {
	source Source
	logger *zap.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// New builds an empty cache over source.
func New(source Source, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{source: source, logger: logger}
}

// Reload fetches a fresh snapshot unconditionally.
func (c *Cache) Reload(ctx context.Context) error {
	ref, err := c.source.Reference(ctx)
	if err != nil {
		return fmt.Errorf("load reference data: %w", err)
	}
	snap := &snapshot{
		revision:   ref.Revision,
		targets:    make(map[int64]crawler.Target, len(ref.Targets)),
		categories: make(map[int64]crawler.Category, len(ref.Categories)),
		watch:      watchlist.New(ref.WatchNames),
	}
	for _, t := range ref.Targets {
		snap.targets[t.ID] = t
	}
	for _, cat := range ref.Categories {
		snap.categories[cat.ID] = cat
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	c.logger.Info("reference data loaded",
		zap.Int64("revision", ref.Revision),
		zap.Int("targets", len(ref.Targets)),
		zap.Int("categories", len(ref.Categories)),
		zap.Int("watch_names", snap.watch.Len()),
	)
	return nil
}

// Invalidate drops the snapshot; the next lookup reloads it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Revision returns the loaded revision, or 0 when nothing is loaded.
func (c *Cache) Revision() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return 0
	}
	return c.snap.revision
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, nil
}

// Target resolves a target id. ok is false when the id is unknown.
func (c *Cache) Target(ctx context.Context, id int64) (crawler.Target, bool, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return crawler.Target{}, false, err
	}
	t, ok := snap.targets[id]
	return t, ok, nil
}

// Category resolves a category id. ok is false when the id is unknown.
func (c *Cache) Category(ctx context.Context, id int64) (crawler.Category, bool, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return crawler.Category{}, false, err
	}
	cat, ok := snap.categories[id]
	return cat, ok, nil
}

// Watchlist returns the compiled watch list evaluator.
func (c *Cache) Watchlist(ctx context.Context) (*watchlist.Evaluator, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.watch, nil
}

// Watch polls the source revision every interval and invalidates the cache
// when it moves. It returns when ctx is done.
func (c *Cache) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10})
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkRevision(ctx)
		}
	}
}

func (c *Cache) checkRevision(ctx context.Context) {
	rev, err := c.source.Revision(ctx)
	if err != nil {
		c.logger.Warn("reference revision check failed", zap.Error(err))
		return
	}
	loaded := c.Revision()
	if loaded != 0 && rev != loaded {
		c.logger.Info("reference data changed", zap.Int64("loaded", loaded), zap.Int64("current", rev))
		c.Invalidate()
	}
}
