// Package memory provides in-memory implementations of the store and blob
// interfaces for development and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

type recordRow struct {
	record  crawler.Record
	charges []crawler.Charge
}

// Store implements store.Repository behind a single RWMutex.
type Store struct {
	mu sync.RWMutex

	batches     map[int64]crawler.Batch
	nextBatchID int64

	records      map[int64]*recordRow
	recordByLink map[string]int64
	nextRecordID int64

	counties     map[string]int64
	agencies     map[string]int64
	nextLookupID int64

	targets      map[int64]crawler.Target
	nextTargetID int64
	categories   map[int64]crawler.Category
	nextCatID    int64

	settings   map[string]string
	watchNames []string
	revision   int64
}

var _ store.Repository = (*Store)(nil)

// NewStore constructs an empty Store seeded with the default settings.
func NewStore() *Store {
	return &Store{
		batches:      make(map[int64]crawler.Batch),
		records:      make(map[int64]*recordRow),
		recordByLink: make(map[string]int64),
		counties:     make(map[string]int64),
		agencies:     make(map[string]int64),
		targets:      make(map[int64]crawler.Target),
		categories:   make(map[int64]crawler.Category),
		settings: map[string]string{
			store.SettingSchedule:      store.DefaultSchedule,
			store.SettingScriptEnabled: "false",
		},
		revision: 1,
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// CreateBatch stores a new batch. Missing statuses default to active/pending.
func (s *Store) CreateBatch(_ context.Context, batch crawler.Batch) (crawler.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBatchID++
	batch.ID = s.nextBatchID
	if batch.Status == "" {
		batch.Status = crawler.LifecycleActive
	}
	if batch.ScriptStatus == "" {
		batch.ScriptStatus = crawler.ScriptPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UpdatedAt = batch.CreatedAt
	batch = cloneBatch(batch)
	s.batches[batch.ID] = batch
	return cloneBatch(batch), nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(_ context.Context, id int64) (crawler.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return crawler.Batch{}, store.ErrNotFound
	}
	return cloneBatch(batch), nil
}

// ListBatches returns batches newest first along with the unpaged total.
func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]crawler.Batch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]crawler.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if !batchMatches(b, filter) {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	out := make([]crawler.Batch, len(page))
	for i, b := range page {
		out[i] = cloneBatch(b)
	}
	return out, total, nil
}

func batchMatches(b crawler.Batch, filter store.BatchFilter) bool {
	if filter.Status != "" && string(b.Status) != filter.Status {
		return false
	}
	if filter.ScriptStatus != "" && string(b.ScriptStatus) != filter.ScriptStatus {
		return false
	}
	worker := ""
	if b.WorkerID != nil {
		worker = *b.WorkerID
	}
	if filter.WorkerID != "" && worker != filter.WorkerID {
		return false
	}
	if filter.Search != "" {
		term := strings.ToLower(filter.Search)
		if !strings.Contains(strconv.FormatInt(b.ID, 10), term) && !strings.Contains(strings.ToLower(worker), term) {
			return false
		}
	}
	return true
}

// UpdateBatch applies the non-nil fields of update.
func (s *Store) UpdateBatch(_ context.Context, id int64, update crawler.BatchUpdate, now time.Time) (crawler.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return crawler.Batch{}, store.ErrNotFound
	}
	if update.ScriptStatus != nil && update.ScriptStatus.Rank() < batch.ScriptStatus.Rank() {
		return crawler.Batch{}, store.ErrInvalidTransition
	}
	if update.StartTime != nil {
		batch.StartTime = *update.StartTime
	}
	if update.EndTime != nil {
		batch.EndTime = *update.EndTime
	}
	if update.Targets != nil {
		batch.Targets = slices.Clone(update.Targets)
	}
	if update.Categories != nil {
		batch.Categories = slices.Clone(update.Categories)
	}
	if update.Status != nil {
		batch.Status = *update.Status
	}
	if update.WorkerID != nil {
		batch.WorkerID = ptr(*update.WorkerID)
	}
	if update.ProcessingTargetID != nil {
		batch.ProcessingTargetID = ptr(*update.ProcessingTargetID)
	}
	if update.ProcessingCategoryID != nil {
		batch.ProcessingCategoryID = ptr(*update.ProcessingCategoryID)
	}
	if update.ProcessingDate != nil {
		batch.ProcessingDate = ptr(*update.ProcessingDate)
	}
	if update.ScriptStatus != nil {
		batch.ScriptStatus = *update.ScriptStatus
	}
	// Deactivating a batch mid-flight releases its claim so the worker is free
	// to take another.
	released := update.Status != nil && batch.Status == crawler.LifecycleInactive &&
		batch.ScriptStatus == crawler.ScriptProcessing
	if released || batch.ScriptStatus == crawler.ScriptCompleted {
		clearClaim(&batch)
	}
	batch.UpdatedAt = now
	s.batches[id] = batch
	return cloneBatch(batch), nil
}

// DeleteBatch removes a batch that is not being processed.
func (s *Store) DeleteBatch(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	if batch.ScriptStatus == crawler.ScriptProcessing {
		return store.ErrInvalidTransition
	}
	delete(s.batches, id)
	return nil
}

// BatchStats counts batches by lifecycle and script status.
func (s *Store) BatchStats(_ context.Context) (crawler.BatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats crawler.BatchStats
	for _, b := range s.batches {
		stats.Total++
		switch b.Status {
		case crawler.LifecycleActive:
			stats.Active++
		case crawler.LifecycleInactive:
			stats.Inactive++
		}
		switch b.ScriptStatus {
		case crawler.ScriptPending:
			stats.Pending++
		case crawler.ScriptProcessing:
			stats.Processing++
		case crawler.ScriptCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

// ClaimBatch leases the worker's own batch, else the lowest claimable id.
func (s *Store) ClaimBatch(_ context.Context, workerID string, now, leaseUntil time.Time) (*crawler.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chosen *crawler.Batch
	for _, b := range s.batches {
		if !b.Claimable(workerID, now) {
			continue
		}
		own := b.WorkerID != nil && *b.WorkerID == workerID
		if chosen == nil {
			c := b
			chosen = &c
			continue
		}
		chosenOwn := chosen.WorkerID != nil && *chosen.WorkerID == workerID
		if (own && !chosenOwn) || (own == chosenOwn && b.ID < chosen.ID) {
			c := b
			chosen = &c
		}
	}
	if chosen == nil {
		return nil, nil
	}
	chosen.ScriptStatus = crawler.ScriptProcessing
	chosen.WorkerID = ptr(workerID)
	chosen.LeaseExpiresAt = ptr(leaseUntil)
	chosen.UpdatedAt = now
	s.batches[chosen.ID] = *chosen
	out := cloneBatch(*chosen)
	return &out, nil
}

// RenewLease extends the lease held by workerID.
func (s *Store) RenewLease(_ context.Context, batchID int64, workerID string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return store.ErrNotFound
	}
	if !heldBy(batch, workerID) {
		return store.ErrLeaseLost
	}
	batch.LeaseExpiresAt = ptr(leaseUntil)
	s.batches[batchID] = batch
	return nil
}

// SetProgress writes the in-flight pointers of a held batch.
func (s *Store) SetProgress(_ context.Context, progress crawler.BatchProgress, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[progress.BatchID]
	if !ok {
		return store.ErrNotFound
	}
	if !heldBy(batch, progress.WorkerID) {
		return store.ErrLeaseLost
	}
	batch.ProcessingTargetID = ptr(progress.TargetID)
	batch.ProcessingCategoryID = ptr(progress.CategoryID)
	batch.ProcessingDate = ptr(progress.Day)
	batch.UpdatedAt = now
	s.batches[batch.ID] = batch
	return nil
}

// CompleteBatch marks a batch completed and releases its claim.
func (s *Store) CompleteBatch(_ context.Context, batchID int64, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok || batch.ScriptStatus == crawler.ScriptCompleted {
		return nil
	}
	if workerID != "" && batch.WorkerID != nil && *batch.WorkerID != "" && *batch.WorkerID != workerID {
		return store.ErrLeaseLost
	}
	batch.ScriptStatus = crawler.ScriptCompleted
	clearClaim(&batch)
	batch.UpdatedAt = now
	s.batches[batchID] = batch
	return nil
}

func heldBy(b crawler.Batch, workerID string) bool {
	return b.ScriptStatus == crawler.ScriptProcessing && b.WorkerID != nil && *b.WorkerID == workerID
}

func clearClaim(b *crawler.Batch) {
	b.WorkerID = nil
	b.LeaseExpiresAt = nil
	b.ProcessingTargetID = nil
	b.ProcessingCategoryID = nil
	b.ProcessingDate = nil
}

func cloneBatch(b crawler.Batch) crawler.Batch {
	out := b
	out.Targets = slices.Clone(b.Targets)
	out.Categories = slices.Clone(b.Categories)
	out.ProcessingTargetID = clonePtr(b.ProcessingTargetID)
	out.ProcessingCategoryID = clonePtr(b.ProcessingCategoryID)
	out.ProcessingDate = clonePtr(b.ProcessingDate)
	out.WorkerID = clonePtr(b.WorkerID)
	out.LeaseExpiresAt = clonePtr(b.LeaseExpiresAt)
	return out
}

func ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
