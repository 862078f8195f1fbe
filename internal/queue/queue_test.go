package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func newBatchQueue(t *testing.T) (*BatchQueue, *memory.Store, *fakeClock) {
	t.Helper()
	repo := memory.NewStore()
	clock := newFakeClock()
	return NewBatchQueue(repo, clock, time.Minute, nil), repo, clock
}

func TestBatchQueueCreateValidates(t *testing.T) {
	t.Parallel()

	q, _, _ := newBatchQueue(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		batch crawler.Batch
	}{
		{"missing window", crawler.Batch{Targets: []int64{1}, Categories: []int64{1}}},
		{"reversed window", crawler.Batch{StartTime: day(3), EndTime: day(1), Targets: []int64{1}, Categories: []int64{1}}},
		{"empty window", crawler.Batch{StartTime: day(1), EndTime: day(1), Targets: []int64{1}, Categories: []int64{1}}},
		{"no targets", crawler.Batch{StartTime: day(1), EndTime: day(3), Categories: []int64{1}}},
		{"no categories", crawler.Batch{StartTime: day(1), EndTime: day(3), Targets: []int64{1}}},
		{"bad status", crawler.Batch{
			StartTime: day(1), EndTime: day(3), Targets: []int64{1}, Categories: []int64{1}, Status: "paused",
		}},
	}
	for _, tc := range cases {
		_, err := q.Create(ctx, tc.batch)
		require.ErrorIs(t, err, ErrInvalidBatch, tc.name)
	}

	created, err := q.Create(ctx, crawler.Batch{
		StartTime:  day(1),
		EndTime:    day(3),
		Targets:    []int64{2, 1},
		Categories: []int64{7},
	})
	require.NoError(t, err)
	require.Equal(t, crawler.LifecycleActive, created.Status)
	require.Equal(t, crawler.ScriptPending, created.ScriptStatus)
	require.Equal(t, []int64{2, 1}, created.Targets)
}

func TestBatchQueueClaimRenewComplete(t *testing.T) {
	t.Parallel()

	q, _, clock := newBatchQueue(t)
	ctx := context.Background()

	batch, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, batch)

	created, err := q.Create(ctx, crawler.Batch{
		StartTime: day(1), EndTime: day(3), Targets: []int64{1}, Categories: []int64{1},
	})
	require.NoError(t, err)

	batch, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, created.ID, batch.ID)
	require.Equal(t, crawler.ScriptProcessing, batch.ScriptStatus)
	require.Equal(t, "w1", *batch.WorkerID)
	require.Equal(t, clock.Now().Add(time.Minute), *batch.LeaseExpiresAt)

	other, err := q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, other, "a live lease is not handed to another worker")

	clock.Advance(30 * time.Second)
	require.NoError(t, q.RenewLease(ctx, batch.ID, "w1"))

	clock.Advance(45 * time.Second)
	other, err = q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, other, "renewed lease is still live")

	require.NoError(t, q.ReportProgress(ctx, crawler.BatchProgress{
		BatchID: batch.ID, WorkerID: "w1", TargetID: 1, CategoryID: 1, Day: day(1),
	}))
	got, err := q.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), *got.ProcessingTargetID)

	require.NoError(t, q.Complete(ctx, batch.ID, "w1"))
	require.NoError(t, q.Complete(ctx, batch.ID, "w1"), "double completion is a no-op")
	require.NoError(t, q.Complete(ctx, 999, "w1"), "unknown batch is a no-op")

	got, err = q.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ScriptCompleted, got.ScriptStatus)
	require.Nil(t, got.WorkerID)
	require.Nil(t, got.LeaseExpiresAt)
	require.Nil(t, got.ProcessingTargetID)
}

func TestBatchQueueExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	q, _, clock := newBatchQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, crawler.Batch{
		StartTime: day(1), EndTime: day(2), Targets: []int64{1}, Categories: []int64{1},
	})
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(2 * time.Minute)
	second, err := q.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "w2", *second.WorkerID)

	require.ErrorIs(t, q.RenewLease(ctx, first.ID, "w1"), store.ErrLeaseLost)
	require.ErrorIs(t, q.Complete(ctx, first.ID, "w1"), store.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, second.ID, "w2"))
}

func TestBatchQueueUpdate(t *testing.T) {
	t.Parallel()

	q, _, _ := newBatchQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, crawler.Batch{
		StartTime: day(1), EndTime: day(3), Targets: []int64{1}, Categories: []int64{1},
	})
	require.NoError(t, err)

	bad := crawler.ScriptStatus("running")
	_, err = q.Update(ctx, created.ID, crawler.BatchUpdate{ScriptStatus: &bad})
	require.ErrorIs(t, err, ErrInvalidBatch)

	end := day(1)
	_, err = q.Update(ctx, created.ID, crawler.BatchUpdate{EndTime: &end})
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = q.Update(ctx, created.ID, crawler.BatchUpdate{Targets: []int64{}})
	require.ErrorIs(t, err, ErrInvalidBatch)

	inactive := crawler.LifecycleInactive
	updated, err := q.Update(ctx, created.ID, crawler.BatchUpdate{Status: &inactive, Categories: []int64{4, 3}})
	require.NoError(t, err)
	require.Equal(t, crawler.LifecycleInactive, updated.Status)
	require.Equal(t, []int64{4, 3}, updated.Categories)

	claimed, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, claimed, "inactive batches are not claimable")

	completed := crawler.ScriptCompleted
	_, err = q.Update(ctx, created.ID, crawler.BatchUpdate{ScriptStatus: &completed})
	require.NoError(t, err)
	pending := crawler.ScriptPending
	_, err = q.Update(ctx, created.ID, crawler.BatchUpdate{ScriptStatus: &pending})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = q.Update(ctx, 404, crawler.BatchUpdate{Status: &inactive})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchQueueDeleteRefusesInFlight(t *testing.T) {
	t.Parallel()

	q, _, _ := newBatchQueue(t)
	ctx := context.Background()

	created, err := q.Create(ctx, crawler.Batch{
		StartTime: day(1), EndTime: day(3), Targets: []int64{1}, Categories: []int64{1},
	})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.ErrorIs(t, q.Delete(ctx, created.ID), store.ErrInvalidTransition)
	require.NoError(t, q.Complete(ctx, created.ID, "w1"))
	require.NoError(t, q.Delete(ctx, created.ID))
	require.ErrorIs(t, q.Delete(ctx, created.ID), store.ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestRecordQueueInsertDedups(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	q := NewRecordQueue(repo, newFakeClock(), nil)
	ctx := context.Background()
	target := crawler.Target{ID: 1, Name: "T1", URL: "https://t1.example/"}
	stub := crawler.Stub{Link: "/p1/p2", County: "Adams"}

	first, err := q.InsertCandidate(ctx, stub, target, 10, 5)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	require.NotZero(t, first.ID)

	second, err := q.InsertCandidate(ctx, stub, target, 11, 5)
	require.NoError(t, err)
	require.True(t, second.Skipped)

	record, _, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "https://t1.example/p1/p2", record.SourceLink)
	require.Equal(t, []int64{10, 11}, record.CategoryIDs)
	require.NotNil(t, record.CountyID)

	_, err = q.Insert(ctx, crawler.Candidate{SourceLink: "  ", TargetID: 1, CategoryID: 1, BatchID: 1})
	require.ErrorIs(t, err, ErrInvalidCandidate)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordQueuePendingNeverReturnsCompleted(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	q := NewRecordQueue(repo, newFakeClock(), nil)
	ctx := context.Background()
	target := crawler.Target{ID: 1, URL: "https://t1.example"}

	var ids []int64
	for _, link := range []string{"/a/1", "/b/2", "/c/3"} {
		res, err := q.InsertCandidate(ctx, crawler.Stub{Link: link}, target, 1, 1)
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	arrest := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, q.Complete(ctx, ids[1], crawler.Enrichment{
		Name:           " Jane Doe ",
		ArrestDatetime: &arrest,
		Agency:         "Sheriff",
		Charges:        []crawler.Charge{{Title: "Failure to Appear"}},
		DerivedFlag:    true,
	}))

	pending, err := q.NextPending(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, ids[0], pending[0].ID)
	require.Equal(t, ids[2], pending[1].ID)
	for _, r := range pending {
		require.Equal(t, crawler.RecordPending, r.Status)
	}

	pending, err = q.NextPending(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = q.NextPending(ctx, ids[0], 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ids[2], pending[0].ID)

	require.NoError(t, q.Complete(ctx, ids[1], crawler.Enrichment{
		Name:    "Someone Else",
		Charges: []crawler.Charge{{Title: "Trespass"}, {Title: "Loitering"}},
	}))

	record, charges, err := q.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, crawler.RecordCompleted, record.Status)
	require.Equal(t, "Jane Doe", *record.Name)
	require.True(t, record.DerivedFlag)
	require.Len(t, charges, 1)

	require.ErrorIs(t, q.Complete(ctx, 999, crawler.Enrichment{}), store.ErrNotFound)
}

func TestRecordQueueEmptyEnrichmentCompletes(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore()
	q := NewRecordQueue(repo, newFakeClock(), nil)
	ctx := context.Background()

	res, err := q.Insert(ctx, crawler.Candidate{SourceLink: "https://t1.example/x/y", TargetID: 1, CategoryID: 1, BatchID: 1})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, res.ID, crawler.Enrichment{}))

	record, charges, err := q.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.RecordCompleted, record.Status)
	require.Nil(t, record.Name)
	require.Empty(t, charges)
}
