package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/clock/system"
	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/queue"
	"github.com/JakeFAU/arrest-records-crawler/internal/storage/memory"
	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return loc
}

func newScheduler(t *testing.T, repo *memory.Store, now time.Time, loc *time.Location) *Scheduler {
	t.Helper()
	clock := system.NewManual(now)
	s, err := New(repo, queue.NewBatchQueue(repo, clock, time.Minute, nil), clock,
		Config{Location: loc, ReloadInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	return s
}

func TestPreviousDay(t *testing.T) {
	t.Parallel()

	loc := chicago(t)
	// 03:00 UTC on Jan 5 is still Jan 4 in Chicago.
	start, end := PreviousDay(time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC), loc)
	require.True(t, start.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, loc)), start)
	require.True(t, end.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, loc)), end)

	// Spring forward: the previous day is 23 hours long.
	start, end = PreviousDay(time.Date(2024, 3, 11, 15, 0, 0, 0, loc), loc)
	require.Equal(t, 23*time.Hour, end.Sub(start))
}

func TestCreateDailyBatchUsesActiveReferenceData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	t1, err := repo.CreateTarget(ctx, crawler.Target{Name: "T1", URL: "https://t1.example", Status: crawler.StatusActive})
	require.NoError(t, err)
	_, err = repo.CreateTarget(ctx, crawler.Target{Name: "T2", URL: "https://t2.example", Status: crawler.StatusDisabled})
	require.NoError(t, err)
	c1, err := repo.CreateCategory(ctx, crawler.Category{Name: "C1", Status: crawler.StatusActive})
	require.NoError(t, err)
	_, err = repo.CreateCategory(ctx, crawler.Category{Name: "C2", Status: crawler.StatusDisabled})
	require.NoError(t, err)

	s := newScheduler(t, repo, time.Date(2024, 1, 5, 16, 30, 0, 0, time.UTC), time.UTC)
	batch, err := s.CreateDailyBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{t1.ID}, batch.Targets)
	require.Equal(t, []int64{c1.ID}, batch.Categories)
	require.True(t, batch.StartTime.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)))
	require.True(t, batch.EndTime.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, crawler.ScriptPending, batch.ScriptStatus)
}

func TestCreateDailyBatchNeedsReferenceData(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, memory.NewStore(), time.Now(), time.UTC)
	_, err := s.CreateDailyBatch(context.Background())
	require.ErrorIs(t, err, ErrNothingToSchedule)
}

func TestReloadInstallsStoredSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	s := newScheduler(t, repo, time.Now(), time.UTC)

	require.NoError(t, s.Reload(ctx))
	require.Equal(t, store.DefaultSchedule, s.Spec())
	require.Len(t, s.cron.Entries(), 1)

	require.NoError(t, repo.PutSetting(ctx, store.SettingSchedule, "0 6 * * *"))
	require.NoError(t, s.Reload(ctx))
	require.Equal(t, "0 6 * * *", s.Spec())
	require.Len(t, s.cron.Entries(), 1)
}

func TestReloadKeepsScheduleOnInvalidExpression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	s := newScheduler(t, repo, time.Now(), time.UTC)
	require.NoError(t, s.Reload(ctx))

	require.NoError(t, repo.PutSetting(ctx, store.SettingSchedule, "not a cron"))
	require.Error(t, s.Reload(ctx))
	require.Equal(t, store.DefaultSchedule, s.Spec())
	require.Len(t, s.cron.Entries(), 1)
}

type failingSettings struct {
	*memory.Store
}

func (failingSettings) GetSetting(context.Context, string) (string, error) {
	return "", errors.New("db down")
}

func TestReloadReportsSettingsErrors(t *testing.T) {
	t.Parallel()

	clock := system.NewManual(time.Now())
	repo := memory.NewStore()
	s, err := New(failingSettings{repo}, queue.NewBatchQueue(repo, clock, time.Minute, nil), clock, Config{}, nil)
	require.NoError(t, err)
	require.Error(t, s.Reload(context.Background()))
	require.Empty(t, s.Spec())
}

func TestRunPicksUpScheduleChanges(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	repo := memory.NewStore()
	s := newScheduler(t, repo, time.Now(), time.UTC)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Spec() == store.DefaultSchedule }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, repo.PutSetting(context.Background(), store.SettingSchedule, "15 4 * * *"))
	require.Eventually(t, func() bool { return s.Spec() == "15 4 * * *" }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestFireCreatesBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewStore()
	_, err := repo.CreateTarget(ctx, crawler.Target{Name: "T1", URL: "https://t1.example", Status: crawler.StatusActive})
	require.NoError(t, err)
	_, err = repo.CreateCategory(ctx, crawler.Category{Name: "C1", Status: crawler.StatusActive})
	require.NoError(t, err)

	s := newScheduler(t, repo, time.Date(2024, 1, 5, 16, 30, 0, 0, time.UTC), time.UTC)
	s.fire()

	batches, total, err := repo.ListBatches(ctx, store.BatchFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, batches, 1)
}
