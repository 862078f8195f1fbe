package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var waits []int
	r := Retrier{
		Policy: NewBoundedRetryPolicy(5, time.Millisecond, 10*time.Millisecond),
		Sleep:  noSleep,
		OnRetry: func(_ string, attempt int, _ error, _ time.Duration) {
			waits = append(waits, attempt)
		},
	}
	err := r.Do(context.Background(), "navigate", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, waits)
}

func TestRetrierExhaustionReturnsTimeoutError(t *testing.T) {
	t.Parallel()

	cause := errors.New("page never ready")
	calls := 0
	r := Retrier{Policy: NewBoundedRetryPolicy(4, time.Millisecond, time.Millisecond), Sleep: noSleep}
	err := r.Do(context.Background(), "wait ready", func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	require.Equal(t, 4, calls)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, cause)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "wait ready", timeoutErr.Op)
	require.Equal(t, 4, timeoutErr.Attempts)
}

func TestRetrierSessionLostIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	r := Retrier{Policy: NewBoundedRetryPolicy(10, time.Millisecond, time.Millisecond), Sleep: noSleep}
	err := r.Do(context.Background(), "navigate", func(context.Context) error {
		calls++
		return fmt.Errorf("chromedp run: %w", ErrSessionLost)
	})
	require.ErrorIs(t, err, ErrSessionLost)
	require.NotErrorIs(t, err, ErrTimeout)
	require.Equal(t, 1, calls)
}

func TestRetrierStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := Retrier{Policy: NewBoundedRetryPolicy(10, time.Millisecond, time.Millisecond), Sleep: noSleep}
	err := r.Do(ctx, "navigate", func(context.Context) error {
		calls++
		cancel()
		return errors.New("aborted")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestExponentialBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := NewBoundedRetryPolicy(10, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 1; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestExponentialBackoffStartsAtBaseDelay(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	p := NewBoundedRetryPolicy(5, base, 10*time.Second)
	for range 20 {
		first := p.Backoff(1)
		require.GreaterOrEqual(t, first, base/2)
		require.Less(t, first, base)

		second := p.Backoff(2)
		require.GreaterOrEqual(t, second, base)
		require.Less(t, second, 2*base)
	}
}

func TestBoundedPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewBoundedRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.True(t, p.ShouldRetry(errors.New("x"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestConstantPolicy(t *testing.T) {
	t.Parallel()

	p := ConstantRetryPolicy{Attempts: 3, Interval: 2 * time.Second}
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(7))
	require.True(t, p.ShouldRetry(ErrNotReady, 2))
	require.False(t, p.ShouldRetry(ErrNotReady, 3))
	require.False(t, p.ShouldRetry(ErrSessionLost, 1))
	require.Equal(t, 1, ConstantRetryPolicy{}.MaxAttempts())

	calls := 0
	err := Retrier{Policy: p, Sleep: noSleep}.Do(context.Background(), "wait ready", func(context.Context) error {
		calls++
		return ErrNotReady
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, 3, calls)
}

func TestBatchClaimable(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	other := "W-other"
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	base := Batch{Status: LifecycleActive, ScriptStatus: ScriptPending}
	require.True(t, base.Claimable("W1", now))

	held := base
	held.ScriptStatus = ScriptProcessing
	held.WorkerID = &other
	held.LeaseExpiresAt = &future
	require.False(t, held.Claimable("W1", now))
	require.True(t, held.Claimable(other, now))

	expired := held
	expired.LeaseExpiresAt = &past
	require.True(t, expired.Claimable("W1", now))

	inactive := base
	inactive.Status = LifecycleInactive
	require.False(t, inactive.Claimable("W1", now))

	done := base
	done.ScriptStatus = ScriptCompleted
	require.False(t, done.Claimable("W1", now))
}

func TestBatchPairsFollowDeclaredOrder(t *testing.T) {
	t.Parallel()

	b := Batch{Targets: []int64{3, 1}, Categories: []int64{9, 7}}
	require.Equal(t, []Pair{
		{TargetID: 3, CategoryID: 9},
		{TargetID: 3, CategoryID: 7},
		{TargetID: 1, CategoryID: 9},
		{TargetID: 1, CategoryID: 7},
	}, b.Pairs())
}
