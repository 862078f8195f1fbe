package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// NewBoundedRetryPolicy builds a policy with explicit limits. Non-positive
// values fall back to the defaults.
func NewBoundedRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	p := NewExponentialRetryPolicy()
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		p.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

// MaxAttempts returns the attempt cap, including the first attempt.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, ErrSessionLost) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait duration after the given 1-based attempt. The
// first retry waits between half and all of the base delay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// ConstantRetryPolicy polls at a fixed interval up to an attempt cap. It
// suits readiness checks where backoff only delays noticing the page.
type ConstantRetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// MaxAttempts returns the attempt cap, at least one.
func (p ConstantRetryPolicy) MaxAttempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

// ShouldRetry retries everything but session loss and cancellation.
func (p ConstantRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts() {
		return false
	}
	return !errors.Is(err, ErrSessionLost) && !errors.Is(err, context.Canceled)
}

// Backoff returns the fixed interval.
func (p ConstantRetryPolicy) Backoff(int) time.Duration {
	return p.Interval
}

// Retrier runs operations under a RetryPolicy.
type Retrier struct {
	Policy RetryPolicy
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(op string, attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt cap is hit. Hitting the cap yields a *TimeoutError. ErrSessionLost
// and context errors are returned as-is.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := r.Policy
	if policy == nil {
		policy = NewExponentialRetryPolicy()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionLost) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		if attempt >= policy.MaxAttempts() {
			return &TimeoutError{Op: op, Attempts: attempt, Err: err}
		}
		if !policy.ShouldRetry(err, attempt) {
			return fmt.Errorf("%s: %w", op, err)
		}
		wait := policy.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(op, attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry is shorthand for Retrier{Policy: policy}.Do.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	return Retrier{Policy: policy}.Do(ctx, op, fn)
}
