package crawler

import (
	"errors"
	"fmt"
)

// ErrSessionLost signals that the rendering session was torn down externally.
// It is not retryable; the owning worker must exit.
var ErrSessionLost = errors.New("render session lost")

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("retry budget exhausted")

// TimeoutError reports that an operation kept failing until the retry policy
// gave up.
type TimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap exposes both the timeout sentinel and the last underlying error.
func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.Err}
}

// ErrNotReady reports that a page-ready condition is not met yet. Callers
// poll again under their readiness policy.
var ErrNotReady = errors.New("page not ready")
