package retry

import (
	"context"
	"fmt"
	"time"
)

// ExhaustedError is returned by Do once the policy stops retrying.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds or policy gives up. onRetry, when non-nil,
// is told about every failed attempt that will be retried and the wait
// before the next one. Cancellation of ctx during a wait ends the loop.
func Do(
	ctx context.Context,
	policy Policy,
	fn func(ctx context.Context, attempt int) error,
	onRetry func(attempt int, err error, wait time.Duration),
) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(err, attempt) {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		wait := policy.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ExhaustedError{Attempts: attempt, Err: fmt.Errorf("%w (last error: %v)", ctx.Err(), err)}
		case <-timer.C:
		}
	}
}
