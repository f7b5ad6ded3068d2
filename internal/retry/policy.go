// Package retry runs operations with bounded, backed-off re-attempts.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Policy decides whether and when another attempt runs. Attempts are
// numbered from 1.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialPolicy implements Policy with jittered, capped exponential backoff.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponential builds an exponential policy. Non-positive values fall back
// to 3 attempts, 250ms base and 5s cap.
func NewExponential(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err, attempt, p.maxAttempts)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// FixedPolicy waits the same delay between every attempt.
type FixedPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixed builds a fixed-delay policy.
func NewFixed(maxAttempts int, delay time.Duration) *FixedPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedPolicy{maxAttempts: maxAttempts, delay: delay}
}

// ShouldRetry decides whether the error is retryable.
func (p *FixedPolicy) ShouldRetry(err error, attempt int) bool {
	return retryable(err, attempt, p.maxAttempts)
}

// Backoff returns the configured delay.
func (p *FixedPolicy) Backoff(int) time.Duration {
	return p.delay
}

func retryable(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

func randomJitter(limit time.Duration) time.Duration {
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
