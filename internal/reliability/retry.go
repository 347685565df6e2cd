package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds a retried operation. The same policy is shared by the
// credential refresher, transport renegotiation and persistence flushing so
// retry behaviour stays uniform across the bridge.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter in [0,1): each sleep is scaled by a random factor in
	// [1-Jitter, 1+Jitter] to avoid synchronized retry storms.
	Jitter float64
}

// DefaultRetryPolicy matches the bounded-retry defaults used throughout the
// bridge: 3 attempts, 200ms base, 2s cap, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

// Permanent wraps an error to stop Retry immediately.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Retry runs fn up to MaxAttempts times, sleeping with exponential backoff
// and jitter between attempts. It returns the last error on exhaustion, or
// early on context cancellation or a Permanent error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := jittered(ExponentialBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay), policy.Jitter)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return lastErr
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	factor := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
