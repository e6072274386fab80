package paygent

import (
	"context"
	"time"
)

const (
	// DefaultRetryAttempts is the total number of attempts, not retries
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the first backoff delay
	DefaultRetryBaseDelay = 1 * time.Second

	// MaxRetryDelay caps a single backoff sleep
	MaxRetryDelay = 10 * time.Minute

	// MaxRetryAttempts is the largest attempt count configuration accepts
	MaxRetryAttempts = 20
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy is a bounded exponential backoff: attempt n (0-based) that
// fails with a retryable error is followed by a sleep of BaseDelay * 2^n,
// except after the last attempt.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Sleep     SleepFunc
}

// DefaultRetryPolicy returns 3 attempts starting at 1s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, BaseDelay: DefaultRetryBaseDelay}
}

// Delay returns the backoff after the given 0-based attempt, capped at
// MaxRetryDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for range attempt {
		if d >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		d *= 2
	}
	return min(d, MaxRetryDelay)
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. It returns the number of attempts made and the
// last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := range attempts {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !IsRetryable(lastErr) || attempt == attempts-1 {
			return attempt + 1, lastErr
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt + 1, WrapPaymentError(KindCancelled, "cancelled during retry backoff", err)
		}
	}
	return attempts, lastErr
}
