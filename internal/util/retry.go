package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes an exponential backoff schedule. The delay before retry n
// (1-based) is Base * 2^(n-1), capped at Max, with up to Jitter added on top.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff is used when a zero Backoff is passed to a retry helper.
var DefaultBackoff = Backoff{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Jitter: 100 * time.Millisecond,
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter) + 1))
	}
	return d
}

// RetryPolicy bounds a retry loop. Retryable decides whether an error is worth
// another attempt; a nil Retryable retries every non-context error.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	Retryable   func(error) bool
}

// RetryWithBackoff runs fn until it succeeds, the policy's attempts are used
// up, Retryable rejects the error, or ctx is done.
//
// A context.DeadlineExceeded returned by fn while ctx itself is still alive
// comes from a per-call timeout and is retried like any other error.
func RetryWithBackoff[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	maxTries := policy.MaxAttempts
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}
		if i == maxTries-1 {
			break
		}
		if err := Sleep(ctx, policy.Backoff.Delay(i+1)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
