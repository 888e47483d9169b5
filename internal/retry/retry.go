// Package retry wraps transient calls with a bounded backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many times to try an operation and how long to wait
// between tries.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Retryable decides whether an error is worth another attempt.
	// A nil Retryable retries everything.
	Retryable func(error) bool
}

// DefaultPolicy is used for reflection transport calls: three attempts,
// waiting 2s after the first failure and 4s after the second.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Backoff:  Linear(2 * time.Second),
	}
}

// Linear waits step*attempt.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Constant always waits d.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. The last error is returned unwrapped; when ctx
// ends first its error is returned instead.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &attemptBackOff{fn: p.Backoff}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		if logger == nil {
			return
		}
		logger.Warn("retrying after failure",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	return backoff.RetryNotifyWithData(operation, b, notify)
}

// attemptBackOff adapts an attempt-indexed wait function to backoff.BackOff.
type attemptBackOff struct {
	fn      func(int) time.Duration
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.fn == nil {
		return 0
	}
	return b.fn(b.attempt)
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
}
