// Package retry wraps cenkalti/backoff/v5 with the exponential retry policy
// spec.md §4.10 mandates for transient storage errors: base 100ms, cap 2s,
// at most 5 attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	baseInterval = 100 * time.Millisecond
	maxInterval  = 2 * time.Second
	maxAttempts  = 5
)

// Policy returns the RetryOptions for the standard storage retry policy.
func Policy() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.MaxInterval = maxInterval

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
	}
}

// Do runs operation under the standard storage retry policy, retrying on any
// error it returns. A *backoff.PermanentError wrapping an error stops
// retries immediately; use Permanent to mark non-transient failures.
func Do[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return backoff.Retry(ctx, operation, Policy()...)
}

// Permanent marks err as non-retryable: Do will return it on first
// occurrence rather than exhausting the retry budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
