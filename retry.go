/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DoWithRetry executes fn and retries it while it fails with
// RateLimitExceededError, waiting the duration carried in the error between
// attempts. Any other error stops the retries immediately and is returned
// as is. maxRetryAttempts limits the number of retries (not counting the
// initial attempt); zero or negative value means retrying until ctx is done.
func DoWithRetry(ctx context.Context, maxRetryAttempts int, fn GuardedFunc) error {
	rb := &retryAfterBackOff{fallback: backoff.NewExponentialBackOff()}
	var b backoff.BackOff = rb
	if maxRetryAttempts > 0 {
		b = backoff.WithMaxRetries(rb, uint64(maxRetryAttempts))
	}
	bctx := backoff.WithContext(b, ctx)

	var op backoff.Operation = func() error {
		err := fn(bctx.Context())
		if err == nil {
			return nil
		}
		var limitErr *RateLimitExceededError
		if !errors.As(err, &limitErr) {
			return backoff.Permanent(err)
		}
		rb.setNext(limitErr.RetryAfter)
		return err
	}
	return backoff.RetryNotify(op, bctx, nil)
}

// retryAfterBackOff delays the next retry by the duration reported in the last
// limiter rejection, falling back to the wrapped policy when no hint was set.
type retryAfterBackOff struct {
	fallback backoff.BackOff
	next     time.Duration
	hasNext  bool
}

func (b *retryAfterBackOff) setNext(d time.Duration) {
	b.next = d
	b.hasNext = true
}

// NextBackOff implements backoff.BackOff.
func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.hasNext {
		b.hasNext = false
		return b.next
	}
	return b.fallback.NextBackOff()
}

// Reset implements backoff.BackOff.
func (b *retryAfterBackOff) Reset() {
	b.fallback.Reset()
}
