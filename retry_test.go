/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retries after the reported duration", func(t *testing.T) {
		const window = 20 * time.Millisecond

		l := MustLimiter(window)
		require.NoError(t, l.Attempt(ctx)) // Drain the budget.

		var calls int
		start := time.Now()
		err := DoWithRetry(ctx, 5, Guard(l, func(ctx context.Context) error {
			calls++
			return nil
		}))
		require.NoError(t, err)
		require.Equal(t, 1, calls)
		require.GreaterOrEqual(t, time.Since(start), window/2)
	})

	t.Run("gives up after max retry attempts", func(t *testing.T) {
		var calls int
		err := DoWithRetry(ctx, 2, func(ctx context.Context) error {
			calls++
			return &RateLimitExceededError{RetryAfter: time.Millisecond}
		})

		var limitErr *RateLimitExceededError
		require.ErrorAs(t, err, &limitErr)
		require.Equal(t, 3, calls, "initial attempt plus two retries")
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		wantErr := errors.New("boom")
		var calls int
		err := DoWithRetry(ctx, 5, func(ctx context.Context) error {
			calls++
			return wantErr
		})
		require.ErrorIs(t, err, wantErr)
		require.Equal(t, 1, calls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		canceledCtx, cancel := context.WithCancel(ctx)
		cancel()

		var calls int
		err := DoWithRetry(canceledCtx, 0, func(ctx context.Context) error {
			calls++
			return &RateLimitExceededError{RetryAfter: time.Hour}
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}
