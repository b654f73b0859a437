/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source, safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewLimiterWithOpts(t *testing.T) {
	tests := []struct {
		Name       string
		Window     time.Duration
		Opts       LimiterOpts
		WantErrMsg string
	}{
		{
			Name:       "window is negative",
			Window:     -time.Second,
			WantErrMsg: "window must be positive",
		},
		{
			Name:       "window is zero",
			Window:     0,
			WantErrMsg: "window must be positive",
		},
		{
			Name:       "burst is negative",
			Window:     time.Second,
			Opts:       LimiterOpts{Burst: -1},
			WantErrMsg: "burst must be positive",
		},
	}
	for i := range tests {
		tt := tests[i]
		t.Run(tt.Name, func(t *testing.T) {
			_, err := NewLimiterWithOpts(tt.Window, tt.Opts)
			require.EqualError(t, err, tt.WantErrMsg)
		})
	}

	t.Run("defaults are applied", func(t *testing.T) {
		l, err := NewLimiterWithOpts(time.Minute, LimiterOpts{})
		require.NoError(t, err)
		require.Equal(t, time.Minute, l.Window())
		require.Equal(t, DefaultBurst, l.Burst())
	})
}

func TestLimiterAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("first call is admitted", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now})
		require.NoError(t, l.Attempt(ctx))
	})

	t.Run("over-budget call fails with retry-after", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now})
		require.NoError(t, l.Attempt(ctx))

		err := l.Attempt(ctx)
		retryAfter, ok := IsRateLimitExceeded(err)
		require.True(t, ok)
		require.Equal(t, time.Second, retryAfter)
		require.EqualError(t, err, "rate limit exceeded, retry after 1s")
	})

	t.Run("calls spaced a full window apart are always admitted", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now})
		for i := 0; i < 10; i++ {
			require.NoError(t, l.Attempt(ctx), "call #%d", i+1)
			clock.Advance(time.Second)
		}
	})

	t.Run("over-budget call is admitted in pass mode", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now, PassOnLimit: true})
		require.NoError(t, l.Attempt(ctx))
		require.NoError(t, l.Attempt(ctx))
	})

	t.Run("budget saturates at the burst limit", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now, Burst: 2})

		// No matter how much time passes, only 2 calls may be made in a burst.
		clock.Advance(time.Hour)
		require.NoError(t, l.Attempt(ctx))
		require.NoError(t, l.Attempt(ctx))

		err := l.Attempt(ctx)
		_, ok := IsRateLimitExceeded(err)
		require.True(t, ok)
	})

	t.Run("budget replenishes one call per window", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now, Burst: 3})

		for i := 0; i < 3; i++ {
			require.NoError(t, l.Attempt(ctx))
		}
		_, ok := IsRateLimitExceeded(l.Attempt(ctx))
		require.True(t, ok)

		// Half a window is not enough for a whole token.
		clock.Advance(500 * time.Millisecond)
		_, ok = IsRateLimitExceeded(l.Attempt(ctx))
		require.True(t, ok)

		clock.Advance(500 * time.Millisecond)
		require.NoError(t, l.Attempt(ctx))
	})
}

func TestLimiterAttemptSleepOnLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("over-budget call blocks until admission", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now, SleepOnLimit: true})

		var slept []time.Duration
		l.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			clock.Advance(d)
			return nil
		}

		require.NoError(t, l.Attempt(ctx))
		require.NoError(t, l.Attempt(ctx))
		require.Equal(t, []time.Duration{time.Second}, slept)
	})

	t.Run("blocked call is interrupted by context cancellation", func(t *testing.T) {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Hour, LimiterOpts{Clock: clock.Now, SleepOnLimit: true})
		require.NoError(t, l.Attempt(ctx))

		canceledCtx, cancel := context.WithCancel(ctx)
		cancel()
		require.ErrorIs(t, l.Attempt(canceledCtx), context.Canceled)
	})

	t.Run("real time blocking", func(t *testing.T) {
		const window = 100 * time.Millisecond

		l := MustLimiterWithOpts(window, LimiterOpts{SleepOnLimit: true})
		require.NoError(t, l.Attempt(ctx))

		start := time.Now()
		require.NoError(t, l.Attempt(ctx))
		require.GreaterOrEqual(t, time.Since(start), window/2)
	})
}

func TestLimiterAttemptConcurrency(t *testing.T) {
	const goroutinesNum = 50

	clock := newTestClock()
	l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now})

	var mu sync.Mutex
	var admitted, rejected int

	var wg sync.WaitGroup
	wg.Add(goroutinesNum)
	for i := 0; i < goroutinesNum; i++ {
		go func() {
			defer wg.Done()
			err := l.Attempt(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			if _, ok := IsRateLimitExceeded(err); ok {
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, admitted, "exactly one goroutine should be admitted with the frozen clock")
	require.Equal(t, goroutinesNum-1, rejected)
}

func TestLimiterDeterminism(t *testing.T) {
	steps := []time.Duration{
		0, 0, 500 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond, 2 * time.Second, 0, 0,
	}

	decisions := func() []bool {
		clock := newTestClock()
		l := MustLimiterWithOpts(time.Second, LimiterOpts{Clock: clock.Now, Burst: 2})
		res := make([]bool, 0, len(steps))
		for _, step := range steps {
			clock.Advance(step)
			res = append(res, l.Attempt(context.Background()) == nil)
		}
		return res
	}

	require.Equal(t, decisions(), decisions(),
		"identical configuration and clock sequence should yield identical decisions")
}
