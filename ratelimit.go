/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides an in-process limiter for the rate of calls,
// typically outgoing API requests that are subject to a remote rate limit.
//
// A Limiter owns a budget of "burst" tokens that replenishes as time passes
// and is spent by admitted calls. Every invocation of the protected work goes
// through Attempt first, which admits the call, blocks until admission is
// possible, or rejects it with RateLimitExceededError, depending on the
// configured policy.
//
// The limiter is purely local: it shares no state across processes and keeps
// no background goroutines or timers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Clock is a source of the current time for the limiter.
// It must be safe for use from multiple goroutines and free of side effects.
type Clock func() time.Time

// DefaultBurst is a default value of the burst limit for Limiter.
const DefaultBurst = 1

// LimiterOpts represents an options for Limiter.
type LimiterOpts struct {
	// Burst is the maximum number of calls allowed in a burst
	// and the initial size of the call budget. DefaultBurst is used if not specified.
	Burst int

	// SleepOnLimit makes Attempt block the calling goroutine until the call
	// can be admitted instead of returning an error.
	SleepOnLimit bool

	// PassOnLimit makes Attempt admit over-budget calls silently (best-effort mode).
	// It has no effect when SleepOnLimit is true.
	// When neither SleepOnLimit nor PassOnLimit is set, over-budget calls
	// fail with RateLimitExceededError.
	PassOnLimit bool

	// Clock is a source of the current time. time.Now is used if not specified.
	Clock Clock
}

// Limiter enforces an upper bound on how frequently calls may be admitted.
// It may be used from multiple goroutines simultaneously.
type Limiter struct {
	window   time.Duration
	burstMax float64

	sleepOnLimit bool
	passOnLimit  bool

	clock Clock
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	burst     float64
	lastReset time.Time
}

// NewLimiter creates a new Limiter that admits at most one call per window
// and fails over-budget calls with RateLimitExceededError.
func NewLimiter(window time.Duration) (*Limiter, error) {
	return NewLimiterWithOpts(window, LimiterOpts{})
}

// MustLimiter is a version of NewLimiter that panics if an error occurs.
func MustLimiter(window time.Duration) *Limiter {
	l, err := NewLimiter(window)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLimiterWithOpts creates a new Limiter with the specified window and options.
// For options that are not presented, the default values will be used.
func NewLimiterWithOpts(window time.Duration, opts LimiterOpts) (*Limiter, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultBurst
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Limiter{
		window:       window,
		burstMax:     float64(opts.Burst),
		sleepOnLimit: opts.SleepOnLimit,
		passOnLimit:  opts.PassOnLimit,
		clock:        opts.Clock,
		sleep:        sleepWithContext,
		burst:        float64(opts.Burst),
		lastReset:    opts.Clock().Add(-window),
	}, nil
}

// MustLimiterWithOpts is a version of NewLimiterWithOpts that panics if an error occurs.
func MustLimiterWithOpts(window time.Duration, opts LimiterOpts) *Limiter {
	l, err := NewLimiterWithOpts(window, opts)
	if err != nil {
		panic(err)
	}
	return l
}

// Attempt decides whether one more call may be made now and spends one token
// from the call budget on admission. It must be called before each invocation
// of the protected work.
//
// When the budget is exhausted and the window has not elapsed yet, the outcome
// depends on the limiter options: with SleepOnLimit the calling goroutine is
// blocked until admission becomes possible (or ctx is done, in which case the
// context error is returned unmodified); with PassOnLimit the call is admitted
// anyway; otherwise RateLimitExceededError carrying the remaining wait time
// is returned.
//
// The internal lock is never held while caller code runs, so the protected
// work may call Attempt on the same limiter without deadlocking.
func (l *Limiter) Attempt(ctx context.Context) error {
	for {
		l.mu.Lock()
		elapsed := l.clock().Sub(l.lastReset)
		periodRemaining := l.window - elapsed

		// Replenish the budget proportionally to the elapsed time. The refill rate
		// is fixed at one call per window regardless of the burst limit; this
		// mirrors the accounting of the original library this limiter was ported
		// from and is kept as the compatibility contract (a classic token bucket
		// would refill at burst/window instead).
		l.burst += float64(elapsed) / float64(l.window)
		if l.burst > l.burstMax {
			l.burst = l.burstMax
		}

		if periodRemaining > 0 && math.Floor(l.burst) == 0 {
			if l.sleepOnLimit {
				l.mu.Unlock()
				if err := l.sleep(ctx, periodRemaining); err != nil {
					return err
				}
				continue // Time has passed, the whole decision is re-evaluated.
			}
			if !l.passOnLimit {
				l.mu.Unlock()
				return &RateLimitExceededError{RetryAfter: periodRemaining}
			}
		}

		if l.burst >= 1 {
			l.burst--
		} else {
			l.burst = 0
		}
		l.lastReset = l.clock()
		l.mu.Unlock()
		return nil
	}
}

// Window returns the length of the rate window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Burst returns the maximum number of calls allowed in a burst.
func (l *Limiter) Burst() int {
	return int(l.burstMax)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimitExceededError is returned by Attempt when the call budget
// is exhausted and the limiter is configured to fail instead of blocking.
type RateLimitExceededError struct {
	// RetryAfter is the time remaining until the next call may be admitted.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// IsRateLimitExceeded reports whether err (or any error it wraps) is a limiter
// rejection and returns the carried retry-after duration if so.
func IsRateLimitExceeded(err error) (retryAfter time.Duration, ok bool) {
	var limitErr *RateLimitExceededError
	if errors.As(err, &limitErr) {
		return limitErr.RetryAfter, true
	}
	return 0, false
}
