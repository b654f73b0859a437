/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides rate limiting for outgoing HTTP requests
// in the form of a http.RoundTripper wrapper.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-ratelimit"
)

// Default parameter values for RateLimitingRoundTripper.
const (
	DefaultRateLimitingBurst       = 1
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimitingRoundTripperOpts represents an options for RateLimitingRoundTripper.
type RateLimitingRoundTripperOpts struct {
	// Burst is the maximum number of requests allowed in a burst.
	// DefaultRateLimitingBurst is used if not specified.
	Burst int

	// FailOnLimit makes RoundTrip fail immediately with ratelimit.RateLimitExceededError
	// when the request is over budget instead of waiting for a free slot.
	FailOnLimit bool

	// WaitTimeout is the maximum time to wait for a free slot.
	// DefaultRateLimitingWaitTimeout is used if not specified.
	// It has no effect when FailOnLimit is true.
	WaitTimeout time.Duration
}

// RateLimitingRoundTripper wraps an object implementing http.RoundTripper interface
// and limits the rate of outgoing HTTP requests.
type RateLimitingRoundTripper struct {
	Delegate http.RoundTripper

	limiter *ratelimit.Limiter

	Window      time.Duration
	Burst       int
	FailOnLimit bool
	WaitTimeout time.Duration
}

// NewRateLimitingRoundTripper creates a new RateLimitingRoundTripper
// that allows at most one request per window.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, window time.Duration) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, window, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts creates a new RateLimitingRoundTripper with the specified window and options.
// For options that are not presented, the default values will be used.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, window time.Duration, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultRateLimitingBurst
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = DefaultRateLimitingWaitTimeout
	}

	limiter, err := ratelimit.NewLimiterWithOpts(window, ratelimit.LimiterOpts{
		Burst:        opts.Burst,
		SleepOnLimit: !opts.FailOnLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("new rate limiter: %w", err)
	}

	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		limiter:     limiter,
		Window:      window,
		Burst:       opts.Burst,
		FailOnLimit: opts.FailOnLimit,
		WaitTimeout: opts.WaitTimeout,
	}, nil
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
// When the request is over budget, it either waits for a free slot (up to WaitTimeout,
// returning RateLimitingWaitError on timeout) or, with FailOnLimit,
// fails immediately with ratelimit.RateLimitExceededError carrying the retry-after duration.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer func() {
			_ = r.Body.Close() // Per RoundTripper contract.
		}()
	}

	ctx := r.Context()
	if !rt.FailOnLimit {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.WaitTimeout)
		defer cancel()
	}

	if err := rt.limiter.Attempt(ctx); err != nil {
		if _, ok := ratelimit.IsRateLimitExceeded(err); ok {
			return nil, err
		}
		if !errors.Is(r.Context().Err(), context.Canceled) {
			return nil, &RateLimitingWaitError{Inner: err}
		}
	}

	return rt.Delegate.RoundTrip(r)
}

// RateLimitingWaitError is returned in RoundTrip method of RateLimitingRoundTripper
// when the waiting for a free slot is timed out.
type RateLimitingWaitError struct {
	Inner error
}

func (e *RateLimitingWaitError) Error() string {
	return fmt.Sprintf("wait due to client side rate limiting: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitingWaitError) Unwrap() error {
	return e.Inner
}
