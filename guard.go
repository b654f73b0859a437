/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "context"

// GuardedFunc is a function that does some work and can be rate-limited.
type GuardedFunc func(ctx context.Context) error

// Guard returns a function that passes every invocation of fn through the
// limiter first. It is a composition-based replacement for decorating fn:
// the returned function admits, blocks, or fails according to the limiter
// options and invokes fn only on admission.
func Guard(l *Limiter, fn GuardedFunc) GuardedFunc {
	return func(ctx context.Context) error {
		if err := l.Attempt(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}
}

// Do performs a single rate-limited invocation of fn, returning its result
// on admission or the zero value together with the limiter error on rejection.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := l.Attempt(ctx); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}
