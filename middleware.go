package xmux

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Callback processes a delivered event body. A returned error is logged and
// counted; it never reaches the broker ack path, since one logical
// subscriber must not poison redelivery for the others.
type Callback func(ctx context.Context, body []byte) error

// Middleware composes processing concerns around a Callback.
type Middleware func(next Callback) Callback

// RetryConfig controls retry behavior for callback middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a callback.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Callback) Callback {
		return func(ctx context.Context, body []byte) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, body)
				if lastErr == nil {
					return nil
				}
				// Stop if context is canceled or deadline exceeded.
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				// If we won't retry, return immediately.
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				// Sleep between attempts with optional jitter.
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						j := time.Duration(rand.Int63n(int64(cfg.Jitter)))
						wait += j
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a callback.
// When exceeded, it returns context.DeadlineExceeded.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		// No-op if duration invalid.
		return func(next Callback) Callback { return next }
	}
	return func(next Callback) Callback {
		return func(ctx context.Context, body []byte) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next(tctx, body)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware prevents panics in subscriber callbacks from crashing
// the receive loop and converts them into errors.
func RecoveryMiddleware() Middleware {
	return func(next Callback) Callback {
		return func(ctx context.Context, body []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, body)
		}
	}
}

// Chain composes middlewares around a callback in order.
func Chain(cb Callback, mws ...Middleware) Callback {
	if len(mws) == 0 {
		return cb
	}
	wrapped := cb
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
