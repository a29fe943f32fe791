package xmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddleware(t *testing.T) {
	cb := RecoveryMiddleware()(func(context.Context, []byte) error {
		panic("kaboom")
	})
	err := cb(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRetryMiddleware_BoundedAttempts(t *testing.T) {
	var calls int
	cb := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(context.Context, []byte) error {
		calls++
		return errors.New("nope")
	})
	err := cb(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryMiddleware_StopsOnSuccess(t *testing.T) {
	var calls int
	cb := RetryMiddleware(RetryConfig{MaxAttempts: 5})(func(context.Context, []byte) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, cb(context.Background(), nil))
	assert.Equal(t, 2, calls)
}

func TestRetryMiddleware_SelectiveRetry(t *testing.T) {
	permanent := errors.New("permanent")
	var calls int
	cb := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, []byte) error {
		calls++
		return permanent
	})
	err := cb(context.Background(), nil)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	cb := TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	err := cb(context.Background(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutMiddleware_ZeroIsNoop(t *testing.T) {
	var called bool
	cb := TimeoutMiddleware(0)(func(context.Context, []byte) error {
		called = true
		return nil
	})
	require.NoError(t, cb(context.Background(), nil))
	assert.True(t, called)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Callback) Callback {
			return func(ctx context.Context, body []byte) error {
				order = append(order, name)
				return next(ctx, body)
			}
		}
	}
	cb := Chain(func(context.Context, []byte) error {
		order = append(order, "handler")
		return nil
	}, mw("first"), nil, mw("second"))

	require.NoError(t, cb(context.Background(), nil))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
