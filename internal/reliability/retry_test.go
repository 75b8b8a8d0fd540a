package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("broker down"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("broker down"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 800*time.Millisecond, eb.NextDelay(3))
		assert.Equal(t, time.Second, eb.NextDelay(8))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("custom classifier", func(t *testing.T) {
		fatal := errors.New("fatal")
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, 3)
		eb.Classify = func(err error) bool { return !errors.Is(err, fatal) }

		retry, _ := eb.ShouldRetry(0, fatal)
		assert.False(t, retry)
		retry, _ = eb.ShouldRetry(0, errors.New("transient"))
		assert.True(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(5*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(1, errors.New("x"))
	assert.True(t, retry)
	assert.Equal(t, 5*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("x"))
	assert.False(t, retry)
	assert.Equal(t, 2, fd.MaxRetries())
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("wraps last error when policy gives up", func(t *testing.T) {
		boom := errors.New("boom")
		var calls atomic.Int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			calls.Add(1)
			return boom
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("returns first error unwrapped when not retryable", func(t *testing.T) {
		fatal := RetryableError{Err: errors.New("bad request"), Retryable: false}
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			return fatal
		})

		assert.Equal(t, fatal, err)
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(ctx, nil, func() error {
			calls.Add(1)
			return errors.New("x")
		})

		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stops waiting when context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Retry(ctx, NewFixedDelay(time.Second, 10), func() error {
			return errors.New("down")
		})

		assert.Error(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: false}))
	assert.True(t, IsRetryableError(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.True(t, IsRetryableError(errors.New("connection reset")))
}
