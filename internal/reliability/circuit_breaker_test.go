package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(opts...)
	cb.now = clock.Now
	return cb
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errors.New("publish failed") })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.Error(t, fail(cb))
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(context.Background(), func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(2))

		assert.Error(t, fail(cb))
		assert.NoError(t, succeed(cb))
		assert.Error(t, fail(cb))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("probes after open timeout and closes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Second),
		)

		assert.Error(t, fail(cb))
		clock.Advance(1100 * time.Millisecond)

		assert.NoError(t, succeed(cb))
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.NoError(t, succeed(cb))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second))

		assert.Error(t, fail(cb))
		clock.Advance(2 * time.Second)
		assert.Error(t, fail(cb))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("context errors are not failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1))

		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Execute(ctx, func() error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("notifies state changes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		var mu sync.Mutex
		var transitions []string
		cb := newTestBreaker(clock,
			WithName("publish"),
			WithFailureThreshold(1),
			WithStateChange(func(name string, from, to State) {
				mu.Lock()
				transitions = append(transitions, name+":"+from.String()+"->"+to.String())
				mu.Unlock()
			}),
		)

		assert.Error(t, fail(cb))
		cb.Reset()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"publish:closed->open", "publish:open->closed"}, transitions)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
