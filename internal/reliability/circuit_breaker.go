package reliability

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every state transition, outside the breaker lock
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker stops calling a failing dependency after FailureThreshold
// consecutive failures, and lets a limited number of probes through once
// OpenTimeout has elapsed.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	probeSuccess  int
	probesRunning int
	openedAt      time.Time

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	maxProbes        int
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many successful probes close the circuit again
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithMaxProbes sets how many calls may run concurrently while half-open
func WithMaxProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxProbes = n
	}
}

// WithName sets the circuit breaker name
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a state transition callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		maxProbes:        1,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit refuses it. Context errors returned by fn
// are not counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && ctx.Err() != nil {
		cb.release(probe)
		return err
	}
	cb.record(probe, err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probeSuccess = 0
	cb.probesRunning = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()

	if cb.state == StateOpen {
		next := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(next) {
			err := &CircuitBreakerError{Name: cb.name, State: StateOpen, Failures: cb.failures, NextProbe: next}
			cb.mu.Unlock()
			return false, err
		}
		cb.state = StateHalfOpen
		cb.probeSuccess = 0
		cb.probesRunning = 0
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		cb.mu.Lock()
	}

	if cb.state == StateHalfOpen {
		if cb.probesRunning >= cb.maxProbes {
			err := &CircuitBreakerError{Name: cb.name, State: StateHalfOpen, Failures: cb.failures}
			cb.mu.Unlock()
			return false, err
		}
		cb.probesRunning++
		cb.mu.Unlock()
		return true, nil
	}

	cb.mu.Unlock()
	return false, nil
}

func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.probesRunning > 0 {
		cb.probesRunning--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state

	if probe && cb.probesRunning > 0 {
		cb.probesRunning--
	}

	switch {
	case err != nil && cb.state == StateHalfOpen:
		cb.trip()
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case cb.state == StateHalfOpen:
		cb.probeSuccess++
		if cb.probeSuccess >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// trip must be called with the lock held
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probeSuccess = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil && from != to {
		cb.onStateChange(cb.name, from, to)
	}
}
