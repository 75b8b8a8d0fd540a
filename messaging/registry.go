package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-rpc/contracts"
)

const defaultShardCount = 64

// pending call states
const (
	statePending int32 = iota
	stateResolved
	stateExpired
	stateDiscarded
)

// pendingCall is one in-flight request. Only the registry mutates it.
type pendingCall struct {
	correlationID string
	createdAt     time.Time
	deadline      time.Time

	state atomic.Int32
	timer *time.Timer

	// written once by the winner of the resolve/expire race, before done is closed
	reply *Reply
	err   error
	done  chan struct{}
}

func (c *pendingCall) complete(reply *Reply, err error) {
	c.reply = reply
	c.err = err
	close(c.done)
}

type registryShard struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

// CorrelationRegistry maps correlation ids to pending calls.
//
// Entries live in independently locked shards so that calls with different ids
// do not contend. Every entry is removed by whichever of Resolve, Fail, Expire or
// Discard reaches it first; the others observe a no-op.
type CorrelationRegistry struct {
	shards   []registryShard
	mask     uint64
	inFlight atomic.Int64
	admit    *semaphore.Weighted
	maxCalls int64
	metrics  MetricsCollector
	closed   atomic.Bool
}

// RegistryOption configures the CorrelationRegistry
type RegistryOption func(*registryConfig)

type registryConfig struct {
	maxInFlight int
	shards      int
	metrics     MetricsCollector
}

// WithMaxInFlight caps the number of pending calls. Zero means unbounded.
func WithMaxInFlight(n int) RegistryOption {
	return func(c *registryConfig) {
		c.maxInFlight = n
	}
}

// WithShardCount sets the number of shards, rounded up to a power of two
func WithShardCount(n int) RegistryOption {
	return func(c *registryConfig) {
		c.shards = n
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(metrics MetricsCollector) RegistryOption {
	return func(c *registryConfig) {
		c.metrics = metrics
	}
}

// NewCorrelationRegistry creates a new correlation registry
func NewCorrelationRegistry(opts ...RegistryOption) *CorrelationRegistry {
	cfg := &registryConfig{
		maxInFlight: 10000,
		shards:      defaultShardCount,
		metrics:     NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	n := 1
	for n < cfg.shards {
		n <<= 1
	}

	r := &CorrelationRegistry{
		shards:   make([]registryShard, n),
		mask:     uint64(n - 1),
		maxCalls: int64(cfg.maxInFlight),
		metrics:  cfg.metrics,
	}
	for i := range r.shards {
		r.shards[i].calls = make(map[string]*pendingCall)
	}
	if cfg.maxInFlight > 0 {
		r.admit = semaphore.NewWeighted(int64(cfg.maxInFlight))
	}

	return r
}

func (r *CorrelationRegistry) shard(correlationID string) *registryShard {
	return &r.shards[xxhash.Sum64String(correlationID)&r.mask]
}

// Register adds a pending call that expires at deadline and returns its promise
func (r *CorrelationRegistry) Register(correlationID string, deadline time.Time) (*Promise, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation ID is required")
	}
	if r.closed.Load() {
		return nil, contracts.ErrClosed
	}

	if r.admit != nil && !r.admit.TryAcquire(1) {
		return nil, fmt.Errorf("%w: limit is %d", contracts.ErrTooManyInFlightRequests, r.maxCalls)
	}

	now := time.Now()
	call := &pendingCall{
		correlationID: correlationID,
		createdAt:     now,
		deadline:      deadline,
		done:          make(chan struct{}),
	}

	s := r.shard(correlationID)
	s.mu.Lock()
	// Close sweeps each shard under its lock after setting closed.
	if r.closed.Load() {
		s.mu.Unlock()
		r.release()
		return nil, contracts.ErrClosed
	}
	if _, exists := s.calls[correlationID]; exists {
		s.mu.Unlock()
		r.release()
		return nil, fmt.Errorf("%w: %s", contracts.ErrDuplicateCorrelationID, correlationID)
	}
	s.calls[correlationID] = call
	inFlight := r.inFlight.Add(1)
	// The timer callback takes the shard lock, so it cannot observe the entry
	// before the timer field is set.
	call.timer = time.AfterFunc(deadline.Sub(now), func() {
		r.Expire(correlationID)
	})
	s.mu.Unlock()

	r.metrics.RecordInFlight(int(inFlight))

	return &Promise{call: call, registry: r}, nil
}

// Resolve delivers a reply to the pending call. A missing entry yields an error
// matching contracts.ErrLateOrUnknownReply and changes nothing.
func (r *CorrelationRegistry) Resolve(correlationID string, reply *Reply) error {
	if !r.finish(correlationID, stateResolved, reply, nil) {
		return fmt.Errorf("%w: %s", contracts.ErrLateOrUnknownReply, correlationID)
	}
	r.metrics.RecordOutcome(OutcomeReplied)
	return nil
}

// Fail resolves the pending call with an error reported by the remote side.
// Like Resolve, a missing entry yields contracts.ErrLateOrUnknownReply.
func (r *CorrelationRegistry) Fail(correlationID string, err error) error {
	if !r.finish(correlationID, stateResolved, nil, err) {
		return fmt.Errorf("%w: %s", contracts.ErrLateOrUnknownReply, correlationID)
	}
	r.metrics.RecordOutcome(OutcomeRemoteError)
	return nil
}

// Expire times out the pending call. It reports whether this call had any effect.
func (r *CorrelationRegistry) Expire(correlationID string) bool {
	s := r.shard(correlationID)
	s.mu.Lock()
	call, ok := s.calls[correlationID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	timeoutErr := &contracts.TimeoutError{
		CorrelationID: correlationID,
		Timeout:       call.deadline.Sub(call.createdAt),
	}
	if !r.finish(correlationID, stateExpired, nil, timeoutErr) {
		return false
	}
	r.metrics.RecordOutcome(OutcomeTimeout)
	return true
}

// Discard removes a pending call whose request never left this process
func (r *CorrelationRegistry) Discard(correlationID string) bool {
	return r.finish(correlationID, stateDiscarded, nil, contracts.ErrPublishFailed)
}

// finish removes the entry and completes it if it is still pending
func (r *CorrelationRegistry) finish(correlationID string, state int32, reply *Reply, err error) bool {
	s := r.shard(correlationID)

	s.mu.Lock()
	call, ok := s.calls[correlationID]
	if !ok || !call.state.CompareAndSwap(statePending, state) {
		s.mu.Unlock()
		return false
	}
	delete(s.calls, correlationID)
	inFlight := r.inFlight.Add(-1)
	call.timer.Stop()
	s.mu.Unlock()

	call.complete(reply, err)
	r.release()
	r.metrics.RecordInFlight(int(inFlight))
	return true
}

func (r *CorrelationRegistry) release() {
	if r.admit != nil {
		r.admit.Release(1)
	}
}

// Await blocks until the promise is resolved, its deadline passes or ctx is done.
// Leaving early because of ctx does not remove the entry; it stays until its deadline.
func (r *CorrelationRegistry) Await(ctx context.Context, p *Promise) (*Reply, error) {
	select {
	case <-p.call.done:
		return p.call.reply, p.call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Contains reports whether a call is pending for the correlation id
func (r *CorrelationRegistry) Contains(correlationID string) bool {
	s := r.shard(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[correlationID]
	return ok
}

// Len returns the number of pending calls
func (r *CorrelationRegistry) Len() int {
	return int(r.inFlight.Load())
}

// Capacity returns the in-flight cap, or 0 if unbounded
func (r *CorrelationRegistry) Capacity() int {
	return int(r.maxCalls)
}

// Close fails every pending call with contracts.ErrClosed and rejects new ones
func (r *CorrelationRegistry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		ids := make([]string, 0, len(s.calls))
		for id := range s.calls {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			if r.finish(id, stateExpired, nil, contracts.ErrClosed) {
				r.metrics.RecordOutcome(OutcomeClosed)
			}
		}
	}
}
