package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// ChannelPool hands out AMQP channels on the managed connection. At most
// maxSize channels are checked out at once; idle ones are reused.
type ChannelPool struct {
	manager *ConnectionManager
	maxSize int
	confirm bool
	permits *semaphore.Weighted

	mu     sync.Mutex
	idle   []*amqp.Channel
	open   int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum number of channels in use at once
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithConfirmMode puts every channel of the pool into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: nil connection manager", ErrInvalidConfiguration)
	}

	cp := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}
	for _, opt := range options {
		opt(cp)
	}

	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}
	cp.permits = semaphore.NewWeighted(int64(cp.maxSize))

	return cp, nil
}

// Get checks out a channel, waiting for a free slot if the pool is at capacity
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	if err := cp.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	ch, err := cp.take()
	if err != nil {
		cp.permits.Release(1)
		return nil, err
	}
	return ch, nil
}

func (cp *ChannelPool) take() (*amqp.Channel, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, ErrChannelPoolClosed
	}

	for len(cp.idle) > 0 {
		ch := cp.idle[len(cp.idle)-1]
		cp.idle = cp.idle[:len(cp.idle)-1]
		if !ch.IsClosed() {
			return ch, nil
		}
		cp.open--
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
	}
	cp.open++

	return ch, nil
}

// Put returns a channel to the pool. Closed channels are discarded.
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	defer cp.permits.Release(1)

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.IsClosed() {
		cp.open--
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return
	}
	cp.idle = append(cp.idle, ch)
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes idle channels. Checked-out channels are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for _, ch := range cp.idle {
		_ = ch.Close()
		cp.open--
	}
	cp.idle = nil
	return nil
}
