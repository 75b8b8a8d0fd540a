package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. The delivery is acked after the
// handler returns, whatever the outcome, so a failing message is never
// redelivered in a loop.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues on dedicated channels. A consumption whose channel
// is lost is resumed once the connection is back.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	resumeDelay   time.Duration
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithResumeDelay sets how long to wait between attempts to resume a lost
// consumption
func WithResumeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resumeDelay = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 1,
		resumeDelay:   time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Consumption is a running consumer on one queue
type Consumption struct {
	Queue string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	ch *amqp.Channel
}

// Done is closed when the consumption has stopped
func (cs *Consumption) Done() <-chan struct{} {
	return cs.done
}

// Stop cancels the consumer and waits for the in-progress delivery to finish
func (cs *Consumption) Stop() {
	cs.once.Do(func() {
		cs.cancel()
		cs.mu.Lock()
		if cs.ch != nil {
			_ = cs.ch.Close()
		}
		cs.mu.Unlock()
	})
	<-cs.done
}

// Consume starts consuming queue. Deliveries are handled one at a time. The
// consumption ends when ctx is done or Stop is called.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) (*Consumption, error) {
	deliveries, ch, err := c.open(queue)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cs := &Consumption{
		Queue:  queue,
		cancel: cancel,
		done:   make(chan struct{}),
		ch:     ch,
	}

	go c.run(ctx, cs, deliveries, handler)

	c.logger.Info("consuming queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return cs, nil
}

func (c *Consumer) open(queue string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

func (c *Consumer) run(ctx context.Context, cs *Consumption, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer close(cs.done)
	defer cs.cancel()

	for {
		c.drain(ctx, cs.Queue, deliveries, handler)

		if ctx.Err() != nil {
			cs.mu.Lock()
			if cs.ch != nil {
				_ = cs.ch.Close()
			}
			cs.mu.Unlock()
			return
		}

		c.logger.Warn("consumer channel lost, resuming", "queue", cs.Queue)
		var ch *amqp.Channel
		deliveries, ch = c.resume(ctx, cs.Queue)
		if deliveries == nil {
			return
		}
		cs.mu.Lock()
		cs.ch = ch
		cs.mu.Unlock()
	}
}

// drain handles deliveries until the channel closes or ctx ends
func (c *Consumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, queue, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in delivery handler", "queue", queue, "panic", r)
		}
		if err := d.Ack(false); err != nil {
			c.logger.Warn("failed to ack delivery", "queue", queue, "error", err)
		}
	}()

	if err := handler(ctx, d); err != nil {
		c.logger.Warn("delivery handler failed",
			"queue", queue,
			"messageId", d.MessageId,
			"error", err)
	}
}

func (c *Consumer) resume(ctx context.Context, queue string) (<-chan amqp.Delivery, *amqp.Channel) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(c.resumeDelay):
		}

		deliveries, ch, err := c.open(queue)
		if err == nil {
			c.logger.Info("consumer resumed", "queue", queue)
			return deliveries, ch
		}
		c.logger.Debug("resume failed", "queue", queue, "error", err)
	}
}
