package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with broker confirms. Every Publish waits until the
// broker acks the message, so a nil error means the broker has it.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for the broker's ack when ctx has no
// earlier deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. The pool must be in confirm mode.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) (*Publisher, error) {
	if pool == nil || !pool.confirm {
		return nil, fmt.Errorf("%w: publisher needs a confirm-mode channel pool", ErrInvalidConfiguration)
	}

	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Publish sends msg and blocks until it is confirmed
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	wrap := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return wrap(err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Put(ch)
		return wrap(err)
	}

	acked, err := confirm.WaitContext(ctx)
	p.pool.Put(ch)
	if err != nil {
		return wrap(err)
	}

	if !acked {
		p.logger.Warn("publish nacked", "exchange", exchange, "routingKey", routingKey)
		return wrap(ErrPublishNacked)
	}
	return nil
}
