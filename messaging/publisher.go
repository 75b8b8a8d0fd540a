package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

const (
	DefaultPushTopic      = "push-topic"
	DefaultPublishTimeout = 10 * time.Second
)

// CompletionFunc receives the outcome of a one-way send. err is nil on success.
type CompletionFunc func(ack contracts.PublishAck, err error)

// MessageOption configures a single one-way send
type MessageOption func(*messageOptions)

type messageOptions struct {
	key        string
	completion CompletionFunc
}

// WithMessageKey sets the partition key
func WithMessageKey(key string) MessageOption {
	return func(o *messageOptions) {
		o.key = key
	}
}

// WithCompletion registers a callback invoked once the publish is acknowledged or has failed
func WithCompletion(fn CompletionFunc) MessageOption {
	return func(o *messageOptions) {
		o.completion = fn
	}
}

// MessageHandle tracks one asynchronous publish
type MessageHandle struct {
	done chan struct{}
	once sync.Once
	ack  contracts.PublishAck
	err  error
}

func newMessageHandle() *MessageHandle {
	return &MessageHandle{done: make(chan struct{})}
}

func (h *MessageHandle) complete(ack contracts.PublishAck, err error, fn CompletionFunc) {
	h.once.Do(func() {
		h.ack = ack
		h.err = err
		close(h.done)
		if fn != nil {
			fn(ack, err)
		}
	})
}

// Done is closed once the publish outcome is known
func (h *MessageHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the publish outcome is known or ctx ends
func (h *MessageHandle) Wait(ctx context.Context) (contracts.PublishAck, error) {
	select {
	case <-h.done:
		return h.ack, h.err
	case <-ctx.Done():
		return contracts.PublishAck{}, ctx.Err()
	}
}

// Err returns the publish error, or nil while pending or on success
func (h *MessageHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// MessagePublisher sends one-way messages to the push topic
type MessagePublisher struct {
	publisher      TransportPublisher
	topic          string
	codec          contracts.Codec
	publishTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	metrics        MetricsCollector
	logger         *slog.Logger
	wg             sync.WaitGroup
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPushTopic sets the topic one-way messages are published to
func WithPushTopic(topic string) PublisherOption {
	return func(p *MessagePublisher) {
		p.topic = topic
	}
}

// WithPublisherCodec sets the payload codec
func WithPublisherCodec(codec contracts.Codec) PublisherOption {
	return func(p *MessagePublisher) {
		p.codec = codec
	}
}

// WithPublishTimeout bounds each publish, including retries
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *MessagePublisher) {
		p.publishTimeout = timeout
	}
}

// WithMessageRetry retries failed publishes
func WithMessageRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// WithPublisherCircuitBreaker guards publishes with a circuit breaker
func WithPublisherCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.breaker = cb
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		p.metrics = metrics
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// NewMessagePublisher creates a new one-way publisher
func NewMessagePublisher(publisher TransportPublisher, opts ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		publisher:      publisher,
		topic:          DefaultPushTopic,
		codec:          contracts.JSONCodec{},
		publishTimeout: DefaultPublishTimeout,
		retryPolicy:    reliability.NoRetry{},
		metrics:        NoOpMetricsCollector{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// SendMessage publishes request tagged with cmd without waiting for it.
// The completion callback, if any, runs exactly once on a separate goroutine,
// including when the message could not be built.
// Cancelling ctx after SendMessage returns does not abort the publish.
func (p *MessagePublisher) SendMessage(ctx context.Context, cmd contracts.Command, request any, opts ...MessageOption) *MessageHandle {
	var o messageOptions
	for _, opt := range opts {
		opt(&o)
	}

	handle := newMessageHandle()

	if cmd == "" {
		p.fail(handle, contracts.ErrInvalidCommand, o.completion)
		return handle
	}

	key := o.key
	if key == "" {
		key = uuid.New().String()
	}

	payload, err := p.codec.Marshal(request)
	if err != nil {
		p.fail(handle, err, o.completion)
		return handle
	}

	rec := contracts.NewRecord(key, payload)
	rec.SetHeader(contracts.HeaderCommand, cmd.String())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
		defer cancel()

		var ack contracts.PublishAck
		err := reliability.Retry(pubCtx, p.retryPolicy, func() error {
			start := time.Now()
			var err error
			if p.breaker != nil {
				err = p.breaker.Execute(pubCtx, func() error {
					ack, err = p.publisher.Publish(pubCtx, p.topic, rec)
					return err
				})
			} else {
				ack, err = p.publisher.Publish(pubCtx, p.topic, rec)
			}
			p.metrics.RecordPublish(p.topic, time.Since(start), err == nil)
			return err
		})

		if err != nil {
			err = &contracts.PublishError{Topic: p.topic, Key: key, Err: err, Timestamp: time.Now()}
			p.logger.Warn("message publish failed",
				"command", cmd,
				"topic", p.topic,
				"key", key,
				"error", err)
		} else {
			p.logger.Debug("message published",
				"command", cmd,
				"topic", ack.Topic,
				"partition", ack.Partition,
				"offset", ack.Offset)
		}

		p.invoke(handle, ack, err, o.completion)
	}()

	return handle
}

func (p *MessagePublisher) invoke(handle *MessageHandle, ack contracts.PublishAck, err error, fn CompletionFunc) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in completion callback", "panic", r)
		}
	}()
	handle.complete(ack, err, fn)
}

// fail completes handle with err without publishing
func (p *MessagePublisher) fail(handle *MessageHandle, err error, fn CompletionFunc) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.invoke(handle, contracts.PublishAck{}, err, fn)
	}()
}

// Flush waits until every in-progress send has completed
func (p *MessagePublisher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
