package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

const (
	DefaultRequestTopic   = "request-topic"
	DefaultRequestTimeout = 30 * time.Second
)

// RequestOption configures a single request
type RequestOption func(*requestOptions)

type requestOptions struct {
	key     string
	timeout time.Duration
}

// WithKey sets the partition key. Requests without a key get a random one.
func WithKey(key string) RequestOption {
	return func(o *requestOptions) {
		o.key = key
	}
}

// WithTimeout sets how long to wait for the reply
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithTimeoutSeconds sets the reply timeout in whole seconds
func WithTimeoutSeconds(seconds int) RequestOption {
	return WithTimeout(time.Duration(seconds) * time.Second)
}

// RequestReplyClient sends requests to the request topic and hands out promises
// that the ReplyDispatcher resolves.
type RequestReplyClient struct {
	publisher      TransportPublisher
	registry       *CorrelationRegistry
	replyTopic     string
	requestTopic   string
	codec          contracts.Codec
	defaultTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	metrics        MetricsCollector
	logger         *slog.Logger
}

// ClientOption configures the RequestReplyClient
type ClientOption func(*RequestReplyClient)

// WithRequestTopic sets the topic requests are published to
func WithRequestTopic(topic string) ClientOption {
	return func(c *RequestReplyClient) {
		c.requestTopic = topic
	}
}

// WithClientCodec sets the request codec and the codec replies are decoded with
func WithClientCodec(codec contracts.Codec) ClientOption {
	return func(c *RequestReplyClient) {
		c.codec = codec
	}
}

// WithDefaultTimeout sets the timeout used when a request has none
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(c *RequestReplyClient) {
		c.defaultTimeout = timeout
	}
}

// WithPublishRetry retries failed publishes within the call deadline
func WithPublishRetry(policy reliability.RetryPolicy) ClientOption {
	return func(c *RequestReplyClient) {
		c.retryPolicy = policy
	}
}

// WithCircuitBreaker guards publishes with a circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ClientOption {
	return func(c *RequestReplyClient) {
		c.breaker = cb
	}
}

// WithClientMetrics sets the metrics collector
func WithClientMetrics(metrics MetricsCollector) ClientOption {
	return func(c *RequestReplyClient) {
		c.metrics = metrics
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *RequestReplyClient) {
		c.logger = logger
	}
}

// NewRequestReplyClient creates a client that asks for replies on replyTopic.
// The same registry must be handed to the ReplyDispatcher consuming replyTopic.
func NewRequestReplyClient(publisher TransportPublisher, registry *CorrelationRegistry, replyTopic string, opts ...ClientOption) *RequestReplyClient {
	c := &RequestReplyClient{
		publisher:      publisher,
		registry:       registry,
		replyTopic:     replyTopic,
		requestTopic:   DefaultRequestTopic,
		codec:          contracts.JSONCodec{},
		defaultTimeout: DefaultRequestTimeout,
		retryPolicy:    reliability.NoRetry{},
		metrics:        NoOpMetricsCollector{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ReplyTopic returns the topic replies are requested on
func (c *RequestReplyClient) ReplyTopic() string {
	return c.replyTopic
}

// SendPromiseQuery publishes request tagged with cmd and returns a promise for the reply.
//
// Validation, encoding, admission and publish failures are returned here and no
// call stays pending. Once a promise is returned it yields exactly one outcome:
// the reply, a remote error or a timeout.
func (c *RequestReplyClient) SendPromiseQuery(ctx context.Context, cmd contracts.Command, request any, opts ...RequestOption) (*Promise, error) {
	o := requestOptions{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if cmd == "" {
		return nil, contracts.ErrInvalidCommand
	}
	if o.timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidTimeout, o.timeout)
	}

	payload, err := c.codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", cmd, err)
	}

	correlationID := uuid.New().String()
	key := o.key
	if key == "" {
		key = uuid.New().String()
	}
	deadline := time.Now().Add(o.timeout)

	promise, err := c.registry.Register(correlationID, deadline)
	if err != nil {
		c.metrics.RecordOutcome(OutcomeRejected)
		return nil, err
	}

	rec := contracts.NewRecord(key, payload)
	rec.SetHeader(contracts.HeaderCommand, cmd.String())
	rec.SetHeader(contracts.HeaderCorrelationID, correlationID)
	rec.SetHeader(contracts.HeaderReplyTopic, c.replyTopic)

	if err := c.publish(ctx, deadline, rec); err != nil {
		c.registry.Discard(correlationID)
		c.metrics.RecordOutcome(OutcomePublishFailed)
		c.logger.Warn("request publish failed",
			"command", cmd,
			"correlationId", correlationID,
			"topic", c.requestTopic,
			"error", err)
		return nil, &contracts.PublishError{Topic: c.requestTopic, Key: key, Err: err, Timestamp: time.Now()}
	}

	c.logger.Debug("request sent",
		"command", cmd,
		"correlationId", correlationID,
		"key", key,
		"timeout", o.timeout)

	return promise, nil
}

func (c *RequestReplyClient) publish(ctx context.Context, deadline time.Time, rec *contracts.Record) error {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	return reliability.Retry(ctx, c.retryPolicy, func() error {
		start := time.Now()
		err := c.guarded(ctx, func() error {
			_, err := c.publisher.Publish(ctx, c.requestTopic, rec)
			return err
		})
		c.metrics.RecordPublish(c.requestTopic, time.Since(start), err == nil)
		return err
	})
}

func (c *RequestReplyClient) guarded(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(ctx, fn)
}

// RequestAs sends request, waits for the reply and decodes it into T
func RequestAs[T any](ctx context.Context, c *RequestReplyClient, cmd contracts.Command, request any, opts ...RequestOption) (T, error) {
	var zero T

	promise, err := c.SendPromiseQuery(ctx, cmd, request, opts...)
	if err != nil {
		return zero, err
	}

	reply, err := promise.Get(ctx)
	if err != nil {
		return zero, err
	}

	return DecodeReply[T](reply)
}
