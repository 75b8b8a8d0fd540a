// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/glimte/mmate-rpc/pkg/logattr"
	kafkaTransport "github.com/glimte/mmate-rpc/transports/kafka"
	"github.com/glimte/mmate-rpc/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// Client provides the request and one-way gateways of one instance
type Client struct {
	cfg         config.Config
	transport   messaging.Transport
	ownsTrans   bool
	registry    *messaging.CorrelationRegistry
	replyTopics messaging.ReplyTopicProvider
	replyTopic  string
	dispatcher  *messaging.ReplyDispatcher
	requests    *messaging.RequestReplyClient
	messages    *messaging.MessagePublisher
	metrics     *metrics.Collector
	health      *health.Registry
	logger      *slog.Logger
	closeOnce   sync.Once
}

// clientConfig holds client configuration
type clientConfig struct {
	logger    *slog.Logger
	transport messaging.Transport
	metrics   *metrics.Collector
	server    []messaging.ServerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses an existing transport instead of opening one from the
// configuration. The client does not close it.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithMetrics shares a collector between components
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithServerOptions adds options applied by NewServer after the configured ones
func WithServerOptions(opts ...messaging.ServerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.server = append(cfg.server, opts...)
	}
}

func applyOptions(cfg config.Config, options []ClientOption) *clientConfig {
	c := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(cfg.Service)
	}
	return c
}

// NewTransport opens the transport selected by cfg.Transport.Kind
func NewTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	logger = logger.With(logattr.Transport(cfg.Transport.Kind))

	switch cfg.Transport.Kind {
	case config.TransportMemory:
		return memory.NewTransport(
			memory.WithDefaultPartitions(cfg.Topics.Partitions),
			memory.WithLogger(logger)), nil
	case config.TransportRabbitMQ:
		t, err := rabbitmqTransport.NewTransport(ctx, cfg.Transport.RabbitMQURL,
			rabbitmqTransport.WithExchange(cfg.Transport.Exchange),
			rabbitmqTransport.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportKafka:
		t, err := kafkaTransport.NewTransport(cfg.Transport.KafkaBrokers,
			kafkaTransport.WithEarliestGroups(cfg.Groups.Reply),
			kafkaTransport.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// NewReplyTopics returns the reply topic provider selected by cfg
func NewReplyTopics(cfg config.Config) messaging.ReplyTopicProvider {
	if cfg.Topics.ReplyStrategy == config.ReplyTopicsSlotted {
		return &messaging.SlottedReplyTopics{
			Prefix:            cfg.Topics.ReplyPrefix,
			Slots:             cfg.Topics.ReplySlots,
			Slot:              cfg.Topics.ReplySlot,
			ReplicationFactor: cfg.Topics.ReplicationFactor,
		}
	}
	return &messaging.RandomReplyTopics{
		Prefix:            cfg.Topics.ReplyPrefix,
		ReplicationFactor: cfg.Topics.ReplicationFactor,
	}
}

// ProvisionTopics creates the request and push topics and, for the slotted
// strategy, every reply topic of the arena
func ProvisionTopics(ctx context.Context, admin messaging.TopicAdmin, cfg config.Config) error {
	specs := []messaging.TopicSpec{
		{Name: cfg.Topics.Request, Partitions: cfg.Topics.Partitions, ReplicationFactor: cfg.Topics.ReplicationFactor},
		{Name: cfg.Topics.Push, Partitions: cfg.Topics.Partitions, ReplicationFactor: cfg.Topics.ReplicationFactor},
	}
	if slotted, ok := NewReplyTopics(cfg).(*messaging.SlottedReplyTopics); ok {
		for _, name := range slotted.Topics() {
			specs = append(specs, messaging.TopicSpec{Name: name, Partitions: 1, ReplicationFactor: cfg.Topics.ReplicationFactor})
		}
	}

	for _, ts := range specs {
		if err := admin.EnsureTopic(ctx, ts); err != nil {
			return fmt.Errorf("failed to create topic %s: %w", ts.Name, err)
		}
	}
	return nil
}

// DeleteTopics removes the topics ProvisionTopics creates
func DeleteTopics(ctx context.Context, admin messaging.TopicAdmin, cfg config.Config) error {
	names := []string{cfg.Topics.Request, cfg.Topics.Push}
	if slotted, ok := NewReplyTopics(cfg).(*messaging.SlottedReplyTopics); ok {
		names = append(names, slotted.Topics()...)
	}

	var errs []error
	for _, name := range names {
		if err := admin.DeleteTopic(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete topic %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// NewClient acquires a reply topic, starts its dispatcher and builds the
// request and one-way gateways
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	opts := applyOptions(cfg, options)
	logger := opts.logger.With(logattr.ServiceName(cfg.Service))

	transport := opts.transport
	ownsTransport := false
	if transport == nil {
		var err error
		transport, err = NewTransport(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		ownsTransport = true
	}

	c := &Client{
		cfg:         cfg,
		transport:   transport,
		ownsTrans:   ownsTransport,
		replyTopics: NewReplyTopics(cfg),
		metrics:     opts.metrics,
		health:      health.NewRegistry(),
		logger:      logger,
	}

	fail := func(err error) (*Client, error) {
		if c.ownsTrans {
			_ = transport.Close()
		}
		return nil, err
	}

	if err := ProvisionTopics(ctx, transport, cfg); err != nil {
		return fail(err)
	}

	replyTopic, err := c.replyTopics.Acquire(ctx, transport)
	if err != nil {
		return fail(err)
	}
	c.replyTopic = replyTopic

	c.registry = messaging.NewCorrelationRegistry(
		messaging.WithMaxInFlight(cfg.Client.MaxInFlight),
		messaging.WithRegistryMetrics(c.metrics))

	c.dispatcher = messaging.NewReplyDispatcher(transport, c.registry, replyTopic,
		messaging.WithReplyGroup(cfg.Groups.Reply),
		messaging.WithDispatcherMetrics(c.metrics),
		messaging.WithDispatcherLogger(logger))
	if err := c.dispatcher.Start(ctx); err != nil {
		c.registry.Close()
		_ = c.replyTopics.Release(ctx, transport, replyTopic)
		return fail(err)
	}

	retry := reliability.NewExponentialBackoff(cfg.Client.PublishRetryDelay, 10*cfg.Client.PublishRetryDelay, 2.0, cfg.Client.PublishRetries)
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("publish"),
		reliability.WithFailureThreshold(cfg.Client.BreakerFailures),
		reliability.WithOpenTimeout(cfg.Client.BreakerOpenTimeout))

	c.requests = messaging.NewRequestReplyClient(transport, c.registry, replyTopic,
		messaging.WithRequestTopic(cfg.Topics.Request),
		messaging.WithDefaultTimeout(cfg.Client.DefaultTimeout),
		messaging.WithPublishRetry(retry),
		messaging.WithCircuitBreaker(breaker),
		messaging.WithClientMetrics(c.metrics),
		messaging.WithClientLogger(logger))

	c.messages = messaging.NewMessagePublisher(transport,
		messaging.WithPushTopic(cfg.Topics.Push),
		messaging.WithMessageRetry(retry),
		messaging.WithPublisherCircuitBreaker(breaker),
		messaging.WithPublisherMetrics(c.metrics),
		messaging.WithPublisherLogger(logger))

	c.health.SetMetadata("service", cfg.Service)
	c.health.SetMetadata("replyTopic", replyTopic)
	c.health.Register(health.NewTransportChecker(cfg.Transport.Kind, transport))
	c.health.Register(health.NewRegistryChecker(c.registry, 0.8))
	c.health.Register(health.NewGoroutineChecker(10000, 50000))

	logger.Info("client started", logattr.Topic(replyTopic), "requestTopic", cfg.Topics.Request)
	return c, nil
}

// Config returns the configuration the client was built from
func (c *Client) Config() config.Config {
	return c.cfg
}

// Requests returns the request gateway
func (c *Client) Requests() *messaging.RequestReplyClient {
	return c.requests
}

// Messages returns the one-way gateway
func (c *Client) Messages() *messaging.MessagePublisher {
	return c.messages
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Registry returns the correlation registry
func (c *Client) Registry() *messaging.CorrelationRegistry {
	return c.registry
}

// ReplyTopic returns the topic this instance receives replies on
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// Metrics returns the metrics collector
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close waits for pending one-way sends, fails outstanding calls, releases the
// reply topic and closes an owned transport
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	c.closeOnce.Do(func() {
		if err := c.messages.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.dispatcher.Stop(); err != nil {
			errs = append(errs, err)
		}
		c.registry.Close()

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.replyTopics.Release(releaseCtx, c.transport, c.replyTopic); err != nil {
			errs = append(errs, err)
		}

		if c.ownsTrans {
			if err := c.transport.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.logger.Info("client closed")
	})
	return errors.Join(errs...)
}

// NewServer builds a responder on transport with the topics and groups of cfg
func NewServer(cfg config.Config, transport messaging.Transport, options ...ClientOption) (*messaging.RequestReplyServer, error) {
	opts := applyOptions(cfg, options)

	logger := opts.logger.With(logattr.ServiceName(cfg.Service))

	serverOpts := []messaging.ServerOption{
		messaging.WithServerRequestTopic(cfg.Topics.Request),
		messaging.WithServerPushTopic(cfg.Topics.Push),
		messaging.WithRequestGroup(cfg.Groups.Request),
		messaging.WithPushGroup(cfg.Groups.Push),
		messaging.WithServerMetrics(opts.metrics),
		messaging.WithServerLogger(logger),
	}
	if len(cfg.Server.AcceptCommands) > 0 {
		cmds := make([]contracts.Command, len(cfg.Server.AcceptCommands))
		for i, c := range cfg.Server.AcceptCommands {
			cmds[i] = contracts.Command(c)
		}
		serverOpts = append(serverOpts, messaging.WithServerInterceptor(
			interceptors.NewCommandFilterInterceptor(interceptors.AllowCommands(cmds...), interceptors.SkipWithError, logger)))
	}
	if cfg.Server.HandlerTimeout > 0 {
		serverOpts = append(serverOpts, messaging.WithServerInterceptor(
			interceptors.NewTimeoutInterceptor(cfg.Server.HandlerTimeout)))
	}
	serverOpts = append(serverOpts, opts.server...)

	return messaging.NewRequestReplyServer(transport, transport, serverOpts...)
}
