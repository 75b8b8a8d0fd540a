// Package rabbitmq maps the topic/group model onto RabbitMQ.
//
// Every topic is a routing key on one topic exchange. A consumer group is a
// durable queue named "<topic>.<group>" bound with that routing key, so every
// group receives every record and members of a group compete for its queue.
// The record key travels in the x-partition-key header. RabbitMQ has no
// partitions or offsets: delivered records carry partition 0 and offset -1.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

const (
	DefaultExchange = "mmate.topics"

	// HeaderPartitionKey carries Record.Key
	HeaderPartitionKey = "x-partition-key"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	exchange  string
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]map[string]struct{} // topic -> groups declared by this transport
	subs   map[*subscription]struct{}
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	MaxChannels       int
	PrefetchCount     int
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the exchange topics are routed through
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithMaxChannels caps the publishing channel pool
func WithMaxChannels(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxChannels = n
	}
}

// WithPrefetchCount sets the consumer prefetch
func WithPrefetchCount(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = n
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and declares the exchange
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Exchange:      DefaultExchange,
		MaxChannels:   10,
		PrefetchCount: 1,
		Logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxChannels(cfg.MaxChannels),
		rabbitmq.WithConfirmMode(true))
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	publisher, err := rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(cfg.Logger))
	if err != nil {
		pool.Close()
		manager.Close()
		return nil, err
	}

	t := &Transport{
		manager:   manager,
		pool:      pool,
		publisher: publisher,
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
			rabbitmq.WithConsumerLogger(cfg.Logger)),
		topology: rabbitmq.NewTopologyManager(pool),
		exchange: cfg.Exchange,
		logger:   cfg.Logger,
		groups:   make(map[string]map[string]struct{}),
		subs:     make(map[*subscription]struct{}),
	}

	err = t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    cfg.Exchange,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return t, nil
}

// Publish implements messaging.TransportPublisher. It returns once the broker
// has confirmed the record.
func (t *Transport) Publish(ctx context.Context, topic string, rec *contracts.Record) (contracts.PublishAck, error) {
	msg := toPublishing(rec)
	if err := t.publisher.Publish(ctx, t.exchange, topic, msg); err != nil {
		return contracts.PublishAck{}, err
	}

	return contracts.PublishAck{
		Topic:     topic,
		Key:       rec.Key,
		Partition: 0,
		Offset:    -1,
		Timestamp: msg.Timestamp,
	}, nil
}

// Subscribe implements messaging.TransportSubscriber
func (t *Transport) Subscribe(ctx context.Context, topic, groupID string, handler messaging.RecordHandler) (messaging.Subscription, error) {
	queue, err := t.declareGroup(ctx, topic, groupID)
	if err != nil {
		return nil, err
	}

	cs, err := t.consumer.Consume(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, fromDelivery(d))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	sub := &subscription{topic: topic, groupID: groupID, consumption: cs}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-cs.Done()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}()

	return sub, nil
}

func (t *Transport) declareGroup(ctx context.Context, topic, groupID string) (string, error) {
	queue := QueueName(topic, groupID)
	err := t.topology.DeclareBoundQueue(ctx,
		rabbitmq.QueueDeclaration{Name: queue, Durable: true},
		rabbitmq.Binding{Queue: queue, Exchange: t.exchange, RoutingKey: topic})
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.groups[topic] == nil {
		t.groups[topic] = make(map[string]struct{})
	}
	t.groups[topic][groupID] = struct{}{}
	t.mu.Unlock()

	return queue, nil
}

// EnsureTopic implements messaging.TopicAdmin. Routing keys need no
// provisioning, so only the exchange is (re)declared. Partition counts do not
// apply to RabbitMQ.
func (t *Transport) EnsureTopic(ctx context.Context, ts messaging.TopicSpec) error {
	if ts.Partitions > 1 {
		t.logger.Debug("ignoring partition count", "topic", ts.Name, "partitions", ts.Partitions)
	}
	return t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    t.exchange,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	})
}

// DeleteTopic implements messaging.TopicAdmin. It stops the topic's
// subscriptions and deletes the group queues this transport declared for it.
func (t *Transport) DeleteTopic(ctx context.Context, topic string) error {
	t.mu.Lock()
	groups := t.groups[topic]
	delete(t.groups, topic)
	var subs []*subscription
	for s := range t.subs {
		if s.topic == topic {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for groupID := range groups {
		if err := t.topology.DeleteQueue(ctx, QueueName(topic, groupID)); err != nil {
			return err
		}
	}
	return nil
}

// QueueStats reports the backlog and consumer count of a group's queue
func (t *Transport) QueueStats(ctx context.Context, topic, groupID string) (messages, consumers int, err error) {
	q, err := t.topology.QueueInfo(ctx, QueueName(topic, groupID))
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops all subscriptions and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	t.pool.Close()
	return t.manager.Close()
}

// QueueName returns the queue backing a consumer group
func QueueName(topic, groupID string) string {
	return topic + "." + groupID
}

func toPublishing(rec *contracts.Record) amqp.Publishing {
	headers := make(amqp.Table, len(rec.Headers)+1)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[HeaderPartitionKey] = rec.Key

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         rec.Payload,
	}
	if id, ok := rec.CorrelationID(); ok {
		msg.CorrelationId = id
	}
	if topic, ok := rec.ReplyTopic(); ok {
		msg.ReplyTo = topic
	}
	return msg
}

func fromDelivery(d amqp.Delivery) *contracts.Record {
	rec := contracts.NewRecord("", d.Body)
	rec.Topic = d.RoutingKey
	rec.Partition = 0
	rec.Timestamp = d.Timestamp

	for k, v := range d.Headers {
		var b []byte
		switch val := v.(type) {
		case []byte:
			b = val
		case string:
			b = []byte(val)
		default:
			b = []byte(fmt.Sprint(val))
		}
		if k == HeaderPartitionKey {
			rec.Key = string(b)
			continue
		}
		rec.Headers[k] = b
	}
	return rec
}

type subscription struct {
	topic       string
	groupID     string
	consumption *rabbitmq.Consumption
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) GroupID() string       { return s.groupID }
func (s *subscription) Done() <-chan struct{} { return s.consumption.Done() }

func (s *subscription) Close() error {
	s.consumption.Stop()
	return nil
}
