// Package kafka implements messaging.Transport on Apache Kafka with
// segmentio/kafka-go.
//
// Records are written with a hash balancer, so one key always lands on one
// partition. Each subscription is a kafka-go reader in the consumer group;
// records are handled one at a time and committed after the handler returns.
// New groups start at the latest offset, except reply groups: a reply topic is
// fresh per instance and the reader joins its group in the background, so
// reply groups start at the first offset to keep replies written before
// partition assignment.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

var ErrTransportClosed = errors.New("kafka transport: closed")

// Transport implements messaging.Transport for Kafka
type Transport struct {
	brokers []string
	dialer  *kafkago.Dialer
	writer  *kafkago.Writer
	logger  *slog.Logger

	maxWait        time.Duration
	sessionTimeout time.Duration
	earliestGroups map[string]struct{}

	closed atomic.Bool
	mu     sync.Mutex
	subs   map[*subscription]struct{}
}

// Option configures the transport
type Option func(*config)

type config struct {
	batchTimeout     time.Duration
	requiredAcks     kafkago.RequiredAcks
	autoCreateTopics bool
	maxWait          time.Duration
	sessionTimeout   time.Duration
	earliestGroups   []string
	dialer           *kafkago.Dialer
	logger           *slog.Logger
}

// WithBatchTimeout sets how long the writer waits to fill a batch. Request
// latency includes this wait.
func WithBatchTimeout(d time.Duration) Option {
	return func(c *config) {
		c.batchTimeout = d
	}
}

// WithRequiredAcks sets the acks a publish waits for
func WithRequiredAcks(acks kafkago.RequiredAcks) Option {
	return func(c *config) {
		c.requiredAcks = acks
	}
}

// WithAutoCreateTopics lets the broker create unknown topics on first write
func WithAutoCreateTopics(enabled bool) Option {
	return func(c *config) {
		c.autoCreateTopics = enabled
	}
}

// WithMaxWait bounds how long a reader waits for new records per fetch
func WithMaxWait(d time.Duration) Option {
	return func(c *config) {
		c.maxWait = d
	}
}

// WithSessionTimeout sets the consumer group session timeout
func WithSessionTimeout(d time.Duration) Option {
	return func(c *config) {
		c.sessionTimeout = d
	}
}

// WithEarliestGroups sets the consumer groups that start at the first offset
// when they have no committed offset. It replaces the default, which is
// messaging.DefaultReplyGroup.
func WithEarliestGroups(groupIDs ...string) Option {
	return func(c *config) {
		c.earliestGroups = groupIDs
	}
}

// WithDialer sets the dialer used for readers and topic administration
func WithDialer(d *kafkago.Dialer) Option {
	return func(c *config) {
		c.dialer = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// NewTransport creates a transport for the given bootstrap brokers. No
// connection is made until the first publish, subscribe or topic operation.
func NewTransport(brokers []string, opts ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka transport: no brokers")
	}

	cfg := &config{
		batchTimeout:     5 * time.Millisecond,
		requiredAcks:     kafkago.RequireAll,
		autoCreateTopics: true,
		maxWait:          250 * time.Millisecond,
		sessionTimeout:   10 * time.Second,
		earliestGroups:   []string{messaging.DefaultReplyGroup},
		dialer:           &kafkago.Dialer{Timeout: 10 * time.Second, DualStack: true},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.batchTimeout,
		RequiredAcks:           cfg.requiredAcks,
		AllowAutoTopicCreation: cfg.autoCreateTopics,
	}

	earliest := make(map[string]struct{}, len(cfg.earliestGroups))
	for _, g := range cfg.earliestGroups {
		earliest[g] = struct{}{}
	}

	return &Transport{
		brokers:        brokers,
		dialer:         cfg.dialer,
		writer:         writer,
		logger:         cfg.logger,
		maxWait:        cfg.maxWait,
		sessionTimeout: cfg.sessionTimeout,
		earliestGroups: earliest,
		subs:           make(map[*subscription]struct{}),
	}, nil
}

// Publish implements messaging.TransportPublisher. It blocks until the
// required acks are in. kafka-go does not report the assigned offset on
// synchronous writes, so the ack carries partition and offset -1.
func (t *Transport) Publish(ctx context.Context, topic string, rec *contracts.Record) (contracts.PublishAck, error) {
	if t.closed.Load() {
		return contracts.PublishAck{}, ErrTransportClosed
	}

	msg := toMessage(topic, rec)
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return contracts.PublishAck{}, fmt.Errorf("write to %s: %w", topic, err)
	}

	return contracts.PublishAck{
		Topic:     topic,
		Key:       rec.Key,
		Partition: -1,
		Offset:    -1,
		Timestamp: msg.Time,
	}, nil
}

// Subscribe implements messaging.TransportSubscriber
func (t *Transport) Subscribe(ctx context.Context, topic, groupID string, handler messaging.RecordHandler) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        t.brokers,
		GroupID:        groupID,
		Topic:          topic,
		Dialer:         t.dialer,
		StartOffset:    t.startOffset(groupID),
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        t.maxWait,
		SessionTimeout: t.sessionTimeout,
	})

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		topic:   topic,
		groupID: groupID,
		reader:  reader,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
		}()
		t.consume(ctx, sub, handler)
	}()

	return sub, nil
}

func (t *Transport) startOffset(groupID string) int64 {
	if _, ok := t.earliestGroups[groupID]; ok {
		return kafkago.FirstOffset
	}
	return kafkago.LastOffset
}

func (t *Transport) consume(ctx context.Context, sub *subscription, handler messaging.RecordHandler) {
	defer close(sub.done)
	defer sub.reader.Close()

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			t.logger.Warn("fetch failed", "topic", sub.topic, "groupId", sub.groupID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		t.handle(ctx, sub, fromMessage(msg), handler)

		if err := sub.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			t.logger.Warn("commit failed",
				"topic", sub.topic,
				"groupId", sub.groupID,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

func (t *Transport) handle(ctx context.Context, sub *subscription, rec *contracts.Record, handler messaging.RecordHandler) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in record handler",
				"topic", rec.Topic,
				"groupId", sub.groupID,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"panic", r)
		}
	}()

	if err := handler(ctx, rec); err != nil {
		t.logger.Warn("record handler failed",
			"topic", rec.Topic,
			"groupId", sub.groupID,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err)
	}
}

// EnsureTopic implements messaging.TopicAdmin. An existing topic is left as is.
func (t *Transport) EnsureTopic(ctx context.Context, ts messaging.TopicSpec) error {
	partitions := ts.Partitions
	if partitions < 1 {
		partitions = 1
	}
	replication := ts.ReplicationFactor
	if replication < 1 {
		replication = 1
	}

	return t.withController(ctx, func(conn *kafkago.Conn) error {
		err := conn.CreateTopics(kafkago.TopicConfig{
			Topic:             ts.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
		if errors.Is(err, kafkago.TopicAlreadyExists) {
			return nil
		}
		return err
	})
}

// DeleteTopic implements messaging.TopicAdmin
func (t *Transport) DeleteTopic(ctx context.Context, topic string) error {
	return t.withController(ctx, func(conn *kafkago.Conn) error {
		return conn.DeleteTopics(topic)
	})
}

// Partitions returns the partition count of a topic
func (t *Transport) Partitions(ctx context.Context, topic string) (int, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return 0, err
	}
	return len(parts), nil
}

// withController runs fn on a connection to the cluster controller, which is
// the only broker that accepts topic creation and deletion
func (t *Transport) withController(ctx context.Context, fn func(*kafkago.Conn) error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	controller, err := conn.Controller()
	conn.Close()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer cc.Close()

	return fn(cc)
}

// dial connects to the first reachable bootstrap broker
func (t *Transport) dial(ctx context.Context) (*kafkago.Conn, error) {
	var lastErr error
	for _, b := range t.brokers {
		conn, err := t.dialer.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial brokers: %w", lastErr)
}

// Ping checks that a bootstrap broker is reachable
func (t *Transport) Ping(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// IsConnected reports whether the transport is open. Connections are made on
// demand; use Ping to probe the brokers.
func (t *Transport) IsConnected() bool {
	return !t.closed.Load()
}

// Close stops all subscriptions and flushes the writer
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return t.writer.Close()
}

func toMessage(topic string, rec *contracts.Record) kafkago.Message {
	headers := make([]kafkago.Header, 0, len(rec.Headers))
	for k, v := range rec.Headers {
		headers = append(headers, kafkago.Header{Key: k, Value: v})
	}

	var key []byte
	if rec.Key != "" {
		key = []byte(rec.Key)
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     key,
		Value:   rec.Payload,
		Headers: headers,
		Time:    time.Now(),
	}
}

func fromMessage(msg kafkago.Message) *contracts.Record {
	rec := contracts.NewRecord(string(msg.Key), msg.Value)
	rec.Topic = msg.Topic
	rec.Partition = msg.Partition
	rec.Offset = msg.Offset
	rec.Timestamp = msg.Time
	for _, h := range msg.Headers {
		rec.Headers[h.Key] = h.Value
	}
	return rec
}

type subscription struct {
	topic   string
	groupID string
	reader  *kafkago.Reader
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) Topic() string         { return s.topic }
func (s *subscription) GroupID() string       { return s.groupID }
func (s *subscription) Done() <-chan struct{} { return s.done }

// Close leaves the group and waits for the in-progress record
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}
