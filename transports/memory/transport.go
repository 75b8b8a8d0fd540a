// Package memory provides an in-process partitioned log transport.
//
// Topics have a fixed number of partitions. A record is routed to a partition by
// the hash of its key, every consumer group receives every record, and within a
// group each partition is consumed by exactly one member in offset order.
// Groups start at the latest offset: records published before a group's first
// member subscribed are not delivered to it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

var (
	ErrTransportClosed = errors.New("memory transport: closed")
	ErrUnknownTopic    = errors.New("memory transport: unknown topic")
)

// PublishHook runs before a record is appended. A non-nil error fails the publish.
type PublishHook func(topic string, rec *contracts.Record) error

// Transport implements messaging.Transport in memory
type Transport struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	autoCreate        bool
	defaultPartitions int
	queueSize         int
	hook              atomic.Pointer[PublishHook]
	logger            *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithAutoCreateTopics creates unknown topics on first use
func WithAutoCreateTopics(enabled bool) Option {
	return func(t *Transport) {
		t.autoCreate = enabled
	}
}

// WithDefaultPartitions sets the partition count of auto-created topics
func WithDefaultPartitions(n int) Option {
	return func(t *Transport) {
		t.defaultPartitions = n
	}
}

// WithQueueSize sets the per-partition delivery buffer of each group
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		t.queueSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a new in-memory transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		topics:            make(map[string]*topic),
		autoCreate:        true,
		defaultPartitions: 1,
		queueSize:         1024,
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// SetPublishHook installs or, with nil, removes the publish hook
func (t *Transport) SetPublishHook(hook PublishHook) {
	if hook == nil {
		t.hook.Store(nil)
		return
	}
	t.hook.Store(&hook)
}

// EnsureTopic implements messaging.TopicAdmin. An existing topic is left unchanged.
func (t *Transport) EnsureTopic(ctx context.Context, ts messaging.TopicSpec) error {
	if ts.Name == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, exists := t.topics[ts.Name]; !exists {
		t.topics[ts.Name] = newTopic(ts.Name, ts.Partitions)
		t.logger.Debug("topic created", "topic", ts.Name, "partitions", ts.Partitions)
	}
	return nil
}

// DeleteTopic implements messaging.TopicAdmin. Subscriptions on the topic are closed.
func (t *Transport) DeleteTopic(ctx context.Context, name string) error {
	t.mu.Lock()
	tp, exists := t.topics[name]
	delete(t.topics, name)
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}

	tp.shutdown()
	return nil
}

// Topics returns the names of all topics
func (t *Transport) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	return names
}

// Partitions returns the partition count of a topic, or 0 if it doesn't exist
func (t *Transport) Partitions(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if tp, ok := t.topics[name]; ok {
		return len(tp.partitions)
	}
	return 0
}

func (t *Transport) lookup(name string) (*topic, error) {
	t.mu.RLock()
	tp, ok := t.topics[name]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return nil, ErrTransportClosed
	}
	if ok {
		return tp, nil
	}
	if !t.autoCreate {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok = t.topics[name]; !ok {
		tp = newTopic(name, t.defaultPartitions)
		t.topics[name] = tp
	}
	return tp, nil
}

// Publish implements messaging.TransportPublisher
func (t *Transport) Publish(ctx context.Context, topicName string, rec *contracts.Record) (contracts.PublishAck, error) {
	if rec == nil {
		return contracts.PublishAck{}, fmt.Errorf("record cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return contracts.PublishAck{}, err
	}

	if hook := t.hook.Load(); hook != nil {
		if err := (*hook)(topicName, rec); err != nil {
			return contracts.PublishAck{}, err
		}
	}

	tp, err := t.lookup(topicName)
	if err != nil {
		return contracts.PublishAck{}, err
	}

	out, err := tp.publish(ctx, rec)
	if err != nil {
		return contracts.PublishAck{}, err
	}

	return contracts.PublishAck{
		Topic:     out.Topic,
		Key:       out.Key,
		Partition: out.Partition,
		Offset:    out.Offset,
		Timestamp: out.Timestamp,
	}, nil
}

// Subscribe implements messaging.TransportSubscriber. The subscription ends
// when ctx is done or Close is called.
func (t *Transport) Subscribe(ctx context.Context, topicName, groupID string, handler messaging.RecordHandler) (messaging.Subscription, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group id cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	tp, err := t.lookup(topicName)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		topic:   topicName,
		groupID: groupID,
		handler: handler,
		logger:  t.logger,
		done:    make(chan struct{}),
	}
	if err := tp.join(sub, t.queueSize); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	t.logger.Debug("subscribed", "topic", topicName, "groupId", groupID)
	return sub, nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// Close stops every subscription
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	for _, tp := range topics {
		tp.shutdown()
	}
	return nil
}

type topic struct {
	name string

	partitions []partitionLog

	mu     sync.Mutex
	next   int
	groups map[string]*group
	closed bool
}

// partitionLog serializes offset assignment and enqueueing, so every group
// sees a partition's records in offset order.
type partitionLog struct {
	mu   sync.Mutex
	next int64
}

func newTopic(name string, partitions int) *topic {
	if partitions < 1 {
		partitions = 1
	}
	return &topic{
		name:       name,
		partitions: make([]partitionLog, partitions),
		groups:     make(map[string]*group),
	}
}

func (tp *topic) partitionFor(key string) int {
	n := len(tp.partitions)
	if key == "" {
		p := tp.next % n
		tp.next++
		return p
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// publish assigns partition and offset and hands the record to every group
func (tp *topic) publish(ctx context.Context, rec *contracts.Record) (*contracts.Record, error) {
	out := rec.Clone()

	tp.mu.Lock()
	p := tp.partitionFor(rec.Key)
	tp.mu.Unlock()

	pl := &tp.partitions[p]
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out.Topic = tp.name
	out.Partition = p
	out.Offset = pl.next
	out.Timestamp = time.Now()
	pl.next++

	tp.mu.Lock()
	groups := make([]*group, 0, len(tp.groups))
	for _, g := range tp.groups {
		groups = append(groups, g)
	}
	tp.mu.Unlock()

	for _, g := range groups {
		if err := g.enqueue(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (tp *topic) join(sub *subscription, queueSize int) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, tp.name)
	}

	g, ok := tp.groups[sub.groupID]
	if !ok {
		g = newGroup(sub.groupID, len(tp.partitions), queueSize)
		tp.groups[sub.groupID] = g
		g.start()
	}
	g.add(sub)

	sub.leave = func() {
		tp.mu.Lock()
		empty := g.remove(sub)
		if empty && tp.groups[sub.groupID] == g {
			delete(tp.groups, sub.groupID)
		}
		tp.mu.Unlock()

		if empty {
			g.stop()
		}
	}
	return nil
}

func (tp *topic) shutdown() {
	tp.mu.Lock()
	tp.closed = true
	var subs []*subscription
	for _, g := range tp.groups {
		subs = append(subs, g.snapshot()...)
	}
	tp.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
