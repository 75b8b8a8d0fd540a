package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/pkg/logattr"
)

// DefaultReplyGroup is the consumer group every instance uses on its own reply topic
const DefaultReplyGroup = "reply-group"

// ReplyDispatcher consumes the instance's reply topic and resolves pending calls
type ReplyDispatcher struct {
	subscriber TransportSubscriber
	registry   *CorrelationRegistry
	replyTopic string
	groupID    string
	codec      contracts.Codec
	metrics    MetricsCollector
	logger     *slog.Logger

	mu           sync.Mutex
	subscription Subscription
}

// DispatcherOption configures the ReplyDispatcher
type DispatcherOption func(*ReplyDispatcher)

// WithReplyGroup sets the consumer group id
func WithReplyGroup(groupID string) DispatcherOption {
	return func(d *ReplyDispatcher) {
		d.groupID = groupID
	}
}

// WithDispatcherCodec sets the codec replies are decoded with
func WithDispatcherCodec(codec contracts.Codec) DispatcherOption {
	return func(d *ReplyDispatcher) {
		d.codec = codec
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *ReplyDispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *ReplyDispatcher) {
		d.logger = logger
	}
}

// NewReplyDispatcher creates a dispatcher for replyTopic
func NewReplyDispatcher(subscriber TransportSubscriber, registry *CorrelationRegistry, replyTopic string, opts ...DispatcherOption) *ReplyDispatcher {
	d := &ReplyDispatcher{
		subscriber: subscriber,
		registry:   registry,
		replyTopic: replyTopic,
		groupID:    DefaultReplyGroup,
		codec:      contracts.JSONCodec{},
		metrics:    NoOpMetricsCollector{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start subscribes to the reply topic
func (d *ReplyDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subscription != nil {
		return fmt.Errorf("reply dispatcher for %s already started", d.replyTopic)
	}

	sub, err := d.subscriber.Subscribe(ctx, d.replyTopic, d.groupID, d.HandleRecord)
	if err != nil {
		return fmt.Errorf("failed to subscribe to reply topic %s: %w", d.replyTopic, err)
	}
	d.subscription = sub

	d.logger.Info("reply dispatcher started",
		"topic", d.replyTopic,
		"groupId", d.groupID)
	return nil
}

// Stop leaves the reply topic. Pending calls are left to expire.
func (d *ReplyDispatcher) Stop() error {
	d.mu.Lock()
	sub := d.subscription
	d.subscription = nil
	d.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// HandleRecord resolves the pending call a reply record belongs to.
// It never returns an error for a single bad or late record.
func (d *ReplyDispatcher) HandleRecord(ctx context.Context, rec *contracts.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while dispatching reply",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"panic", r)
			err = nil
		}
	}()

	correlationID, ok := rec.CorrelationID()
	if !ok || correlationID == "" {
		d.metrics.RecordDroppedReply(DropReasonMalformed)
		d.logger.Warn("dropping reply without correlation id",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", contracts.ErrMalformedRecord)
		return nil
	}

	var resolveErr error
	if msg, failed := rec.Header(contracts.HeaderReplyError); failed {
		resolveErr = d.registry.Fail(correlationID, &contracts.RemoteError{CorrelationID: correlationID, Message: msg})
	} else {
		resolveErr = d.registry.Resolve(correlationID, NewReply(rec, d.codec))
	}

	if errors.Is(resolveErr, contracts.ErrLateOrUnknownReply) {
		d.metrics.RecordDroppedReply(DropReasonLateOrUnknown)
		d.logger.Debug("dropping late or unknown reply",
			logattr.CorrelationID(correlationID),
			"command", rec.Command())
	}
	return nil
}
