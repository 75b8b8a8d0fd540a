package messaging

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
)

// RecordHandler processes a record delivered by a transport.
// A returned error is logged by the transport and never stops consumption.
type RecordHandler func(ctx context.Context, rec *contracts.Record) error

// TransportPublisher defines the interface for publishing records through a transport
type TransportPublisher interface {
	// Publish sends a record to a topic and blocks until the transport acknowledges it
	Publish(ctx context.Context, topic string, rec *contracts.Record) (contracts.PublishAck, error)
}

// TransportSubscriber defines the interface for consuming records through a transport
type TransportSubscriber interface {
	// Subscribe joins a consumer group on a topic. Records of one partition are
	// delivered to the handler sequentially.
	Subscribe(ctx context.Context, topic, groupID string, handler RecordHandler) (Subscription, error)
}

// TopicAdmin provisions topics
type TopicAdmin interface {
	// EnsureTopic creates a topic if it doesn't exist
	EnsureTopic(ctx context.Context, ts TopicSpec) error

	// DeleteTopic deletes a topic
	DeleteTopic(ctx context.Context, topic string) error
}

// Transport provides publishing, consuming and topic provisioning
type Transport interface {
	TransportPublisher
	TransportSubscriber
	TopicAdmin

	// IsConnected returns connection status
	IsConnected() bool

	// Close closes all resources
	Close() error
}

// Subscription is an active consumer group membership
type Subscription interface {
	Topic() string
	GroupID() string

	// Done is closed once the consumption loop has exited
	Done() <-chan struct{}

	// Close leaves the group and waits for the loop to exit
	Close() error
}

// TopicSpec describes a topic to provision
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}
