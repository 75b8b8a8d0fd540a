package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultReplyTopicPrefix = "reply-topic"
	DefaultTopicPartitions  = 3
)

// ReplyTopicProvider decides which reply topic an instance consumes
type ReplyTopicProvider interface {
	// Acquire provisions the reply topic and returns its name
	Acquire(ctx context.Context, admin TopicAdmin) (string, error)

	// Release gives the topic back on clean shutdown
	Release(ctx context.Context, admin TopicAdmin, topic string) error
}

// NewInstanceID returns an 8 character random instance id
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// RandomReplyTopics creates reply-topic-<instance id> per instance and deletes it on Release
type RandomReplyTopics struct {
	Prefix            string
	InstanceID        string
	ReplicationFactor int
}

// Acquire implements ReplyTopicProvider
func (r *RandomReplyTopics) Acquire(ctx context.Context, admin TopicAdmin) (string, error) {
	if r.InstanceID == "" {
		r.InstanceID = NewInstanceID()
	}

	topic := fmt.Sprintf("%s-%s", prefixOrDefault(r.Prefix), r.InstanceID)
	if err := admin.EnsureTopic(ctx, TopicSpec{Name: topic, Partitions: 1, ReplicationFactor: r.ReplicationFactor}); err != nil {
		return "", fmt.Errorf("failed to create reply topic %s: %w", topic, err)
	}
	return topic, nil
}

// Release implements ReplyTopicProvider
func (r *RandomReplyTopics) Release(ctx context.Context, admin TopicAdmin, topic string) error {
	if err := admin.DeleteTopic(ctx, topic); err != nil {
		return fmt.Errorf("failed to delete reply topic %s: %w", topic, err)
	}
	return nil
}

// SlottedReplyTopics pins the instance to one of a fixed arena of reply topics
// named reply-topic-slot-<i>. Topics are shared across restarts and never deleted.
type SlottedReplyTopics struct {
	Prefix            string
	Slots             int
	Slot              int
	ReplicationFactor int
}

// SlotTopic returns the topic name of slot i
func (s *SlottedReplyTopics) SlotTopic(i int) string {
	return fmt.Sprintf("%s-slot-%d", prefixOrDefault(s.Prefix), i)
}

// Topics returns every topic in the arena
func (s *SlottedReplyTopics) Topics() []string {
	topics := make([]string, s.Slots)
	for i := range topics {
		topics[i] = s.SlotTopic(i)
	}
	return topics
}

// Acquire implements ReplyTopicProvider
func (s *SlottedReplyTopics) Acquire(ctx context.Context, admin TopicAdmin) (string, error) {
	if s.Slot < 0 || s.Slot >= s.Slots {
		return "", fmt.Errorf("reply topic slot %d out of range [0,%d)", s.Slot, s.Slots)
	}

	topic := s.SlotTopic(s.Slot)
	if err := admin.EnsureTopic(ctx, TopicSpec{Name: topic, Partitions: 1, ReplicationFactor: s.ReplicationFactor}); err != nil {
		return "", fmt.Errorf("failed to create reply topic %s: %w", topic, err)
	}
	return topic, nil
}

// Release implements ReplyTopicProvider
func (s *SlottedReplyTopics) Release(context.Context, TopicAdmin, string) error {
	return nil
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultReplyTopicPrefix
	}
	return prefix
}
