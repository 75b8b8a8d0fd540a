//go:build integration

package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

func brokers() []string {
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		return strings.Split(b, ",")
	}
	return []string{"localhost:9092"}
}

func TestTransport_TopicsAndDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tr, err := NewTransport(brokers())
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Ping(ctx))

	topic := "mmate-it-" + uuid.NewString()[:8]
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: topic, Partitions: 3}))
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: topic, Partitions: 3}))
	defer tr.DeleteTopic(context.Background(), topic)

	n, err := tr.Partitions(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := make(chan *contracts.Record, 10)
	sub, err := tr.Subscribe(ctx, topic, "it-group", func(ctx context.Context, rec *contracts.Record) error {
		got <- rec
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	// the group must have its assignment before a latest-offset reader sees writes
	time.Sleep(5 * time.Second)

	for i := 0; i < 3; i++ {
		_, err := tr.Publish(ctx, topic, contracts.NewRecord("same-key", []byte{byte('a' + i)}))
		require.NoError(t, err)
	}

	var partition = -1
	for i := 0; i < 3; i++ {
		select {
		case rec := <-got:
			assert.Equal(t, string(rune('a'+i)), string(rec.Payload))
			if partition >= 0 {
				assert.Equal(t, partition, rec.Partition)
			}
			partition = rec.Partition
		case <-time.After(30 * time.Second):
			t.Fatal("record not delivered")
		}
	}
}

func TestTransport_ReplyGroupReadsRecordsWrittenBeforeAssignment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tr, err := NewTransport(brokers())
	require.NoError(t, err)
	defer tr.Close()

	topic := "reply-topic-it-" + uuid.NewString()[:8]
	require.NoError(t, tr.EnsureTopic(ctx, messaging.TopicSpec{Name: topic, Partitions: 1}))
	defer tr.DeleteTopic(context.Background(), topic)

	got := make(chan *contracts.Record, 1)
	sub, err := tr.Subscribe(ctx, topic, messaging.DefaultReplyGroup, func(ctx context.Context, rec *contracts.Record) error {
		got <- rec
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, topic, contracts.NewRecord("k", []byte("early")))
	require.NoError(t, err)

	select {
	case rec := <-got:
		assert.Equal(t, "early", string(rec.Payload))
	case <-time.After(30 * time.Second):
		t.Fatal("reply written before assignment was not delivered")
	}
}
