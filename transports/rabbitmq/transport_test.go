package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

var _ messaging.Transport = (*Transport)(nil)

func TestRecordMapping(t *testing.T) {
	rec := contracts.NewRecord("account-42", []byte(`{"amount":"10.00"}`))
	rec.SetHeader(contracts.HeaderCommand, "REQUEST_DEPOSIT")
	rec.SetHeader(contracts.HeaderCorrelationID, "c-1")
	rec.SetHeader(contracts.HeaderReplyTopic, "reply-topic-abcd1234")

	msg := toPublishing(rec)
	assert.Equal(t, "c-1", msg.CorrelationId)
	assert.Equal(t, "reply-topic-abcd1234", msg.ReplyTo)
	assert.Equal(t, "account-42", msg.Headers[HeaderPartitionKey])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.NotEmpty(t, msg.MessageId)

	got := fromDelivery(amqp.Delivery{
		RoutingKey: "request-topic",
		Headers:    msg.Headers,
		Body:       msg.Body,
		Timestamp:  msg.Timestamp,
	})
	assert.Equal(t, "request-topic", got.Topic)
	assert.Equal(t, "account-42", got.Key)
	assert.Equal(t, contracts.CommandRequestDeposit, got.Command())
	id, ok := got.CorrelationID()
	require.True(t, ok)
	assert.Equal(t, "c-1", id)
	_, hasKeyHeader := got.Header(HeaderPartitionKey)
	assert.False(t, hasKeyHeader)
	assert.Equal(t, 0, got.Partition)
	assert.Equal(t, int64(-1), got.Offset)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestFromDelivery_ForeignHeaderTypes(t *testing.T) {
	got := fromDelivery(amqp.Delivery{
		RoutingKey: "push-topic",
		Headers:    amqp.Table{"CMD": "SEND_TEST_MESSAGE", "x-retries": int32(2)},
		Timestamp:  time.Unix(1700000000, 0),
	})
	assert.Equal(t, contracts.CommandSendTestMessage, got.Command())
	v, ok := got.Header("x-retries")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Empty(t, got.Key)
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "request-topic.request-server-group", QueueName("request-topic", "request-server-group"))
}
