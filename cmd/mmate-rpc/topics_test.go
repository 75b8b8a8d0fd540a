package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/transports/memory"
)

func TestInspect_Memory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	tr := memory.NewTransport()
	defer tr.Close()
	require.NoError(t, mmate.ProvisionTopics(ctx, tr, cfg))

	rows, err := inspect(ctx, tr, cfg)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, topicRow{Topic: "request-topic", Group: "request-server-group", Partitions: 3, Messages: -1, Consumers: -1}, rows[0])
	assert.Equal(t, "push-topic", rows[1].Topic)
}

func TestCount(t *testing.T) {
	assert.Equal(t, "-", count(-1))
	assert.Equal(t, "12", count(12))
}
