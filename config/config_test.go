package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromPath_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: kafka
  kafkaBrokers: [broker-1:9092, broker-2:9092]
client:
  defaultTimeout: 5s
topics:
  replyStrategy: slotted
  replySlot: 2
server:
  acceptCommands: [REQUEST_DEPOSIT, REQUEST_WITHDRAW]
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Transport.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.Client.DefaultTimeout)
	assert.Equal(t, 2, cfg.Topics.ReplySlot)
	assert.Equal(t, []string{"REQUEST_DEPOSIT", "REQUEST_WITHDRAW"}, cfg.Server.AcceptCommands)
	assert.Equal(t, 30*time.Second, cfg.Server.HandlerTimeout)

	// untouched sections keep their defaults
	assert.Equal(t, "request-topic", cfg.Topics.Request)
	assert.Equal(t, 10000, cfg.Client.MaxInFlight)
	assert.Equal(t, "reply-group", cfg.Groups.Reply)
}

func TestLoadFromPath_Env(t *testing.T) {
	t.Setenv("MMATE_TRANSPORT", "rabbitmq")
	t.Setenv("MMATE_MAX_IN_FLIGHT", "0")
	t.Setenv("MMATE_DEFAULT_TIMEOUT", "750ms")
	t.Setenv("MMATE_KAFKA_BROKERS", "a:1,b:2")

	cfg, err := LoadFromPath(writeConfig(t, "transport:\n  kind: kafka\n"))
	require.NoError(t, err)

	assert.Equal(t, TransportRabbitMQ, cfg.Transport.Kind)
	assert.Zero(t, cfg.Client.MaxInFlight)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.DefaultTimeout)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Transport.KafkaBrokers)

	t.Setenv("MMATE_REPLY_SLOT", "x")
	_, err = LoadFromPath("")
	assert.ErrorContains(t, err, "MMATE_REPLY_SLOT")
}

func TestLoadFromPath_Errors(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromPath(writeConfig(t, "transport: [not, a, map]"))
	assert.ErrorContains(t, err, "parse")
}

func TestLoadFromPath_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadFromPath("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Transport.Kind = "nats"
	cfg.Topics.ReplyStrategy = ReplyTopicsSlotted
	cfg.Topics.ReplySlot = 3
	cfg.Client.DefaultTimeout = 0
	cfg.Server.HandlerTimeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport.kind "nats"`)
	assert.Contains(t, err.Error(), "topics.replySlot 3 outside [0,3)")
	assert.Contains(t, err.Error(), "client.defaultTimeout")
	assert.Contains(t, err.Error(), "server.handlerTimeout")
}
