package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/glimte/mmate-rpc/pkg/logattr"
)

func TestNewZapLogger_Levels(t *testing.T) {
	l, err := NewZapLogger("warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = NewZapLogger("loud")
	assert.Error(t, err)
}

func TestNewHandler_AttributesReachZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := slog.New(NewHandler(core)).With(logattr.Component("bank.Service"))

	logger.Info("deposit processed", logattr.RequestID("r-1"), logattr.Command("REQUEST_DEPOSIT"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "deposit processed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "bank.Service", fields["component"])
	assert.Equal(t, "r-1", fields["request_id"])
	assert.Equal(t, "REQUEST_DEPOSIT", fields["cmd"])
}

func TestNew(t *testing.T) {
	logger, sync, err := New("mmate-rpc", "info")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, sync)
}
