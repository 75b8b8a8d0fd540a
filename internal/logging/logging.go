// Package logging builds the process slog handler on top of zap.
package logging

import (
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/glimte/mmate-rpc/pkg/logattr"
)

// NewZapLogger builds a JSON zap logger writing to stderr at the given level
// ("debug", "info", "warn", "error")
func NewZapLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       false,
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build()
}

// New returns a slog logger backed by zap, tagged with the service name, and
// a sync func to flush it on exit
func New(service, level string) (*slog.Logger, func() error, error) {
	zapLogger, err := NewZapLogger(level)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(NewHandler(zapLogger.Core())).With(logattr.ServiceName(service))
	return logger, zapLogger.Sync, nil
}

// NewHandler wraps a zap core as a slog handler
func NewHandler(core zapcore.Core) slog.Handler {
	return zapslog.NewHandler(core)
}
