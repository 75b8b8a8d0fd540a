package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-rpc/contracts"
)

// ErrFiltered is returned by a filter configured with SkipWithError
var ErrFiltered = errors.New("record filtered")

// SkipBehavior defines what happens when a record is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the record without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered
	SkipWithError
	// SkipWithLog logs that the record was skipped
	SkipWithLog
)

// CommandFilterInterceptor only lets records through whose command is accepted
type CommandFilterInterceptor struct {
	accept       func(contracts.Command) bool
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewCommandFilterInterceptor creates a filter that accepts commands for which accept returns true
func NewCommandFilterInterceptor(accept func(contracts.Command) bool, skipBehavior SkipBehavior, logger *slog.Logger) *CommandFilterInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &CommandFilterInterceptor{
		accept:       accept,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// AllowCommands accepts exactly the listed commands
func AllowCommands(cmds ...contracts.Command) func(contracts.Command) bool {
	set := make(map[contracts.Command]struct{}, len(cmds))
	for _, c := range cmds {
		set[c] = struct{}{}
	}
	return func(c contracts.Command) bool {
		_, ok := set[c]
		return ok
	}
}

// Intercept implements Interceptor
func (i *CommandFilterInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	cmd := rec.Command()
	if i.accept(cmd) {
		return next.Handle(ctx, rec)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return nil, fmt.Errorf("%w: command %q", ErrFiltered, cmd)
	case SkipWithLog:
		i.logger.Info("skipping record", "command", cmd, "topic", rec.Topic)
	}
	return nil, nil
}

// Name implements Interceptor
func (i *CommandFilterInterceptor) Name() string {
	return "CommandFilterInterceptor"
}
