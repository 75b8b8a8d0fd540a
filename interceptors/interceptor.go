package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/pkg/logattr"
)

// Handler handles a record and returns the value to reply with
type Handler interface {
	Handle(ctx context.Context, rec *contracts.Record) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, rec *contracts.Record) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, rec *contracts.Record) (any, error) {
	return f(ctx, rec)
}

// Interceptor processes records before they reach the final handler
type Interceptor interface {
	// Intercept processes a record and calls the next handler in the chain
	Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, rec *contracts.Record, next Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, rec *contracts.Record, next Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	return i.fn(ctx, rec, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages a chain of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates a new interceptor chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add adds an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs rec through the chain and then final
func (c *Chain) Execute(ctx context.Context, rec *contracts.Record, final Handler) (any, error) {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, rec *contracts.Record) (any, error) {
			return interceptor.Intercept(ctx, rec, next)
		})
	}

	return handler.Handle(ctx, rec)
}

// LoggingInterceptor logs record processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	start := time.Now()
	correlationID, _ := rec.CorrelationID()

	i.logger.Debug("handling record",
		"command", rec.Command(),
		"correlationId", correlationID,
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
	)

	result, err := next.Handle(ctx, rec)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("record handling failed",
			"command", rec.Command(),
			logattr.CorrelationID(correlationID),
			logattr.Duration(duration),
			logattr.Error(err),
		)
	} else {
		i.logger.Info("record handled",
			"command", rec.Command(),
			logattr.CorrelationID(correlationID),
			logattr.Duration(duration),
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-command handling metrics
type MetricsCollector interface {
	RecordHandled(command string, duration time.Duration, success bool)
}

// MetricsInterceptor collects metrics about record handling
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	start := time.Now()
	result, err := next.Handle(ctx, rec)
	i.collector.RecordHandled(rec.Command().String(), time.Since(start), err == nil)
	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// PanicError is returned in place of a handler panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// RecoveryInterceptor converts handler panics into a *PanicError
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			i.logger.Error("recovered handler panic",
				"command", rec.Command(),
				"panic", r,
				"stack", string(stack),
			)
			result, err = nil, &PanicError{Value: r, Stack: stack}
		}
	}()

	return next.Handle(ctx, rec)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds the context handlers run with
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := next.Handle(timeoutCtx, rec)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("handling %s timed out after %v: %w", rec.Command(), i.timeout, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
