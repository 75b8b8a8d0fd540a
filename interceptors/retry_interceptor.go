package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

// RetryInterceptor re-runs the rest of the chain while the policy allows it
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, rec *contracts.Record, next Handler) (any, error) {
	var result any
	attempt := 0
	err := reliability.Retry(ctx, r.retryPolicy, func() error {
		if attempt > 0 {
			r.logger.Warn("retrying handler",
				"command", rec.Command(),
				"attempt", attempt+1)
		}
		attempt++

		var err error
		result, err = next.Handle(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Name implements Interceptor
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
