// Package interceptors wraps request handlers with cross-cutting behaviour.
//
// A Chain runs its interceptors in the order they were added, with the final
// handler called last. Built-in interceptors:
//   - LoggingInterceptor: logs each handled record with timing information
//   - MetricsInterceptor: records handling duration and outcome per command
//   - RecoveryInterceptor: turns handler panics into errors
//   - TimeoutInterceptor: bounds handling time
//   - RetryInterceptor: retries failed handling with a reliability.RetryPolicy
//   - CommandFilterInterceptor: skips records whose command is not accepted
//
// Example usage:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewRetryInterceptor(policy))
//
//	result, err := chain.Execute(ctx, rec, handler)
package interceptors
