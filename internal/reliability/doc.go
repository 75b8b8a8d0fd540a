// Package reliability guards transport publishes with retries and a circuit breaker.
//
//   - RetryPolicy: backoff strategies (exponential, fixed) with pluggable error classification
//   - Retry: runs an operation until it succeeds, the policy gives up or ctx ends
//   - CircuitBreaker: stops calling a failing broker until a cool-down has passed
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithOpenTimeout(30 * time.Second),
//	)
//	policy := NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, 3)
//
//	err := Retry(ctx, policy, func() error {
//	    return cb.Execute(ctx, publish)
//	})
package reliability
