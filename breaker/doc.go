// Package breaker implements the circuit breaker pattern.
//
// A CircuitBreaker protects one downstream target with a
// closed/open/half-open state machine: consecutive failures or a rolling
// window error rate trip the circuit, calls fast-fail while it is open, and
// after a timeout a bounded number of trial calls probe for recovery. A Group
// manages one breaker per string key, created lazily on first use.
//
// Example usage:
//
//	cb := breaker.New(
//	    breaker.WithFailureThreshold(5),
//	    breaker.WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return riskyOperation(ctx)
//	})
package breaker
