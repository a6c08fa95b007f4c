// Package retry re-attempts fallible operations with configurable backoff.
//
// An Executor runs an operation up to a maximum attempt count, waiting
// between attempts according to a Strategy (exponential, linear, fixed,
// fibonacci or decorrelated jitter). Errors pass through a pluggable
// classifier: non-retryable errors abort immediately, everything else is
// retried until success, exhaustion or a total-timeout ceiling. Each attempt
// can optionally be routed through a circuit breaker.
package retry
