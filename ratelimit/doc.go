// Package ratelimit provides per-key admission control.
//
// A Limiter evaluates requests against one of four strategies (token bucket,
// sliding window, fixed window, leaky bucket) keyed by a configurable
// extraction function. Rejected keys can be blocked for a fixed duration to
// prevent re-admission flapping, and a background sweeper evicts idle
// entries. With a DistributedStore the admission check is delegated to a
// shared atomic counter (Redis), falling back to the local path when the
// store is unreachable.
package ratelimit
