package ratelimit

import (
	"time"
)

// Algorithm selects the admission strategy
type Algorithm int

const (
	TokenBucket Algorithm = iota
	SlidingWindow
	FixedWindow
	LeakyBucket
)

func (a Algorithm) String() string {
	switch a {
	case TokenBucket:
		return "token-bucket"
	case SlidingWindow:
		return "sliding-window"
	case FixedWindow:
		return "fixed-window"
	case LeakyBucket:
		return "leaky-bucket"
	default:
		return "unknown"
	}
}

// entry holds per-key admission state. All mutation happens under the
// limiter mutex; strategies are pure steps on (entry, now).
type entry struct {
	tokens       float64
	lastRefill   time.Time
	timestamps   []time.Time
	count        int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// decide evaluates one admission request against the entry for the
// configured algorithm. The entry is mutated only when the request is
// admitted, except refill/leak accounting which always advances.
func (l *Limiter) decide(e *entry, now time.Time, cost int) Decision {
	switch l.algorithm {
	case TokenBucket:
		return l.decideTokenBucket(e, now, cost)
	case SlidingWindow:
		return l.decideSlidingWindow(e, now, cost)
	case FixedWindow:
		return l.decideFixedWindow(e, now, cost)
	case LeakyBucket:
		return l.decideLeakyBucket(e, now, cost)
	default:
		return Decision{Allowed: true}
	}
}

// decideTokenBucket refills tokens continuously at maxRequests per window
func (l *Limiter) decideTokenBucket(e *entry, now time.Time, cost int) Decision {
	if e.lastRefill.IsZero() {
		e.tokens = float64(l.maxRequests)
	} else {
		elapsed := now.Sub(e.lastRefill)
		e.tokens += elapsed.Seconds() * float64(l.maxRequests) / l.window.Seconds()
		if e.tokens > float64(l.maxRequests) {
			e.tokens = float64(l.maxRequests)
		}
	}
	e.lastRefill = now

	if e.tokens >= float64(cost) {
		e.tokens -= float64(cost)
		return Decision{Allowed: true, Remaining: int(e.tokens)}
	}

	deficit := float64(cost) - e.tokens
	retryAfter := time.Duration(deficit * float64(l.window) / float64(l.maxRequests))
	return Decision{Remaining: int(e.tokens), RetryAfter: retryAfter}
}

// decideSlidingWindow prunes the timestamp log to the window and counts it
func (l *Limiter) decideSlidingWindow(e *entry, now time.Time, cost int) Decision {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(e.timestamps); i++ {
		if e.timestamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[i:]...)
	}

	if len(e.timestamps)+cost <= l.maxRequests {
		for j := 0; j < cost; j++ {
			e.timestamps = append(e.timestamps, now)
		}
		return Decision{Allowed: true, Remaining: l.maxRequests - len(e.timestamps)}
	}

	retryAfter := time.Duration(0)
	if len(e.timestamps) > 0 {
		retryAfter = e.timestamps[0].Add(l.window).Sub(now)
	}
	return Decision{Remaining: l.maxRequests - len(e.timestamps), RetryAfter: retryAfter}
}

// decideFixedWindow resets a plain counter when the window elapses
func (l *Limiter) decideFixedWindow(e *entry, now time.Time, cost int) Decision {
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= l.window {
		e.windowStart = now
		e.count = 0
	}

	if e.count+cost <= l.maxRequests {
		e.count += cost
		return Decision{Allowed: true, Remaining: l.maxRequests - e.count}
	}

	return Decision{
		Remaining:  l.maxRequests - e.count,
		RetryAfter: e.windowStart.Add(l.window).Sub(now),
	}
}

// decideLeakyBucket leaks accumulated tokens continuously; it smooths bursty
// admission rather than strictly limiting a window
func (l *Limiter) decideLeakyBucket(e *entry, now time.Time, cost int) Decision {
	if !e.lastRefill.IsZero() {
		elapsed := now.Sub(e.lastRefill)
		e.tokens -= elapsed.Seconds() * float64(l.maxRequests) / l.window.Seconds()
		if e.tokens < 0 {
			e.tokens = 0
		}
	}
	e.lastRefill = now

	if e.tokens+float64(cost) <= float64(l.maxRequests) {
		e.tokens += float64(cost)
		return Decision{Allowed: true, Remaining: l.maxRequests - int(e.tokens)}
	}

	overflow := e.tokens + float64(cost) - float64(l.maxRequests)
	retryAfter := time.Duration(overflow * float64(l.window) / float64(l.maxRequests))
	return Decision{Remaining: l.maxRequests - int(e.tokens), RetryAfter: retryAfter}
}
