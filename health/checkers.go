package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glimte/resilience-go/breaker"
	"github.com/glimte/resilience-go/dlq"
	"github.com/glimte/resilience-go/ratelimit"
)

// BreakerChecker reports a circuit breaker's state as a health status: open
// is unhealthy, half-open is degraded.
type BreakerChecker struct {
	name string
	cb   *breaker.CircuitBreaker
}

// NewBreakerChecker creates a checker for one circuit breaker
func NewBreakerChecker(name string, cb *breaker.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, cb: cb}
}

func (c *BreakerChecker) Name() string {
	return c.name
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.cb.Metrics()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details: map[string]any{
			"state":               m.State.String(),
			"totalRequests":       m.TotalRequests,
			"totalFailures":       m.TotalFailures,
			"totalRejections":     m.TotalRejections,
			"consecutiveFailures": m.ConsecutiveFailures,
		},
	}

	switch m.State {
	case breaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "circuit is open"
	case breaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit is probing recovery"
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}

// GroupChecker reports the worst state across a breaker group
type GroupChecker struct {
	name  string
	group *breaker.Group
}

// NewGroupChecker creates a checker covering every breaker in a group
func NewGroupChecker(name string, group *breaker.Group) *GroupChecker {
	return &GroupChecker{name: name, group: group}
}

func (c *GroupChecker) Name() string {
	return c.name
}

func (c *GroupChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	states := c.group.States()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Details:   map[string]any{"circuits": len(states)},
	}

	open := 0
	halfOpen := 0
	for _, state := range states {
		switch state {
		case breaker.StateOpen:
			open++
		case breaker.StateHalfOpen:
			halfOpen++
		}
	}
	result.Details["open"] = open
	result.Details["halfOpen"] = halfOpen

	switch {
	case open > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d circuits open", open, len(states))
	case halfOpen > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d circuits probing recovery", halfOpen, len(states))
	}

	result.Duration = time.Since(start)
	return result
}

// LimiterChecker reports a rate limiter as degraded when its rejection ratio
// crosses a threshold, signalling sustained pressure.
type LimiterChecker struct {
	name      string
	limiter   *ratelimit.Limiter
	threshold float64
}

// NewLimiterChecker creates a checker for a rate limiter. threshold is the
// rejection ratio above which the limiter reports degraded; <= 0 uses 0.5.
func NewLimiterChecker(name string, limiter *ratelimit.Limiter, threshold float64) *LimiterChecker {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &LimiterChecker{name: name, limiter: limiter, threshold: threshold}
}

func (c *LimiterChecker) Name() string {
	return c.name
}

func (c *LimiterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.limiter.Metrics()
	total := m.TotalAllowed + m.TotalDenied

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Details: map[string]any{
			"keys":    m.Keys,
			"allowed": m.TotalAllowed,
			"denied":  m.TotalDenied,
		},
	}

	if total > 0 {
		ratio := float64(m.TotalDenied) / float64(total)
		result.Details["rejectionRatio"] = ratio
		if ratio >= c.threshold {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("rejection ratio %.2f above %.2f", ratio, c.threshold)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker reports a dead letter queue's depth: degraded past a warning
// threshold, unhealthy when messages have permanently expired since the
// previous probe. Check may run concurrently (scheduled loop, auto-recovery,
// on-demand HTTP probes), so the expiry watermark is atomic.
type QueueChecker struct {
	name       string
	queue      *dlq.Queue
	warnDepth  int
	lastExpiry atomic.Int64
}

// NewQueueChecker creates a checker for a dead letter queue. warnDepth is the
// queue depth above which health degrades; <= 0 uses 100.
func NewQueueChecker(name string, queue *dlq.Queue, warnDepth int) *QueueChecker {
	if warnDepth <= 0 {
		warnDepth = 100
	}
	return &QueueChecker{name: name, queue: queue, warnDepth: warnDepth}
}

func (c *QueueChecker) Name() string {
	return c.name
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	m := c.queue.Metrics()

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Details: map[string]any{
			"depth":     m.Depth,
			"recovered": m.TotalRecovered,
			"expired":   m.TotalExpired,
		},
	}

	expiredSinceLast := m.TotalExpired - c.lastExpiry.Swap(m.TotalExpired)

	switch {
	case expiredSinceLast > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d messages permanently expired", expiredSinceLast)
	case m.Depth >= c.warnDepth:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue depth %d above %d", m.Depth, c.warnDepth)
	}

	result.Duration = time.Since(start)
	return result
}
