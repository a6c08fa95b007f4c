package health

import (
	"context"
	"time"
)

// Status represents a health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckType classifies what a probe gates
type CheckType string

const (
	// TypeLiveness probes whether the process should be restarted
	TypeLiveness CheckType = "liveness"
	// TypeReadiness probes whether the process should receive traffic
	TypeReadiness CheckType = "readiness"
	// TypeStartup probes whether initialization has completed
	TypeStartup CheckType = "startup"
)

// CheckResult is the outcome of a single probe run
type CheckResult struct {
	Name      string         `json:"name"`
	Type      CheckType      `json:"type,omitempty"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Overall is the aggregated system health
type Overall struct {
	Status              Status                 `json:"status"`
	Timestamp           time.Time              `json:"timestamp"`
	Uptime              time.Duration          `json:"uptime"`
	LastHealthy         time.Time              `json:"lastHealthy,omitempty"`
	ConsecutiveFailures int                    `json:"consecutiveFailures,omitempty"`
	Checks              map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health probes
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// SimpleChecker adapts a plain error-returning probe to a Checker
type SimpleChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func NewSimpleChecker(name string, fn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, fn: fn}
}

func (c *SimpleChecker) Name() string {
	return c.name
}

func (c *SimpleChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
	}
	if err := c.fn(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}
