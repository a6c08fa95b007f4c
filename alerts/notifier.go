package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Level represents the severity of an alert
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert represents one active or resolved condition
type Alert struct {
	ID          string         `json:"id"`
	Level       Level          `json:"level"`
	Component   string         `json:"component"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Occurrences int            `json:"occurrences"`
	FirstSeen   time.Time      `json:"firstSeen"`
	LastSeen    time.Time      `json:"lastSeen"`
}

// Handler defines the interface for alert sinks
type Handler interface {
	HandleAlert(ctx context.Context, alert *Alert) error
	Name() string
}

// Notifier deduplicates alerts by key and fans them out to handlers. A
// repeated trigger on the same key bumps occurrences instead of re-sending;
// resolving a key sends the resolved alert once. Deliveries are queued and
// drained by one goroutine, so handlers always see a trigger before the
// resolve that closes it.
type Notifier struct {
	mu           sync.Mutex
	active       map[string]*Alert
	handlers     []Handler
	pending      []*Alert
	draining     bool
	logger       *slog.Logger
	sendTimeout  time.Duration
	retainPeriod time.Duration
}

// Option configures the notifier
type Option func(*Notifier)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithSendTimeout bounds each handler invocation
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		n.sendTimeout = d
	}
}

// WithRetainPeriod sets how long resolved alerts are kept before cleanup
func WithRetainPeriod(d time.Duration) Option {
	return func(n *Notifier) {
		n.retainPeriod = d
	}
}

// NewNotifier creates an alert notifier
func NewNotifier(handlers []Handler, options ...Option) *Notifier {
	n := &Notifier{
		active:       make(map[string]*Alert),
		handlers:     handlers,
		logger:       slog.Default(),
		sendTimeout:  30 * time.Second,
		retainPeriod: time.Hour,
	}

	for _, opt := range options {
		opt(n)
	}

	return n
}

// AddHandler registers an additional sink
func (n *Notifier) AddHandler(handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

// Trigger raises or refreshes the alert identified by key. details is
// copied, so the caller's map stays its own.
func (n *Notifier) Trigger(key string, level Level, component, message string, details map[string]any) {
	details = copyDetails(details)

	n.mu.Lock()
	now := time.Now()

	if existing, ok := n.active[key]; ok && !existing.Resolved {
		existing.Occurrences++
		existing.LastSeen = now
		existing.Message = message
		existing.Details = details
		n.mu.Unlock()

		n.logger.Debug("alert refreshed", "key", key, "occurrences", existing.Occurrences)
		return
	}

	alert := &Alert{
		ID:          fmt.Sprintf("%s_%d", key, now.UnixNano()),
		Level:       level,
		Component:   component,
		Message:     message,
		Details:     details,
		Timestamp:   now,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	n.active[key] = alert
	snapshot := *alert
	n.enqueueLocked(&snapshot)
	n.mu.Unlock()

	n.logger.Warn("alert triggered",
		"key", key, "level", level, "component", component, "message", message)
}

// Resolve marks the alert identified by key as resolved and notifies once
func (n *Notifier) Resolve(key string) {
	n.mu.Lock()
	alert, ok := n.active[key]
	if !ok || alert.Resolved {
		n.mu.Unlock()
		return
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	snapshot := *alert
	n.enqueueLocked(&snapshot)
	n.mu.Unlock()

	n.logger.Info("alert resolved",
		"key", key, "duration", now.Sub(snapshot.FirstSeen).String(), "occurrences", snapshot.Occurrences)
}

// Active returns copies of all unresolved alerts
func (n *Notifier) Active() []*Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Alert, 0, len(n.active))
	for _, alert := range n.active {
		if !alert.Resolved {
			copied := *alert
			out = append(out, &copied)
		}
	}
	return out
}

// Cleanup drops resolved alerts older than the retain period
func (n *Notifier) Cleanup() {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := time.Now().Add(-n.retainPeriod)
	for key, alert := range n.active {
		if alert.Resolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(n.active, key)
		}
	}
}

// enqueueLocked appends a delivery and ensures one drain goroutine is
// running. Callers hold n.mu. The queue preserves trigger/resolve order.
func (n *Notifier) enqueueLocked(alert *Alert) {
	n.pending = append(n.pending, alert)
	if n.draining {
		return
	}
	n.draining = true
	go n.drain()
}

func (n *Notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.draining = false
			n.mu.Unlock()
			return
		}
		alert := n.pending[0]
		n.pending = n.pending[1:]
		handlers := n.handlers
		n.mu.Unlock()

		n.send(handlers, alert)
	}
}

func copyDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return copied
}

func (n *Notifier) send(handlers []Handler, alert *Alert) {
	for _, handler := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
		if err := handler.HandleAlert(ctx, alert); err != nil {
			n.logger.Error("alert handler failed",
				"handler", handler.Name(), "alert", alert.ID, "error", err)
		}
		cancel()
	}
}

// LogHandler writes alerts to a structured log
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a log-backed alert sink
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Name() string {
	return "log"
}

func (h *LogHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	attrs := []any{
		"id", alert.ID,
		"component", alert.Component,
		"message", alert.Message,
		"occurrences", alert.Occurrences,
	}
	if alert.Resolved {
		h.logger.Info("alert resolved", attrs...)
		return nil
	}
	switch alert.Level {
	case LevelCritical:
		h.logger.Error("critical alert", attrs...)
	case LevelWarning:
		h.logger.Warn("warning alert", attrs...)
	default:
		h.logger.Info("info alert", attrs...)
	}
	return nil
}
