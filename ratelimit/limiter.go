package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KeyFunc extracts the admission key from a request context
type KeyFunc func(ctx context.Context) string

type contextKey struct{}

// ContextWithKey attaches an admission key to the context for the default KeyFunc
func ContextWithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// DefaultKeyFunc reads the key set by ContextWithKey, falling back to "global"
func DefaultKeyFunc(ctx context.Context) string {
	if key, ok := ctx.Value(contextKey{}).(string); ok && key != "" {
		return key
	}
	return "global"
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimitError is the synthetic rejection carrying a retry-after hint
type RateLimitError struct {
	Key        string
	Algorithm  Algorithm
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s, retry after %v)",
		e.Key, e.Algorithm, e.RetryAfter.Round(time.Millisecond))
}

// IsRateLimited reports whether err is a rate limiter rejection
func IsRateLimited(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// DistributedStore delegates the admission check to an external atomic store
type DistributedStore interface {
	// Allow atomically checks and increments the remote counter for key
	Allow(ctx context.Context, key string, cost, max int, window time.Duration) (Decision, error)
}

// Limiter provides per-key admission control
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxRequests    int
	window         time.Duration
	algorithm      Algorithm
	blockDuration  time.Duration
	keyFunc        KeyFunc
	sweepInterval  time.Duration
	staleAfter     time.Duration
	skipSuccessful bool
	skipFailed     bool
	store          DistributedStore
	logger         *slog.Logger

	cancelSweep context.CancelFunc
	running     bool

	totalAllowed int64
	totalDenied  int64
}

// Option configures the limiter
type Option func(*Limiter)

// WithMaxRequests sets the admission budget per window
func WithMaxRequests(n int) Option {
	return func(l *Limiter) {
		l.maxRequests = n
	}
}

// WithWindow sets the admission window
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.window = d
	}
}

// WithAlgorithm selects the admission strategy
func WithAlgorithm(a Algorithm) Option {
	return func(l *Limiter) {
		l.algorithm = a
	}
}

// WithBlockDuration sets how long a key stays blocked after a rejection
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) {
		l.blockDuration = d
	}
}

// WithKeyFunc sets the key extraction function
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		l.keyFunc = fn
	}
}

// WithSweepInterval sets how often stale entries are evicted
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = d
	}
}

// WithStaleAfter sets the inactivity period after which an entry is evicted
func WithStaleAfter(d time.Duration) Option {
	return func(l *Limiter) {
		l.staleAfter = d
	}
}

// WithSkipSuccessful makes Consume ignore accounting for successful calls
func WithSkipSuccessful(skip bool) Option {
	return func(l *Limiter) {
		l.skipSuccessful = skip
	}
}

// WithSkipFailed makes Consume ignore accounting for failed calls
func WithSkipFailed(skip bool) Option {
	return func(l *Limiter) {
		l.skipFailed = skip
	}
}

// WithDistributedStore delegates admission to an external atomic store,
// falling back to the in-memory path when the store errors
func WithDistributedStore(store DistributedStore) Option {
	return func(l *Limiter) {
		l.store = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter
func New(options ...Option) *Limiter {
	l := &Limiter{
		entries:       make(map[string]*entry),
		maxRequests:   100,
		window:        time.Minute,
		algorithm:     TokenBucket,
		blockDuration: 0,
		keyFunc:       DefaultKeyFunc,
		sweepInterval: time.Minute,
		staleAfter:    10 * time.Minute,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Allow evaluates one admission request of the given cost. The returned
// Decision always carries a RetryAfter hint on rejection.
func (l *Limiter) Allow(ctx context.Context, cost int) Decision {
	key := l.keyFunc(ctx)
	if cost <= 0 {
		cost = 1
	}

	if l.store != nil {
		decision, err := l.store.Allow(ctx, key, cost, l.maxRequests, l.window)
		if err == nil {
			l.recordDecision(key, decision)
			return decision
		}
		l.logger.Warn("distributed rate limit check failed, falling back to local",
			"key", key, "error", err)
	}

	return l.allowLocal(key, cost, time.Now())
}

// AllowKey is Allow with an explicit key, bypassing the KeyFunc
func (l *Limiter) AllowKey(ctx context.Context, key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	if l.store != nil {
		decision, err := l.store.Allow(ctx, key, cost, l.maxRequests, l.window)
		if err == nil {
			l.recordDecision(key, decision)
			return decision
		}
		l.logger.Warn("distributed rate limit check failed, falling back to local",
			"key", key, "error", err)
	}
	return l.allowLocal(key, cost, time.Now())
}

func (l *Limiter) allowLocal(key string, cost int, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.lastSeen = now

	// A blocked key rejects everything until the block elapses, regardless
	// of strategy recovery.
	if now.Before(e.blockedUntil) {
		l.totalDenied++
		return Decision{RetryAfter: e.blockedUntil.Sub(now)}
	}

	decision := l.decide(e, now, cost)
	if decision.Allowed {
		l.totalAllowed++
		return decision
	}

	l.totalDenied++
	if l.blockDuration > 0 {
		e.blockedUntil = now.Add(l.blockDuration)
		if decision.RetryAfter < l.blockDuration {
			decision.RetryAfter = l.blockDuration
		}
	}
	return decision
}

// Check converts a rejection into a typed error, or nil when admitted
func (l *Limiter) Check(ctx context.Context, cost int) error {
	decision := l.Allow(ctx, cost)
	if decision.Allowed {
		return nil
	}
	return &RateLimitError{
		Key:        l.keyFunc(ctx),
		Algorithm:  l.algorithm,
		RetryAfter: decision.RetryAfter,
	}
}

// Consume records usage after a call completed. Depending on configuration
// it can skip accounting for successful or failed calls, for budgets where
// only one class of outcome should count.
func (l *Limiter) Consume(ctx context.Context, cost int, success bool) Decision {
	if success && l.skipSuccessful {
		return Decision{Allowed: true}
	}
	if !success && l.skipFailed {
		return Decision{Allowed: true}
	}
	return l.Allow(ctx, cost)
}

func (l *Limiter) recordDecision(key string, d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.Allowed {
		l.totalAllowed++
	} else {
		l.totalDenied++
	}
}

// Start launches the stale-entry sweeper
func (l *Limiter) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelSweep = cancel
	l.running = true
	go l.sweepLoop(ctx)
}

// Stop tears down the sweeper
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.cancelSweep()
	l.running = false
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep evicts entries with no recent activity
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.staleAfter && now.After(e.blockedUntil) {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("swept stale rate limit entries", "removed", removed, "remaining", len(l.entries))
	}
}

// Metrics is a snapshot of limiter counters
type Metrics struct {
	Keys         int
	TotalAllowed int64
	TotalDenied  int64
	Timestamp    time.Time
}

// Metrics returns a snapshot of limiter counters
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Metrics{
		Keys:         len(l.entries),
		TotalAllowed: l.totalAllowed,
		TotalDenied:  l.totalDenied,
		Timestamp:    time.Now(),
	}
}
