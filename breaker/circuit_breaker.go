package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// StateChangeFunc adapts a function to the StateChangeListener interface
type StateChangeFunc func(name string, from, to State, reason string)

func (f StateChangeFunc) OnStateChange(name string, from, to State, reason string) {
	f(name, from, to, reason)
}

// Probe is an optional recovery check run asynchronously when the breaker
// enters half-open. A nil error is recorded as a synthetic success.
type Probe func(ctx context.Context) error

// outcome is one entry in the rolling window
type outcome struct {
	at      time.Time
	failure bool
}

// CircuitBreaker implements the circuit breaker pattern for a single
// protected target. Use Group for per-key breakers.
type CircuitBreaker struct {
	mu                   sync.RWMutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	lastSuccessTime      time.Time
	totalRequests        int64
	totalFailures        int64
	totalSuccesses       int64
	totalRejections      int64
	halfOpenCalls        int
	window               []outcome

	// Configuration
	failureThreshold int
	successThreshold int
	volumeThreshold  int
	errorPercentage  float64
	windowSize       time.Duration
	timeout          time.Duration
	callTimeout      time.Duration
	name             string
	fallback         func(ctx context.Context, cause error) error
	probe            Probe
	logger           *slog.Logger

	// Listeners
	listeners []StateChangeListener

	// Background window eviction
	evictInterval time.Duration
	cancelEvict   context.CancelFunc
	running       bool
}

// Option configures the circuit breaker
type Option func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failure count that opens the circuit
func WithFailureThreshold(threshold int) Option {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the consecutive successes required to close from half-open
func WithSuccessThreshold(threshold int) Option {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithVolumeThreshold sets the minimum rolling-window call volume before the
// error percentage condition is evaluated
func WithVolumeThreshold(volume int) Option {
	return func(cb *CircuitBreaker) {
		cb.volumeThreshold = volume
	}
}

// WithErrorPercentage sets the rolling-window error rate (0..1) that opens the circuit
func WithErrorPercentage(pct float64) Option {
	return func(cb *CircuitBreaker) {
		cb.errorPercentage = pct
	}
}

// WithWindowSize sets the rolling window duration
func WithWindowSize(size time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.windowSize = size
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithCallTimeout bounds each protected call independently of any retry-level timeout
func WithCallTimeout(timeout time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.callTimeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFallback sets a fallback invoked when a call is rejected with the circuit open
func WithFallback(fn func(ctx context.Context, cause error) error) Option {
	return func(cb *CircuitBreaker) {
		cb.fallback = fn
	}
}

// WithProbe sets an asynchronous recovery probe run on entering half-open
func WithProbe(probe Probe) Option {
	return func(cb *CircuitBreaker) {
		cb.probe = probe
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithEvictInterval sets how often stale window entries are evicted
func WithEvictInterval(interval time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.evictInterval = interval
	}
}

// New creates a new circuit breaker
func New(options ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		volumeThreshold:  10,
		errorPercentage:  0.5,
		windowSize:       60 * time.Second,
		timeout:          30 * time.Second,
		evictInterval:    10 * time.Second,
		name:             "default",
		logger:           slog.Default(),
		listeners:        make([]StateChangeListener, 0),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs a function with circuit breaker protection. When the circuit
// is open and the timeout has not elapsed the call is rejected fast with a
// *CircuitBreakerError, or resolved through the configured fallback.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.canExecute(ctx); err != nil {
		if cb.fallback != nil {
			return cb.fallback(ctx, err)
		}
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := cb.call(ctx, fn)
	cb.recordResult(err)
	return err
}

// call runs fn under the optional per-call timeout, racing the operation
// against the timer and discarding the loser.
func (cb *CircuitBreaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.callTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("circuit breaker %s: call timed out after %v: %w", cb.name, cb.callTimeout, callCtx.Err())
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker back to closed with cleared counters. Used for
// administrative recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenCalls = 0
	cb.window = cb.window[:0]
	cb.mu.Unlock()

	if oldState != StateClosed {
		cb.notifyStateChange(oldState, StateClosed, "manual reset")
	}
}

// canExecute checks if execution is allowed, transitioning open -> half-open
// once the timeout has elapsed.
func (cb *CircuitBreaker) canExecute(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if time.Now().After(nextRetry) {
			cb.transitionLocked(StateHalfOpen, "timeout expired")
			cb.halfOpenCalls++
			if cb.probe != nil {
				go cb.runProbe(ctx)
			}
			return nil
		}
		cb.totalRejections++
		return &CircuitBreakerError{
			Name:             cb.name,
			State:            cb.state,
			Failures:         cb.consecutiveFailures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		// Trial calls are bounded by the success threshold
		if cb.halfOpenCalls >= cb.successThreshold {
			cb.totalRejections++
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            cb.state,
				Failures:         cb.consecutiveFailures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        time.Now().Add(time.Second),
			}
		}
		cb.halfOpenCalls++
		return nil

	default:
		return ErrUnknownState
	}
}

// runProbe executes the recovery probe and records its outcome as a synthetic result
func (cb *CircuitBreaker) runProbe(ctx context.Context) {
	probeCtx := context.WithoutCancel(ctx)
	if cb.callTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(probeCtx, cb.callTimeout)
		defer cancel()
	}

	err := cb.probe(probeCtx)
	if err != nil {
		cb.logger.Debug("recovery probe failed", "breaker", cb.name, "error", err)
		return
	}

	cb.mu.RLock()
	halfOpen := cb.state == StateHalfOpen
	cb.mu.RUnlock()
	if halfOpen {
		cb.recordResult(nil)
	}
}

// recordResult records the result of an execution and drives state transitions
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.window = append(cb.window, outcome{at: now, failure: err != nil})
	cb.evictLocked(now)

	if err != nil {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		cb.totalFailures++
		cb.lastFailureTime = now

		switch cb.state {
		case StateClosed:
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.transitionLocked(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)",
					cb.consecutiveFailures, cb.failureThreshold))
			} else if cb.shouldTripLocked() {
				cb.transitionLocked(StateOpen, "window error rate above threshold")
			}

		case StateHalfOpen:
			// Single failure in half-open moves back to open and restarts the timeout
			cb.transitionLocked(StateOpen, "failure in half-open state")
		}
		return
	}

	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0
	cb.totalSuccesses++
	cb.lastSuccessTime = now

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.successThreshold {
		cb.transitionLocked(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)",
			cb.consecutiveSuccesses, cb.successThreshold))
	}
}

// shouldTripLocked evaluates both trip conditions: consecutive failures, or
// sufficient window volume with the error rate above the threshold.
func (cb *CircuitBreaker) shouldTripLocked() bool {
	if cb.consecutiveFailures >= cb.failureThreshold {
		return true
	}
	if cb.volumeThreshold <= 0 || len(cb.window) < cb.volumeThreshold {
		return false
	}
	failures := 0
	for _, o := range cb.window {
		if o.failure {
			failures++
		}
	}
	return float64(failures)/float64(len(cb.window)) >= cb.errorPercentage
}

// transitionLocked changes state and notifies listeners. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpenCalls = 0
	if to == StateHalfOpen {
		cb.consecutiveSuccesses = 0
	}

	// Copy so callbacks run without the lock
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	name := cb.name

	cb.logger.Info("circuit breaker state change",
		"breaker", name, "from", from.String(), "to", to.String(), "reason", reason)

	for _, listener := range listeners {
		go listener.OnStateChange(name, from, to, reason)
	}
}

// notifyStateChange notifies listeners of a transition applied outside recordResult
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	cb.mu.RLock()
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.mu.RUnlock()

	for _, listener := range listeners {
		go listener.OnStateChange(cb.name, from, to, reason)
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Start launches the background window eviction loop
func (cb *CircuitBreaker) Start() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cb.cancelEvict = cancel
	cb.running = true
	go cb.evictLoop(ctx)
}

// Stop tears down the eviction loop
func (cb *CircuitBreaker) Stop() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.running {
		return
	}
	cb.cancelEvict()
	cb.running = false
}

func (cb *CircuitBreaker) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(cb.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.mu.Lock()
			cb.evictLocked(time.Now())
			cb.mu.Unlock()
		}
	}
}

// evictLocked drops window entries older than the window size. Callers hold cb.mu.
func (cb *CircuitBreaker) evictLocked(now time.Time) {
	cutoff := now.Add(-cb.windowSize)
	i := 0
	for ; i < len(cb.window); i++ {
		if cb.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.window = append(cb.window[:0], cb.window[i:]...)
	}
}

// Metrics returns a point-in-time snapshot of breaker counters
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		Name:                 cb.name,
		State:                cb.state,
		TotalRequests:        cb.totalRequests,
		TotalFailures:        cb.totalFailures,
		TotalSuccesses:       cb.totalSuccesses,
		TotalRejections:      cb.totalRejections,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		WindowCalls:          len(cb.window),
		LastFailureTime:      cb.lastFailureTime,
		LastSuccessTime:      cb.lastSuccessTime,
		Timestamp:            time.Now(),
	}
}

// Metrics represents circuit breaker metrics
type Metrics struct {
	Name                 string
	State                State
	TotalRequests        int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejections      int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	WindowCalls          int
	LastFailureTime      time.Time
	LastSuccessTime      time.Time
	Timestamp            time.Time
}
