package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNonRetryable marks errors that must never be retried. Wrap a cause
	// with Permanent to classify it.
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// ErrTotalTimeout indicates the total timeout budget was exhausted before
	// the operation succeeded.
	ErrTotalTimeout = errors.New("retry: total timeout exceeded")
)

// RetryError aggregates an exhausted retry run, carrying the last underlying error.
type RetryError struct {
	Attempts    int
	MaxAttempts int
	Duration    time.Duration
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// permanentError wraps a cause while marking it non-retryable
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Is(target error) bool {
	return target == ErrNonRetryable
}

// Permanent marks err as non-retryable; the executor aborts after one attempt
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classifier decides whether an error is worth retrying
type Classifier func(err error) bool

// DefaultClassifier retries everything except context cancellations,
// explicitly permanent errors, and errors exposing Retryable() bool as false.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNonRetryable) {
		return false
	}
	type retryable interface {
		Retryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Breaker optionally wraps each individual attempt
type Breaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// OnRetryFunc fires before each wait, with the failed attempt number, its
// error and the upcoming delay
type OnRetryFunc func(attempt int, err error, nextDelay time.Duration)

// Executor re-attempts fallible operations with configurable backoff
type Executor struct {
	maxAttempts    int
	strategy       Strategy
	jitterFactor   float64
	attemptTimeout time.Duration
	totalTimeout   time.Duration
	classifier     Classifier
	breaker        Breaker
	onRetry        OnRetryFunc
	logger         *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// Metrics tracks executor counters across executions
type Metrics struct {
	TotalAttempts      int64
	SuccessfulAttempts int64
	FailedAttempts     int64
	TotalRetries       int64
	Delays             []time.Duration
	LastError          error
}

// Option configures the executor
type Option func(*Executor)

// WithMaxAttempts sets the attempt ceiling (including the first call)
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		e.maxAttempts = n
	}
}

// WithStrategy sets the backoff strategy
func WithStrategy(s Strategy) Option {
	return func(e *Executor) {
		e.strategy = s
	}
}

// WithJitterFactor sets the symmetric jitter spread applied to computed delays
func WithJitterFactor(factor float64) Option {
	return func(e *Executor) {
		e.jitterFactor = factor
	}
}

// WithAttemptTimeout bounds each individual attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.attemptTimeout = d
	}
}

// WithTotalTimeout bounds the whole execution including waits
func WithTotalTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.totalTimeout = d
	}
}

// WithClassifier sets the retryable-error predicate
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		e.classifier = c
	}
}

// WithBreaker routes each attempt through a circuit breaker
func WithBreaker(b Breaker) Option {
	return func(e *Executor) {
		e.breaker = b
	}
}

// WithOnRetry sets the per-retry hook
func WithOnRetry(fn OnRetryFunc) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates a retry executor
func NewExecutor(options ...Option) *Executor {
	e := &Executor{
		maxAttempts:  3,
		strategy:     Exponential{Base: 100 * time.Millisecond, Max: 10 * time.Second},
		jitterFactor: 0.1,
		classifier:   DefaultClassifier,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// Execute runs op up to maxAttempts times. It returns nil on the first
// success, the underlying error unchanged when it is classified
// non-retryable, ErrTotalTimeout when the time budget runs out, and an
// aggregate *RetryError on exhaustion.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error
	var prevDelay time.Duration

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Total budget is checked before each attempt; exceeding it aborts
		// without consuming another attempt.
		if e.totalTimeout > 0 && time.Since(start) >= e.totalTimeout {
			return fmt.Errorf("%w after %d attempts: %v", ErrTotalTimeout, attempt-1, lastErr)
		}

		err := e.attempt(ctx, op)
		e.record(err)

		if err == nil {
			return nil
		}
		lastErr = err

		if !e.classifier(err) {
			e.logger.Debug("error classified non-retryable", "attempt", attempt, "error", err)
			return err
		}
		if attempt == e.maxAttempts {
			break
		}

		delay := e.strategy.Delay(attempt, prevDelay)
		if _, decorrelated := e.strategy.(Decorrelated); !decorrelated {
			delay = applyJitter(delay, e.jitterFactor)
		}
		prevDelay = delay

		e.mu.Lock()
		e.metrics.TotalRetries++
		e.metrics.Delays = append(e.metrics.Delays, delay)
		e.mu.Unlock()

		if e.onRetry != nil {
			e.onRetry(attempt, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &RetryError{
		Attempts:    e.maxAttempts,
		MaxAttempts: e.maxAttempts,
		Duration:    time.Since(start),
		LastError:   lastErr,
	}
}

// attempt runs one bounded call, optionally through the circuit breaker
func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	run := op
	if e.breaker != nil {
		run = func(ctx context.Context) error {
			return e.breaker.Execute(ctx, op)
		}
	}

	if e.attemptTimeout <= 0 {
		return run(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("attempt timed out after %v: %w", e.attemptTimeout, attemptCtx.Err())
	}
}

func (e *Executor) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalAttempts++
	if err == nil {
		e.metrics.SuccessfulAttempts++
	} else {
		e.metrics.FailedAttempts++
		e.metrics.LastError = err
	}
}

// Metrics returns a snapshot of executor counters
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.metrics
	snapshot.Delays = append([]time.Duration(nil), e.metrics.Delays...)
	return snapshot
}
