package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Subscriber is notified when the aggregated status changes
type Subscriber func(old, new Status, overall Overall)

// CriticalHandler fires when a critical check exceeds its retry budget
type CriticalHandler func(result CheckResult)

// registeredCheck holds one probe and its schedule
type registeredCheck struct {
	checker             Checker
	checkType           CheckType
	interval            time.Duration
	timeout             time.Duration
	retries             int
	critical            bool
	weight              float64
	consecutiveFailures int
}

// CheckOption configures a registered check
type CheckOption func(*registeredCheck)

// WithInterval sets how often the check runs
func WithInterval(d time.Duration) CheckOption {
	return func(c *registeredCheck) {
		c.interval = d
	}
}

// WithCheckTimeout bounds a single probe run
func WithCheckTimeout(d time.Duration) CheckOption {
	return func(c *registeredCheck) {
		c.timeout = d
	}
}

// WithRetries sets how many consecutive failures are tolerated before a
// critical check raises its critical handler
func WithRetries(n int) CheckOption {
	return func(c *registeredCheck) {
		c.retries = n
	}
}

// WithCritical marks the check as critical
func WithCritical() CheckOption {
	return func(c *registeredCheck) {
		c.critical = true
	}
}

// WithWeight sets the check's weight for weighted aggregation
func WithWeight(w float64) CheckOption {
	return func(c *registeredCheck) {
		c.weight = w
	}
}

// WithType classifies the check
func WithType(t CheckType) CheckOption {
	return func(c *registeredCheck) {
		c.checkType = t
	}
}

// Service schedules registered probes on independent timers and aggregates
// their latest results into one overall status.
type Service struct {
	mu      sync.Mutex
	checks  map[string]*registeredCheck
	results map[string]CheckResult

	strategy     AggregationStrategy
	overall      Status
	started      time.Time
	lastHealthy  time.Time
	aggFailures  int
	subscribers  []Subscriber
	onCritical   CriticalHandler
	autoRecovery bool
	logger       *slog.Logger

	defaultInterval time.Duration
	defaultTimeout  time.Duration

	loopsCtx    context.Context
	cancelLoops context.CancelFunc
	loopsWG     sync.WaitGroup
	running     bool
}

// Option configures the service
type Option func(*Service)

// WithStrategy selects the aggregation strategy
func WithStrategy(s AggregationStrategy) Option {
	return func(svc *Service) {
		svc.strategy = s
	}
}

// WithAutoRecovery re-runs every unhealthy check immediately whenever the
// aggregated status degrades
func WithAutoRecovery() Option {
	return func(svc *Service) {
		svc.autoRecovery = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) {
		svc.logger = logger
	}
}

// WithDefaultInterval sets the interval for checks that do not specify one
func WithDefaultInterval(d time.Duration) Option {
	return func(svc *Service) {
		svc.defaultInterval = d
	}
}

// WithDefaultTimeout sets the timeout for checks that do not specify one
func WithDefaultTimeout(d time.Duration) Option {
	return func(svc *Service) {
		svc.defaultTimeout = d
	}
}

// OnStatusChange subscribes to aggregated status transitions
func OnStatusChange(sub Subscriber) Option {
	return func(svc *Service) {
		svc.subscribers = append(svc.subscribers, sub)
	}
}

// OnCriticalFailure sets the handler fired when a critical check fails past
// its retry budget
func OnCriticalFailure(h CriticalHandler) Option {
	return func(svc *Service) {
		svc.onCritical = h
	}
}

// NewService creates a health check service
func NewService(options ...Option) *Service {
	svc := &Service{
		checks:          make(map[string]*registeredCheck),
		results:         make(map[string]CheckResult),
		strategy:        Worst,
		overall:         StatusUnknown,
		logger:          slog.Default(),
		defaultInterval: 30 * time.Second,
		defaultTimeout:  5 * time.Second,
	}

	for _, opt := range options {
		opt(svc)
	}

	return svc
}

// Register adds a probe. Registering while running schedules it immediately.
func (s *Service) Register(checker Checker, options ...CheckOption) {
	s.mu.Lock()
	check := &registeredCheck{
		checker:   checker,
		checkType: TypeReadiness,
		interval:  s.defaultInterval,
		timeout:   s.defaultTimeout,
		retries:   3,
		weight:    1.0,
	}
	for _, opt := range options {
		opt(check)
	}
	s.checks[checker.Name()] = check
	running := s.running
	loopsCtx := s.loopsCtx
	s.mu.Unlock()

	if running {
		s.loopsWG.Add(1)
		go s.checkLoop(loopsCtx, checker.Name())
	}
}

// Unregister removes a probe and its last result
func (s *Service) Unregister(name string) {
	s.mu.Lock()
	delete(s.checks, name)
	delete(s.results, name)
	s.mu.Unlock()
}

// Start launches one timer loop per registered check
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("health service already running")
	}
	s.running = true
	s.started = time.Now()
	loopsCtx, cancel := context.WithCancel(context.Background())
	s.loopsCtx = loopsCtx
	s.cancelLoops = cancel
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.loopsWG.Add(1)
		go s.checkLoop(loopsCtx, name)
	}
	return nil
}

// Stop tears down all check loops and waits for them to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancelLoops()
	s.running = false
	s.mu.Unlock()

	s.loopsWG.Wait()
}

func (s *Service) checkLoop(ctx context.Context, name string) {
	defer s.loopsWG.Done()

	s.mu.Lock()
	check, ok := s.checks[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	interval := check.interval
	s.mu.Unlock()

	// Run once immediately so the first aggregation has data
	s.runCheck(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_, ok := s.checks[name]
			s.mu.Unlock()
			if !ok {
				return
			}
			s.runCheck(ctx, name)
		}
	}
}

// runCheck executes one probe with its timeout and folds the result into
// the aggregate
func (s *Service) runCheck(ctx context.Context, name string) {
	s.mu.Lock()
	check, ok := s.checks[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	checker := check.checker
	timeout := check.timeout
	checkType := check.checkType
	s.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	result := checker.Check(checkCtx)
	cancel()
	result.Name = name
	result.Type = checkType
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	s.mu.Lock()
	check, ok = s.checks[name]
	if !ok {
		s.mu.Unlock()
		return
	}

	if result.Status == StatusHealthy {
		check.consecutiveFailures = 0
	} else {
		check.consecutiveFailures++
	}
	critical := check.critical && check.consecutiveFailures > check.retries
	s.results[name] = result
	s.mu.Unlock()

	if result.Status != StatusHealthy {
		s.logger.Warn("health check failed",
			"check", name, "status", result.Status, "error", result.Error)
	}
	if critical && s.onCritical != nil {
		s.onCritical(result)
	}

	s.recompute(ctx)
}

// recompute derives the overall status and notifies on change
func (s *Service) recompute(ctx context.Context) {
	s.mu.Lock()
	weights := make(map[string]float64, len(s.checks))
	for name, c := range s.checks {
		weights[name] = c.weight
	}
	results := make(map[string]CheckResult, len(s.results))
	for name, r := range s.results {
		results[name] = r
	}

	newStatus := aggregate(s.strategy, results, weights)
	old := s.overall
	s.overall = newStatus
	if newStatus == StatusHealthy {
		s.lastHealthy = time.Now()
		s.aggFailures = 0
	} else {
		s.aggFailures++
	}
	changed := newStatus != old
	overall := s.overallLocked()
	subscribers := s.subscribers
	autoRecover := changed && s.autoRecovery && newStatus != StatusHealthy
	var unhealthy []string
	if autoRecover {
		for name, r := range results {
			if r.Status != StatusHealthy {
				unhealthy = append(unhealthy, name)
			}
		}
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("overall health changed", "from", old, "to", newStatus)
	for _, sub := range subscribers {
		sub(old, newStatus, overall)
	}

	// Recovery attempt: re-run failing checks without waiting for their tick
	for _, name := range unhealthy {
		go s.runCheck(ctx, name)
	}
}

// overallLocked snapshots the aggregate. Callers hold s.mu.
func (s *Service) overallLocked() Overall {
	checks := make(map[string]CheckResult, len(s.results))
	for name, r := range s.results {
		checks[name] = r
	}
	var uptime time.Duration
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	return Overall{
		Status:              s.overall,
		Timestamp:           time.Now(),
		Uptime:              uptime,
		LastHealthy:         s.lastHealthy,
		ConsecutiveFailures: s.aggFailures,
		Checks:              checks,
	}
}

// Overall returns the current aggregated health
func (s *Service) Overall() Overall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overallLocked()
}

// RunAll executes every registered check once, synchronously, and returns the
// resulting aggregate. Used by HTTP handlers that want fresh results.
func (s *Service) RunAll(ctx context.Context) Overall {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.runCheck(ctx, name)
		}(name)
	}
	wg.Wait()

	return s.Overall()
}
