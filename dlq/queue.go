package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Processor attempts to recover a dead-lettered message. A nil return means
// the message is recovered and leaves the queue.
type Processor func(ctx context.Context, msg *Message) error

// Callback fires on message lifecycle events with a copy of the record
type Callback func(msg *Message)

// Queue is a bounded, durable holding area for operations whose retries were
// exhausted. It runs its own slower retry loop over registered per-source
// processors and permanently expires messages that exceed the retry budget.
type Queue struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string // insertion order, for capacity eviction

	name              string
	capacity          int
	maxRetries        int
	retryDelay        time.Duration
	maxRetryDelay     time.Duration
	backoffMultiplier float64
	processInterval   time.Duration
	store             Store
	logger            *slog.Logger

	processors  map[string]Processor
	onRecovered Callback
	onExpired   Callback
	onCritical  Callback

	// isProcessing gates processing cycles single-flight so two overlapping
	// timer fires can never reprocess the same message concurrently.
	isProcessing bool
	cancelLoop   context.CancelFunc
	running      bool

	totalAdded     int64
	totalRecovered int64
	totalExpired   int64
	totalEvicted   int64
}

// Option configures the queue
type Option func(*Queue)

// WithName sets the queue name, which scopes persistence
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// WithCapacity bounds the queue; at capacity the oldest message is evicted
func WithCapacity(n int) Option {
	return func(q *Queue) {
		q.capacity = n
	}
}

// WithMaxRetries sets the reprocessing budget per message
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// WithRetryDelay sets the base delay before a failed message becomes due again
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.retryDelay = d
	}
}

// WithMaxRetryDelay caps the backoff between reprocessing attempts
func WithMaxRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.maxRetryDelay = d
	}
}

// WithBackoffMultiplier sets the growth factor of the reprocessing delay
func WithBackoffMultiplier(m float64) Option {
	return func(q *Queue) {
		q.backoffMultiplier = m
	}
}

// WithProcessInterval sets how often due messages are scanned
func WithProcessInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.processInterval = d
	}
}

// WithStore sets the durable store; messages are restored from it on Start
func WithStore(store Store) Option {
	return func(q *Queue) {
		q.store = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// OnRecovered sets the callback fired when a processor recovers a message
func OnRecovered(cb Callback) Option {
	return func(q *Queue) {
		q.onRecovered = cb
	}
}

// OnExpired sets the callback fired when a message exceeds its retry budget.
// This is the permanent-failure signal that must reach an operator.
func OnExpired(cb Callback) Option {
	return func(q *Queue) {
		q.onExpired = cb
	}
}

// OnCritical sets the callback fired when a critical-flagged message is enqueued
func OnCritical(cb Callback) Option {
	return func(q *Queue) {
		q.onCritical = cb
	}
}

// New creates a dead letter queue
func New(options ...Option) *Queue {
	q := &Queue{
		messages:          make(map[string]*Message),
		processors:        make(map[string]Processor),
		name:              "default",
		capacity:          1000,
		maxRetries:        3,
		retryDelay:        time.Minute,
		maxRetryDelay:     30 * time.Minute,
		backoffMultiplier: 2.0,
		processInterval:   30 * time.Second,
		logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// AddMessage enqueues a failed operation. Enqueue is fire-and-forget:
// persistence or capacity problems are logged and surfaced via callbacks,
// never returned to the caller. The created message id is returned for
// correlation.
func (q *Queue) AddMessage(ctx context.Context, payload any, cause error, source string, metadata map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		q.logger.Warn("dlq payload not serializable, storing error only",
			"queue", q.name, "source", source, "error", err)
		raw = nil
	}

	now := time.Now()
	msg := &Message{
		ID:           uuid.New().String(),
		Source:       source,
		Payload:      raw,
		Error:        errString(cause),
		Stack:        captureStack(),
		Attempts:     0,
		FirstFailure: now,
		LastFailure:  now,
		Metadata:     metadata,
	}

	q.mu.Lock()
	if q.capacity > 0 && len(q.messages) >= q.capacity {
		q.evictOldestLocked(ctx)
	}
	q.messages[msg.ID] = msg
	q.order = append(q.order, msg.ID)
	q.totalAdded++
	q.mu.Unlock()

	q.persist(ctx, msg)

	q.logger.Info("message dead-lettered",
		"queue", q.name, "id", msg.ID, "source", source, "error", msg.Error)

	if msg.Critical() && q.onCritical != nil {
		q.onCritical(msg.clone())
	}
	return msg.ID
}

// evictOldestLocked drops the oldest message to make room. Callers hold q.mu.
func (q *Queue) evictOldestLocked(ctx context.Context) {
	for len(q.order) > 0 {
		oldest := q.order[0]
		q.order = q.order[1:]
		if msg, ok := q.messages[oldest]; ok {
			delete(q.messages, oldest)
			q.totalEvicted++
			q.deleteStored(ctx, msg.ID)
			q.logger.Warn("dlq at capacity, evicted oldest message",
				"queue", q.name, "id", msg.ID, "source", msg.Source)
			return
		}
	}
}

// RegisterProcessor installs the recovery function for a source
func (q *Queue) RegisterProcessor(source string, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[source] = p
}

// Start restores persisted messages and launches the processing loop
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("dlq %s already running", q.name)
	}
	q.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancelLoop = cancel
	q.mu.Unlock()

	if err := q.restore(ctx); err != nil {
		q.logger.Error("dlq restore failed", "queue", q.name, "error", err)
	}

	go q.processLoop(loopCtx)
	return nil
}

// Stop tears down the processing loop
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.cancelLoop()
	q.running = false
}

// restore loads all persisted messages for this queue name
func (q *Queue) restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	msgs, err := q.store.LoadAll(ctx, q.name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range msgs {
		if _, exists := q.messages[msg.ID]; exists {
			continue
		}
		q.messages[msg.ID] = msg
		q.order = append(q.order, msg.ID)
	}
	if len(msgs) > 0 {
		q.logger.Info("restored dead letter messages", "queue", q.name, "count", len(msgs))
	}
	return nil
}

func (q *Queue) processLoop(ctx context.Context) {
	ticker := time.NewTicker(q.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessDue(ctx)
		}
	}
}

// ProcessDue runs one reprocessing cycle over all due messages. Cycles are
// single-flight: if one is already running this call is a no-op, so
// overlapping timer fires can never race on the same message.
func (q *Queue) ProcessDue(ctx context.Context) {
	q.mu.Lock()
	if q.isProcessing {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true

	now := time.Now()
	due := make([]*Message, 0)
	for _, msg := range q.messages {
		if msg.due(now) {
			if _, ok := q.processors[msg.Source]; ok {
				due = append(due, msg)
			}
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isProcessing = false
		q.mu.Unlock()
	}()

	for _, msg := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		q.processOne(ctx, msg.ID)
	}
}

// processOne runs the registered processor for a single message and applies
// the outcome. The retry budget invariant lives here: attempts is
// incremented under the queue mutex and a message at maxRetries is expired,
// never handed to a processor again.
func (q *Queue) processOne(ctx context.Context, id string) {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	processor, ok := q.processors[msg.Source]
	if !ok {
		q.mu.Unlock()
		return
	}
	snapshot := msg.clone()
	q.mu.Unlock()

	err := q.invoke(ctx, processor, snapshot)

	q.mu.Lock()
	msg, ok = q.messages[id]
	if !ok {
		// Removed while processing (e.g. evicted); nothing to update
		q.mu.Unlock()
		return
	}

	if err == nil {
		q.removeLocked(id)
		q.totalRecovered++
		recovered := msg.clone()
		q.mu.Unlock()

		q.deleteStored(ctx, id)
		q.logger.Info("dead letter recovered", "queue", q.name, "id", id, "source", recovered.Source)
		if q.onRecovered != nil {
			q.onRecovered(recovered)
		}
		return
	}

	msg.Attempts++
	msg.Error = err.Error()
	msg.LastFailure = time.Now()

	if msg.Attempts >= q.maxRetries {
		q.removeLocked(id)
		q.totalExpired++
		expired := msg.clone()
		q.mu.Unlock()

		q.deleteStored(ctx, id)
		q.logger.Warn("dead letter expired after max retries",
			"queue", q.name, "id", id, "source", expired.Source,
			"attempts", expired.Attempts, "error", expired.Error)
		if q.onExpired != nil {
			q.onExpired(expired)
		}
		return
	}

	next := time.Now().Add(q.nextDelay(msg.Attempts))
	msg.RetryAfter = &next
	updated := msg.clone()
	q.mu.Unlock()

	q.persist(ctx, updated)
	q.logger.Debug("dead letter reprocessing failed",
		"queue", q.name, "id", id, "attempts", updated.Attempts, "retryAt", next)
}

// invoke shields the queue from panicking processors
func (q *Queue) invoke(ctx context.Context, p Processor, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, msg)
}

// nextDelay computes delay × multiplier^(attempts−1), capped
func (q *Queue) nextDelay(attempts int) time.Duration {
	d := time.Duration(float64(q.retryDelay) * math.Pow(q.backoffMultiplier, float64(attempts-1)))
	if q.maxRetryDelay > 0 && d > q.maxRetryDelay {
		return q.maxRetryDelay
	}
	return d
}

// RetryMessage forces immediate reprocessing of one message, ignoring its
// schedule. Used for manual operator recovery.
func (q *Queue) RetryMessage(ctx context.Context, id string) error {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return ErrMessageNotFound
	}
	if _, ok := q.processors[msg.Source]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("dlq: no processor registered for source %s", msg.Source)
	}
	q.mu.Unlock()

	q.processOne(ctx, id)
	return nil
}

// removeLocked drops a message from the index. Callers hold q.mu.
func (q *Queue) removeLocked(id string) {
	delete(q.messages, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Messages returns copies of all queued messages, newest last
func (q *Queue) Messages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := make([]*Message, 0, len(q.order))
	for _, id := range q.order {
		if msg, ok := q.messages[id]; ok {
			msgs = append(msgs, msg.clone())
		}
	}
	return msgs
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// persist writes through to the store, logging failures; the queue keeps
// serving from memory when the store is down
func (q *Queue) persist(ctx context.Context, msg *Message) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(ctx, q.name, msg); err != nil {
		q.logger.Error("failed to persist dead letter",
			"queue", q.name, "id", msg.ID, "error", err)
	}
}

func (q *Queue) deleteStored(ctx context.Context, id string) {
	if q.store == nil {
		return
	}
	if err := q.store.Delete(ctx, q.name, id); err != nil {
		q.logger.Error("failed to delete persisted dead letter",
			"queue", q.name, "id", id, "error", err)
	}
}

// Metrics is a snapshot of queue counters
type Metrics struct {
	Name           string
	Depth          int
	TotalAdded     int64
	TotalRecovered int64
	TotalExpired   int64
	TotalEvicted   int64
	Timestamp      time.Time
}

// Metrics returns a snapshot of queue counters
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Name:           q.name,
		Depth:          len(q.messages),
		TotalAdded:     q.totalAdded,
		TotalRecovered: q.totalRecovered,
		TotalExpired:   q.totalExpired,
		TotalEvicted:   q.totalEvicted,
		Timestamp:      time.Now(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// captureStack records the enqueue call site for the durable record
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
