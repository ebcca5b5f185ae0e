package codelink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue admission and lifecycle errors.
var (
	// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueShutdown is returned for work rejected because the queue stopped.
	ErrQueueShutdown = errors.New("queue shut down")
	// ErrEntryCancelled is delivered to the callback of a cancelled entry.
	ErrEntryCancelled = errors.New("entry cancelled")
	// ErrQueueCleared is delivered to the callbacks of entries removed by Clear.
	ErrQueueCleared = errors.New("queue cleared")
	// ErrEntryTimeout marks an entry whose deadline fired before its handler finished.
	ErrEntryTimeout = errors.New("entry timed out")
)

// Priority orders queue entries. Higher priorities start first; entries of
// equal priority start in arrival order.
type Priority int

// Priorities from least to most urgent.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// EntryStatus tracks a queue entry through its lifecycle.
type EntryStatus int

// Entry lifecycle states.
const (
	StatusQueued EntryStatus = iota
	StatusProcessing
	StatusRetrying
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s EntryStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusRetrying:
		return "retrying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// QueueHandler performs the work of one entry. The context carries the
// entry's cancellation; handlers that outlive it keep running but their
// results are discarded.
type QueueHandler func(ctx context.Context) (json.RawMessage, error)

// QueueCallback receives the terminal outcome of an entry, exactly once.
type QueueCallback func(result json.RawMessage, err error)

// QueueEntry describes work submitted to the queue.
type QueueEntry struct {
	// Method labels the entry in logs and snapshots.
	Method string
	// Priority orders the entry relative to the backlog.
	Priority Priority
	// Timeout bounds one attempt; zero uses the queue default.
	Timeout time.Duration
	// MaxRetries is how many times a failed or timed-out attempt is retried
	// before the entry fails for good.
	MaxRetries int
	// Handler runs the work.
	Handler QueueHandler
	// Callback receives the terminal result. Optional.
	Callback QueueCallback
}

// RateLimitConfig bounds how often queue entries may start.
type RateLimitConfig struct {
	// MaxRequests is the number of starts admitted per Window.
	MaxRequests int
	// Window is the span over which starts are counted.
	Window time.Duration
	// RetryAfter is how long the scheduler backs off after a refusal.
	RetryAfter time.Duration
}

// QueueConfig configures a RequestQueue.
type QueueConfig struct {
	// MaxConcurrent bounds the number of entries processing simultaneously.
	MaxConcurrent int
	// MaxQueueSize bounds the backlog; Enqueue rejects beyond it.
	MaxQueueSize int
	// Timeout is the default per-attempt deadline for entries that do not
	// set their own.
	Timeout time.Duration
	// BaseDelay seeds the exponential retry backoff (delay doubles per retry).
	BaseDelay time.Duration
	// RateLimit bounds the start rate; zero values disable rate limiting.
	RateLimit RateLimitConfig
}

const (
	fallbackQueueMaxConcurrent = 4
	fallbackQueueMaxSize       = 100
	fallbackQueueTimeout       = 30 * time.Second
	fallbackQueueBaseDelay     = 100 * time.Millisecond
	fallbackRateRetryAfter     = 100 * time.Millisecond
)

// QueueStats is a point-in-time snapshot of queue occupancy and lifetime
// outcome counters.
type QueueStats struct {
	Queued     int
	Processing int
	Retrying   int

	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// RequestQueue schedules submitted entries under a concurrency bound, a
// sliding-window rate limit, per-entry deadlines, and retry with exponential
// backoff. All queue state is owned by a single goroutine; the exported
// methods hand commands to it over channels.
type RequestQueue struct {
	cfg     QueueConfig
	limiter *slidingWindow
	logger  *slog.Logger

	enqueueCh chan enqueueCmd
	cancelCh  chan cancelCmd
	clearCh   chan chan int
	statsCh   chan chan QueueStats
	doneCh    chan handlerDone
	timeoutCh chan attemptRef
	requeueCh chan string
	wakeCh    chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	handlers sync.WaitGroup

	// Loop-owned state. Never touched outside run.
	queued     []*queueEntry
	processing map[string]*queueEntry
	retrying   map[string]*queueEntry
	stats      QueueStats
	wakeAt     time.Time
	wakeSet    bool
}

type queueEntry struct {
	id         string
	method     string
	priority   Priority
	timeout    time.Duration
	maxRetries int
	handler    QueueHandler
	callback   QueueCallback

	status    EntryStatus
	retries   int
	attempt   int
	cancelled bool
	cancel    context.CancelFunc
	timer     *time.Timer
}

type enqueueCmd struct {
	entry *queueEntry
	reply chan error
}

type cancelCmd struct {
	id    string
	reply chan bool
}

type handlerDone struct {
	ref    attemptRef
	result json.RawMessage
	err    error
}

type attemptRef struct {
	id      string
	attempt int
}

// NewRequestQueue builds a queue with the given configuration and starts its
// scheduling loop. A nil logger falls back to slog.Default.
func NewRequestQueue(cfg QueueConfig, logger *slog.Logger) *RequestQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = fallbackQueueMaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = fallbackQueueMaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fallbackQueueTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = fallbackQueueBaseDelay
	}
	if cfg.RateLimit.RetryAfter <= 0 {
		cfg.RateLimit.RetryAfter = fallbackRateRetryAfter
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &RequestQueue{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "queue")),
		enqueueCh:  make(chan enqueueCmd),
		cancelCh:   make(chan cancelCmd),
		clearCh:    make(chan chan int),
		statsCh:    make(chan chan QueueStats),
		doneCh:     make(chan handlerDone),
		timeoutCh:  make(chan attemptRef),
		requeueCh:  make(chan string),
		wakeCh:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		processing: make(map[string]*queueEntry),
		retrying:   make(map[string]*queueEntry),
	}
	if cfg.RateLimit.MaxRequests > 0 && cfg.RateLimit.Window > 0 {
		q.limiter = newSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, cfg.RateLimit.RetryAfter)
	}

	go q.run()

	return q
}

// Enqueue submits an entry and returns its id. It fails with ErrQueueFull
// when the backlog is at capacity, in which case no id is assigned and the
// callback is never invoked.
func (q *RequestQueue) Enqueue(entry QueueEntry) (string, error) {
	if entry.Handler == nil {
		return "", errors.New("entry handler is required")
	}

	e := &queueEntry{
		id:         uuid.NewString(),
		method:     entry.Method,
		priority:   entry.Priority,
		timeout:    entry.Timeout,
		maxRetries: entry.MaxRetries,
		handler:    entry.Handler,
		callback:   entry.Callback,
		status:     StatusQueued,
	}
	if e.timeout <= 0 {
		e.timeout = q.cfg.Timeout
	}

	cmd := enqueueCmd{entry: e, reply: make(chan error, 1)}
	select {
	case q.enqueueCh <- cmd:
	case <-q.done:
		return "", ErrQueueShutdown
	}

	if err := <-cmd.reply; err != nil {
		return "", err
	}
	return e.id, nil
}

// Cancel removes a queued entry or discards the eventual result of a
// processing one. The entry's callback receives ErrEntryCancelled right
// away. It reports whether the id named a live entry.
func (q *RequestQueue) Cancel(id string) bool {
	cmd := cancelCmd{id: id, reply: make(chan bool, 1)}
	select {
	case q.cancelCh <- cmd:
		return <-cmd.reply
	case <-q.done:
		return false
	}
}

// Clear cancels every pending entry, leaving processing ones untouched.
// Each removed entry's callback receives ErrQueueCleared. It returns the
// number of entries removed.
func (q *RequestQueue) Clear() int {
	reply := make(chan int, 1)
	select {
	case q.clearCh <- reply:
		return <-reply
	case <-q.done:
		return 0
	}
}

// Stats returns a snapshot of queue occupancy and outcome counters.
func (q *RequestQueue) Stats() QueueStats {
	reply := make(chan QueueStats, 1)
	select {
	case q.statsCh <- reply:
		return <-reply
	case <-q.done:
		return QueueStats{}
	}
}

// Shutdown stops the queue: pending entries are rejected with
// ErrQueueShutdown, processing entries are cancelled, and the call waits for
// handler goroutines to return or the context to expire.
func (q *RequestQueue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() {
		close(q.done)
	})

	select {
	case <-q.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		q.handlers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RequestQueue) run() {
	defer close(q.loopDone)

	for {
		select {
		case cmd := <-q.enqueueCh:
			cmd.reply <- q.admit(cmd.entry)
			q.schedule()
		case cmd := <-q.cancelCh:
			cmd.reply <- q.cancelEntry(cmd.id)
			q.schedule()
		case reply := <-q.clearCh:
			reply <- q.clearPending()
		case d := <-q.doneCh:
			q.finishAttempt(d)
			q.schedule()
		case ref := <-q.timeoutCh:
			q.expireAttempt(ref)
			q.schedule()
		case id := <-q.requeueCh:
			q.requeueRetry(id)
			q.schedule()
		case <-q.wakeCh:
			q.wakeSet = false
			q.schedule()
		case reply := <-q.statsCh:
			stats := q.stats
			stats.Queued = len(q.queued)
			stats.Processing = len(q.processing)
			stats.Retrying = len(q.retrying)
			reply <- stats
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *RequestQueue) admit(e *queueEntry) error {
	if len(q.queued)+len(q.retrying) >= q.cfg.MaxQueueSize {
		q.logger.Warn("enqueue rejected",
			slog.String("method", e.method),
			slog.Int("backlog", len(q.queued)+len(q.retrying)))
		return ErrQueueFull
	}

	q.insert(e)
	q.logger.Debug("entry queued",
		slog.String("id", e.id),
		slog.String("method", e.method),
		slog.String("priority", e.priority.String()))
	return nil
}

// insert places e behind every entry of equal or higher priority, keeping
// arrival order within a priority.
func (q *RequestQueue) insert(e *queueEntry) {
	pos := len(q.queued)
	for i, cur := range q.queued {
		if cur.priority < e.priority {
			pos = i
			break
		}
	}
	q.queued = append(q.queued, nil)
	copy(q.queued[pos+1:], q.queued[pos:])
	q.queued[pos] = e
}

// schedule starts queued entries while the concurrency bound and the rate
// limiter both admit more work.
func (q *RequestQueue) schedule() {
	for len(q.queued) > 0 && len(q.processing) < q.cfg.MaxConcurrent {
		now := time.Now()
		if q.limiter != nil && !q.limiter.allow(now) {
			q.armWake(q.limiter.nextAllowed(now))
			return
		}

		e := q.queued[0]
		q.queued = q.queued[1:]
		q.start(e)
	}
}

// armWake schedules a scheduler wake-up at the given instant, keeping only
// the earliest pending wake.
func (q *RequestQueue) armWake(at time.Time) {
	if q.wakeSet && !at.Before(q.wakeAt) {
		return
	}
	q.wakeAt = at
	q.wakeSet = true

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		select {
		case q.wakeCh <- struct{}{}:
		case <-q.done:
		}
	})
}

func (q *RequestQueue) start(e *queueEntry) {
	e.status = StatusProcessing
	e.attempt++
	q.processing[e.id] = e

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	ref := attemptRef{id: e.id, attempt: e.attempt}
	e.timer = time.AfterFunc(e.timeout, func() {
		select {
		case q.timeoutCh <- ref:
		case <-q.done:
		}
	})

	q.handlers.Add(1)
	go func() {
		defer q.handlers.Done()
		defer cancel()

		result, err := e.handler(ctx)
		select {
		case q.doneCh <- handlerDone{ref: ref, result: result, err: err}:
		case <-q.done:
		}
	}()
}

func (q *RequestQueue) finishAttempt(d handlerDone) {
	e, ok := q.processing[d.ref.id]
	if !ok || e.attempt != d.ref.attempt {
		// Stale result from a timed-out or superseded attempt.
		return
	}
	e.timer.Stop()

	if e.cancelled {
		// Callback already ran when the entry was cancelled in flight.
		delete(q.processing, e.id)
		return
	}

	if d.err == nil {
		delete(q.processing, e.id)
		e.status = StatusCompleted
		q.stats.Completed++
		q.invoke(e, d.result, nil)
		return
	}

	q.failAttempt(e, d.err)
}

func (q *RequestQueue) expireAttempt(ref attemptRef) {
	e, ok := q.processing[ref.id]
	if !ok || e.attempt != ref.attempt {
		return
	}

	e.cancel()
	if e.cancelled {
		delete(q.processing, e.id)
		return
	}

	q.logger.Debug("entry deadline fired",
		slog.String("id", e.id),
		slog.String("method", e.method),
		slog.Int("attempt", e.attempt))
	q.failAttempt(e, ErrEntryTimeout)
}

// failAttempt decides between retry and terminal failure for a processing
// entry that just failed or timed out.
func (q *RequestQueue) failAttempt(e *queueEntry, cause error) {
	delete(q.processing, e.id)

	if e.retries < e.maxRetries {
		delay := q.cfg.BaseDelay << e.retries
		e.retries++
		e.status = StatusRetrying
		q.retrying[e.id] = e

		q.logger.Debug("entry retry scheduled",
			slog.String("id", e.id),
			slog.String("method", e.method),
			slog.Int("retries", e.retries),
			slog.Duration("delay", delay))

		id := e.id
		e.timer = time.AfterFunc(delay, func() {
			select {
			case q.requeueCh <- id:
			case <-q.done:
			}
		})
		return
	}

	e.status = StatusFailed
	q.stats.Failed++
	q.logger.Error("entry failed",
		slog.String("id", e.id),
		slog.String("method", e.method),
		slog.Int("retries", e.retries),
		slog.String("error", cause.Error()))
	q.invoke(e, nil, cause)
}

// requeueRetry moves an entry whose backoff elapsed back into the backlog at
// elevated priority.
func (q *RequestQueue) requeueRetry(id string) {
	e, ok := q.retrying[id]
	if !ok {
		return
	}
	delete(q.retrying, id)

	if e.priority < PriorityHigh {
		e.priority++
	}
	q.insert(e)
}

func (q *RequestQueue) cancelEntry(id string) bool {
	for i, e := range q.queued {
		if e.id == id {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			e.status = StatusCancelled
			q.stats.Cancelled++
			q.invoke(e, nil, ErrEntryCancelled)
			return true
		}
	}

	if e, ok := q.retrying[id]; ok {
		e.timer.Stop()
		delete(q.retrying, id)
		e.status = StatusCancelled
		q.stats.Cancelled++
		q.invoke(e, nil, ErrEntryCancelled)
		return true
	}

	if e, ok := q.processing[id]; ok && !e.cancelled {
		// The handler is not interrupted beyond context cancellation; its
		// eventual result is discarded.
		e.cancelled = true
		e.cancel()
		e.status = StatusCancelled
		q.stats.Cancelled++
		q.invoke(e, nil, ErrEntryCancelled)
		return true
	}

	return false
}

func (q *RequestQueue) clearPending() int {
	removed := 0

	for _, e := range q.queued {
		e.status = StatusCancelled
		q.stats.Cancelled++
		q.invoke(e, nil, ErrQueueCleared)
		removed++
	}
	q.queued = nil

	for id, e := range q.retrying {
		e.timer.Stop()
		delete(q.retrying, id)
		e.status = StatusCancelled
		q.stats.Cancelled++
		q.invoke(e, nil, ErrQueueCleared)
		removed++
	}

	if removed > 0 {
		q.logger.Debug("queue cleared", slog.Int("removed", removed))
	}
	return removed
}

// drain rejects all outstanding work during shutdown.
func (q *RequestQueue) drain() {
	for _, e := range q.queued {
		q.invoke(e, nil, ErrQueueShutdown)
	}
	q.queued = nil

	for id, e := range q.retrying {
		e.timer.Stop()
		delete(q.retrying, id)
		q.invoke(e, nil, ErrQueueShutdown)
	}

	for id, e := range q.processing {
		e.timer.Stop()
		e.cancel()
		delete(q.processing, id)
		if !e.cancelled {
			q.invoke(e, nil, ErrQueueShutdown)
		}
	}
}

// invoke runs a callback outside the loop goroutine so a slow callback
// cannot stall scheduling.
func (q *RequestQueue) invoke(e *queueEntry, result json.RawMessage, err error) {
	if e.callback == nil {
		return
	}
	cb := e.callback
	q.handlers.Add(1)
	go func() {
		defer q.handlers.Done()
		cb(result, err)
	}()
}
