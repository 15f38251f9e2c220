// Package queue is the priority task queue and its resizable worker pool.
//
// Every unit of work in the process (cron job fires, ad-hoc collection
// requests, summarisation calls) is submitted here so it runs under one
// concurrency and backpressure discipline.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedagent/internal/eventbus"
	rtsup "feedagent/internal/runtime/supervisor"
	"feedagent/internal/task"
	logx "feedagent/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Config controls the queue. Zero values fall back to defaults.
type Config struct {
	// Workers is the initial concurrency limit.
	Workers int
	// MaxBacklog bounds queued plus retry-parked tasks.
	MaxBacklog int
	// DefaultTimeout is used when a task has no timeout of its own.
	DefaultTimeout time.Duration

	RetryBase time.Duration
	RetryCap  time.Duration

	// CancelGrace is how long a worker waits for a cancelled handler to
	// return before abandoning it.
	CancelGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 1000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = c.RetryBase
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	return c
}

// Options are the per-submission attributes of a task.
type Options struct {
	Name string
	// Priority's zero value is task.Background; set it explicitly for
	// anything that should run ahead of housekeeping work.
	Priority   task.Priority
	MaxRetries int
	// Timeout of 0 means Config.DefaultTimeout.
	Timeout  time.Duration
	Metadata map[string]string
	// OnDone runs once with the terminal record, on the worker (or the
	// cancelling caller) goroutine. It must not block.
	OnDone func(task.Record)
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	QueueDepth  int            `json:"queue_depth"`
	Delayed     int            `json:"delayed"`
	Running     int            `json:"running"`
	PerPriority map[string]int `json:"per_priority"`
	Concurrency int            `json:"concurrency"`
	Workers     int            `json:"workers"`
	Paused      bool           `json:"paused"`
	Stopped     bool           `json:"stopped"`
	Accepted    uint64         `json:"accepted"`
	Rejected    uint64         `json:"rejected"`
}

// TaskEvent is the payload of task lifecycle events on the bus.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Priority string        `json:"priority"`
	Job      string        `json:"job,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Queue struct {
	log     logx.Logger
	bus     eventbus.Bus
	tracker *task.Tracker
	now     func() time.Time
	warn    *logx.Throttle

	mu      sync.Mutex
	cond    *sync.Cond
	cfg     Config
	ready   readyHeap
	delayed map[string]*entry
	running map[string]*entry
	entries map[string]*entry

	seq       uint64
	limit     int
	workers   int
	workerSeq int
	paused    bool
	stopped   bool
	sup       *rtsup.Supervisor

	accepted uint64
	rejected uint64
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(q *Queue) {
		if bus != nil {
			q.bus = bus
		}
	}
}

// WithClock overrides time.Now for timestamps (not for timers).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a stopped queue. Tasks may be submitted before Start; they run
// once workers exist.
func New(cfg Config, tracker *task.Tracker, opts ...Option) *Queue {
	if tracker == nil {
		tracker = task.NewTracker()
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
		tracker: tracker,
		now:     time.Now,
		warn:    logx.NewThrottle(warnThrottleEvery),
		cfg:     cfg,
		delayed: make(map[string]*entry),
		running: make(map[string]*entry),
		entries: make(map[string]*entry),
		limit:   cfg.Workers,
	}
	q.cond = sync.NewCond(&q.mu)
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(logx.String("comp", "queue"))
	return q
}

// Tracker returns the status tracker the queue reports into.
func (q *Queue) Tracker() *task.Tracker { return q.tracker }

// Start launches workers up to the current concurrency limit. It is a no-op
// if already started or stopped.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil || q.stopped {
		return
	}
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log), rtsup.WithCancelOnError(false))
	q.sup.Go0("queue.halt", func(ctx context.Context) {
		<-ctx.Done()
		q.halt()
	})
	q.spawnLocked()
	q.log.Info("queue started", logx.Int("workers", q.limit), logx.Int("max_backlog", q.cfg.MaxBacklog))
}

// Stop rejects new submissions, cancels queued and parked tasks, signals
// running handlers and waits for workers (bounded by ctx).
func (q *Queue) Stop(ctx context.Context) error {
	q.halt()
	q.mu.Lock()
	sup := q.sup
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	q.log.Info("queue stopped")
	return err
}

func (q *Queue) halt() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	var drained []completion
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		drained = append(drained, q.cancelLocked(e))
	}
	for _, e := range q.delayed {
		drained = append(drained, q.cancelLocked(e))
	}
	for _, e := range q.running {
		e.cancelReq = true
		if e.cancel != nil {
			e.cancel()
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, c := range drained {
		q.notify(c)
	}
}

// spawnLocked starts workers until the worker count reaches the limit.
func (q *Queue) spawnLocked() {
	if q.sup == nil || q.stopped {
		return
	}
	for q.workers < q.limit {
		q.workers++
		q.workerSeq++
		q.sup.Go(fmt.Sprintf("queue.worker.%d", q.workerSeq), q.worker)
	}
}

// Submit enqueues h with args. It fails with ErrQueueFull when the backlog is
// at capacity and with ErrStopped after Stop; otherwise the task is fully
// recorded before Submit returns.
func (q *Queue) Submit(h task.Handler, args []any, opt Options) (string, error) {
	if h == nil {
		return "", errors.New("queue: nil handler")
	}
	name := opt.Name
	if name == "" {
		name = "task"
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if q.backlogLocked() >= q.cfg.MaxBacklog {
		q.rejected++
		backlog := q.cfg.MaxBacklog
		q.mu.Unlock()
		if q.warn.Allow("queue_full") {
			q.log.Warn("task.rejected", logx.String("task", name), logx.Int("max_backlog", backlog))
		}
		q.bus.Publish(eventbus.Event{Type: eventbus.TaskRejected, Time: q.now(), Data: TaskEvent{Name: name, Priority: opt.Priority.String(), Error: ErrQueueFull.Error()}})
		return "", ErrQueueFull
	}

	t := task.Task{
		ID:         task.NewID(),
		Name:       name,
		Handler:    h,
		Args:       args,
		Priority:   opt.Priority,
		CreatedAt:  q.now(),
		Timeout:    opt.Timeout,
		MaxRetries: opt.MaxRetries,
		Metadata:   cloneMeta(opt.Metadata),
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if _, err := q.tracker.Add(t); err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("track task: %w", err)
	}
	q.seq++
	e := &entry{t: t, seq: q.seq, index: -1, onDone: opt.OnDone, done: make(chan struct{})}
	q.entries[t.ID] = e
	heap.Push(&q.ready, e)
	q.accepted++
	q.cond.Broadcast()
	q.mu.Unlock()

	q.log.Debug("task.submitted", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("priority", t.Priority.String()))
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Time: t.CreatedAt, Data: q.event(e, 0, nil)})
	return t.ID, nil
}

// Cancel removes a queued or retry-parked task, or signals a running one.
// It returns false if id is unknown or already finished.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.finished {
		q.mu.Unlock()
		return false
	}
	if _, running := q.running[id]; running {
		e.cancelReq = true
		if e.cancel != nil {
			e.cancel()
		}
		q.mu.Unlock()
		q.log.Debug("task.cancel_requested", logx.String("task", e.t.Name), logx.String("id", id))
		return true
	}
	if e.index >= 0 {
		heap.Remove(&q.ready, e.index)
	}
	c := q.cancelLocked(e)
	q.mu.Unlock()
	q.notify(c)
	return true
}

// cancelLocked finishes a task that is not running.
func (q *Queue) cancelLocked(e *entry) completion {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	rec, err := q.tracker.Cancel(e.t.ID)
	if err != nil {
		q.log.Warn("task.cancel_transition", logx.String("id", e.t.ID), logx.Err(err))
	}
	return q.finishLocked(e, rec, nil, ErrCancelled)
}

// Wait blocks until the task is terminal or ctx ends. The worker pool is not
// involved in waiting.
func (q *Queue) Wait(ctx context.Context, id string) (any, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		if rec, ok := q.tracker.Get(id); ok && rec.State.Terminal() {
			return resultOf(rec)
		}
		return nil, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.result, e.err
}

// Result waits up to timeout for the task; timeout <= 0 waits indefinitely.
func (q *Queue) Result(id string, timeout time.Duration) (any, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return q.Wait(ctx, id)
}

func resultOf(rec task.Record) (any, error) {
	switch rec.State {
	case task.Success:
		return rec.Result, nil
	case task.Cancelled:
		return nil, ErrCancelled
	case task.Timeout:
		return nil, ErrTaskTimeout
	default:
		return nil, &RetryExhaustedError{ID: rec.ID, Name: rec.Name, Attempts: rec.RetryCount + 1, Err: errors.New(rec.Error)}
	}
}

// Status returns a consistent snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		QueueDepth:  q.ready.Len(),
		Delayed:     len(q.delayed),
		Running:     len(q.running),
		PerPriority: make(map[string]int, 5),
		Concurrency: q.limit,
		Workers:     q.workers,
		Paused:      q.paused,
		Stopped:     q.stopped,
		Accepted:    q.accepted,
		Rejected:    q.rejected,
	}
	for _, p := range task.Priorities() {
		st.PerPriority[p.String()] = 0
	}
	for _, e := range q.ready {
		st.PerPriority[e.t.Priority.String()]++
	}
	for _, e := range q.delayed {
		st.PerPriority[e.t.Priority.String()]++
	}
	return st
}

// Concurrency returns the current limit.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// SetConcurrency changes the limit (minimum 1) and returns the applied value.
// Growing starts workers immediately; shrinking lets surplus workers exit
// after their current task. In-flight tasks are never interrupted.
func (q *Queue) SetConcurrency(n int) int {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	prev := q.limit
	q.limit = n
	q.spawnLocked()
	q.cond.Broadcast()
	q.mu.Unlock()
	if prev != n {
		q.log.Info("queue.concurrency", logx.Int("from", prev), logx.Int("to", n))
	}
	return n
}

// Pause stops workers from taking new tasks. Submissions are still accepted.
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.log.Warn("queue paused")
	}
}

func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
	if changed {
		q.log.Info("queue resumed")
	}
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Cleanup evicts terminal tasks older than retention from the queue's result
// index and from the tracker.
func (q *Queue) Cleanup(retention time.Duration) int {
	cutoff := q.now().Add(-retention)
	q.mu.Lock()
	for id, e := range q.entries {
		if e.finished && e.finishedAt.Before(cutoff) {
			delete(q.entries, id)
		}
	}
	q.mu.Unlock()
	return q.tracker.Cleanup(retention)
}

func (q *Queue) backlogLocked() int { return q.ready.Len() + len(q.delayed) }

func (q *Queue) event(e *entry, d time.Duration, err error) TaskEvent {
	ev := TaskEvent{
		ID:       e.t.ID,
		Name:     e.t.Name,
		Priority: e.t.Priority.String(),
		Job:      e.t.Metadata[task.MetaJob],
		Attempt:  e.retries + 1,
		Duration: d,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
