package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"feedagent/internal/eventbus"
	"feedagent/internal/task"
	logx "feedagent/pkg/logx"
)

// completion carries a terminal transition out of the lock so hooks, logs and
// events run without holding q.mu.
type completion struct {
	e   *entry
	rec task.Record
	dur time.Duration
	err error
}

type outcome struct {
	val       any
	err       error
	abandoned bool
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		e, ok := q.next(ctx)
		if !ok {
			return nil
		}
		q.run(ctx, e)
	}
}

// next blocks until a task is ready and the queue is not paused. It returns
// false when this worker should exit: the queue stopped, or the pool is
// larger than the current limit.
func (q *Queue) next(ctx context.Context) (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped || ctx.Err() != nil || q.workers > q.limit {
			q.workers--
			return nil, false
		}
		if !q.paused && q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			if _, err := q.tracker.Start(e.t.ID); err != nil {
				q.log.Error("task.start_transition", logx.String("id", e.t.ID), logx.Err(err))
				continue
			}
			q.running[e.t.ID] = e
			return e, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) run(ctx context.Context, e *entry) {
	q.mu.Lock()
	timeout := e.t.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	grace := q.cfg.CancelGrace
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	e.cancel = cancel
	if e.cancelReq {
		cancel()
	}
	q.mu.Unlock()
	defer cancel()

	start := time.Now()
	q.log.Debug("task.started", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Int("attempt", e.retries+1))
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: q.now(), Data: q.event(e, 0, nil)})

	out := q.invoke(runCtx, e, grace)
	dur := time.Since(start)
	if out.abandoned {
		q.log.Warn("task.abandoned", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Duration("dur", dur))
	}

	q.mu.Lock()
	cancelled := e.cancelReq
	q.mu.Unlock()
	ctxErr := runCtx.Err()

	switch {
	case out.err == nil && !out.abandoned:
		q.complete(e, dur, out.val, nil, task.Success)
	case cancelled || errors.Is(ctxErr, context.Canceled):
		q.complete(e, dur, nil, ErrCancelled, task.Cancelled)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		q.retryOrFinish(e, dur, fmt.Errorf("%w after %s", ErrTaskTimeout, timeout), true)
	default:
		q.retryOrFinish(e, dur, out.err, false)
	}
}

// invoke runs the handler in its own goroutine so the worker can enforce the
// deadline even when the handler ignores ctx.
func (q *Queue) invoke(ctx context.Context, e *entry, grace time.Duration) outcome {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("task.panic", logx.String("task", e.t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := e.t.Handler(ctx, e.t.Args)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		select {
		case o := <-ch:
			return o
		default:
			return outcome{err: ctx.Err(), abandoned: true}
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case o := <-ch:
		return o
	case <-t.C:
		return outcome{err: ctx.Err(), abandoned: true}
	}
}

// retryOrFinish parks the task for a backoff delay if it has retries left,
// otherwise records the terminal failed or timeout state.
func (q *Queue) retryOrFinish(e *entry, dur time.Duration, err error, timedOut bool) {
	q.mu.Lock()
	if !q.stopped && e.retries < e.t.MaxRetries && !IsNoRetry(err) {
		e.retries++
		delay := retryDelay(q.cfg.RetryBase, q.cfg.RetryCap, e.retries, err)
		if _, terr := q.tracker.Retry(e.t.ID, err); terr != nil {
			q.log.Error("task.retry_transition", logx.String("id", e.t.ID), logx.Err(terr))
		}
		delete(q.running, e.t.ID)
		e.cancel = nil
		q.delayed[e.t.ID] = e
		e.timer = time.AfterFunc(delay, func() { q.requeue(e) })
		ev := q.event(e, dur, err)
		ev.Delay = delay
		retry := e.retries
		q.mu.Unlock()

		q.log.Debug("task.retry_scheduled", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Int("retry", retry), logx.Duration("delay", delay), logx.Err(err))
		q.bus.Publish(eventbus.Event{Type: eventbus.TaskRetrying, Time: q.now(), Data: ev})
		return
	}

	var c completion
	if timedOut {
		rec, terr := q.tracker.Timeout(e.t.ID, err)
		if terr != nil {
			q.log.Error("task.timeout_transition", logx.String("id", e.t.ID), logx.Err(terr))
		}
		c = q.finishLocked(e, rec, nil, ErrTaskTimeout)
	} else {
		err = stripPermanent(err)
		rec, terr := q.tracker.Fail(e.t.ID, err)
		if terr != nil {
			q.log.Error("task.fail_transition", logx.String("id", e.t.ID), logx.Err(terr))
		}
		c = q.finishLocked(e, rec, nil, &RetryExhaustedError{ID: e.t.ID, Name: e.t.Name, Attempts: e.retries + 1, Err: err})
	}
	c.dur = dur
	q.mu.Unlock()
	q.notify(c)
}

// requeue moves a parked task back to the ready heap once its delay elapses.
// Cancelled or drained tasks are no longer in q.delayed and are ignored.
func (q *Queue) requeue(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.delayed[e.t.ID]; !ok {
		return
	}
	delete(q.delayed, e.t.ID)
	e.timer = nil
	if _, err := q.tracker.Requeue(e.t.ID); err != nil {
		q.log.Error("task.requeue_transition", logx.String("id", e.t.ID), logx.Err(err))
		return
	}
	heap.Push(&q.ready, e)
	q.cond.Broadcast()
}

func (q *Queue) complete(e *entry, dur time.Duration, val any, err error, state task.State) {
	q.mu.Lock()
	var (
		rec  task.Record
		terr error
	)
	if state == task.Success {
		rec, terr = q.tracker.Succeed(e.t.ID, val)
	} else {
		rec, terr = q.tracker.Cancel(e.t.ID)
	}
	if terr != nil {
		q.log.Error("task.finish_transition", logx.String("id", e.t.ID), logx.String("state", string(state)), logx.Err(terr))
	}
	c := q.finishLocked(e, rec, val, err)
	c.dur = dur
	q.mu.Unlock()
	q.notify(c)
}

// finishLocked stores the outcome and releases waiters.
func (q *Queue) finishLocked(e *entry, rec task.Record, val any, err error) completion {
	delete(q.running, e.t.ID)
	delete(q.delayed, e.t.ID)
	e.finished = true
	e.finishedAt = q.now()
	e.state = rec.State
	e.result = val
	e.err = err
	e.cancel = nil
	close(e.done)
	return completion{e: e, rec: rec, err: err}
}

func (q *Queue) notify(c completion) {
	e := c.e
	var typ string
	switch c.rec.State {
	case task.Success:
		typ = eventbus.TaskSucceeded
		if c.dur >= 750*time.Millisecond {
			q.log.Info("task.completed", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Duration("dur", c.dur), logx.Int("retries", e.retries))
		} else {
			q.log.Debug("task.completed", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Duration("dur", c.dur), logx.Int("retries", e.retries))
		}
	case task.Cancelled:
		typ = eventbus.TaskCancelled
		q.log.Info("task.cancelled", logx.String("task", e.t.Name), logx.String("id", e.t.ID))
	case task.Timeout:
		typ = eventbus.TaskTimedOut
		q.log.Warn("task.timeout", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Duration("dur", c.dur), logx.Int("retries", e.retries))
	default:
		typ = eventbus.TaskFailed
		q.log.Warn("task.failed", logx.String("task", e.t.Name), logx.String("id", e.t.ID), logx.Int("retries", e.retries), logx.Err(c.err))
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.now(), Data: q.event(e, c.dur, c.err)})

	if e.onDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.Error("task.on_done_panic", logx.String("task", e.t.Name), logx.Any("panic", r))
				}
			}()
			e.onDone(c.rec)
		}()
	}
}
