package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull   = errors.New("task queue full")
	ErrStopped     = errors.New("task queue stopped")
	ErrWaitTimeout = errors.New("wait for task result timed out")
	ErrCancelled   = errors.New("task cancelled")
	ErrTaskTimeout = errors.New("task timed out")
	ErrNotFound    = errors.New("task not found")
)

// RetryExhaustedError is the terminal error of a failed task and wraps the
// handler's last error.
type RetryExhaustedError struct {
	ID       string
	Name     string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s): gave up after %d attempt(s): %v", e.Name, e.ID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// NoRetry marks err as permanent: the task fails without using its remaining
// retries. Use it for bad input and other failures that cannot heal.
//
//	if feed == "" {
//		return nil, queue.NoRetry(errors.New("empty feed url"))
//	}
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsNoRetry reports whether err or anything it wraps came from NoRetry.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ error }

func (p *permanentError) Unwrap() error { return p.error }

// stripPermanent removes the NoRetry marker so the recorded error is the
// handler's own.
func stripPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.error
	}
	return err
}

// RetryAfterError carries an explicit delay before the next attempt.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a delay hint to err, typically from an upstream
// Retry-After header. The hint replaces the exponential delay but is still
// bounded by the retry cap.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintedError{err: err, after: max(after, 0)}
}

type hintedError struct {
	err   error
	after time.Duration
}

func (h *hintedError) Error() string             { return h.err.Error() + " (retry after " + h.after.String() + ")" }
func (h *hintedError) Unwrap() error             { return h.err }
func (h *hintedError) RetryAfter() time.Duration { return h.after }

// retryDelay returns the wait before retry number retry (1-based):
// base doubled retry times, or err's hint, never above ceiling.
func retryDelay(base, ceiling time.Duration, retry int, err error) time.Duration {
	var hint RetryAfterError
	if errors.As(err, &hint) {
		return min(hint.RetryAfter(), ceiling)
	}
	d := base
	for range retry {
		if d >= ceiling {
			break
		}
		d *= 2
	}
	return min(d, ceiling)
}
