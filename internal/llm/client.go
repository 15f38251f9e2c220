// Package llm runs language-model calls as ordinary queue tasks so they share
// the worker pool, priorities, retries and admission control with every
// other unit of work. The model invocation itself is a Backend supplied by
// the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	logx "feedagent/pkg/logx"
)

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int

	// Queue attributes; nil or zero values take the client defaults.
	// MaxRetries < 0 disables retries.
	Priority   *task.Priority
	Timeout    time.Duration
	MaxRetries int
	Metadata   map[string]string
}

type Response struct {
	Model        string        `json:"model"`
	Text         string        `json:"text"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
}

// Backend performs the actual model call. Returning queue.RetryAfter(err, d)
// (for example on HTTP 429) makes the queue honour the delay; queue.NoRetry
// fails the task immediately.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Complete(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Limiter paces upstream calls. *rate.Limiter satisfies it; the admission
// controller shrinks its rate under load.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Reporter receives one sample per backend call. *controller.ExternalStats
// satisfies it, which feeds the controller's error rate and response time.
type Reporter interface {
	Report(ok bool, latency time.Duration)
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }
func WithLimiter(l Limiter) Option      { return func(c *Client) { c.limiter = l } }
func WithReporter(r Reporter) Option    { return func(c *Client) { c.stats = r } }

// WithDefaults sets the queue attributes used when a Request leaves them unset.
func WithDefaults(prio task.Priority, timeout time.Duration, maxRetries int) Option {
	return func(c *Client) {
		c.prio = prio
		c.timeout = timeout
		c.retries = maxRetries
	}
}

type Client struct {
	q       *queue.Queue
	backend Backend
	limiter Limiter
	stats   Reporter
	log     logx.Logger

	prio    task.Priority
	timeout time.Duration
	retries int
}

func New(q *queue.Queue, backend Backend, opts ...Option) (*Client, error) {
	if q == nil || backend == nil {
		return nil, errors.New("llm: queue and backend are required")
	}
	c := &Client{q: q, backend: backend, prio: task.Normal, timeout: 2 * time.Minute, retries: 2}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "llm"))
	return c, nil
}

// Submit waits for a rate permit, then enqueues req and returns the task ID;
// use Await for the result. Throttled calls wait here, in the caller, so they
// hold no worker. Nothing is enqueued when ctx ends first.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm rate wait: %w", err)
		}
	}
	opt := queue.Options{
		Name:       "llm",
		Priority:   c.prio,
		Timeout:    req.Timeout,
		MaxRetries: req.MaxRetries,
		Metadata:   map[string]string{"kind": "llm"},
	}
	if req.Model != "" {
		opt.Name = "llm:" + req.Model
		opt.Metadata["model"] = req.Model
	}
	for k, v := range req.Metadata {
		opt.Metadata[k] = v
	}
	if req.Priority != nil {
		opt.Priority = *req.Priority
	}
	if opt.Timeout <= 0 {
		opt.Timeout = c.timeout
	}
	switch {
	case opt.MaxRetries < 0:
		opt.MaxRetries = 0
	case opt.MaxRetries == 0:
		opt.MaxRetries = c.retries
	}
	// The first attempt spent the permit taken above.
	var retry atomic.Bool
	return queue.SubmitFunc(c.q, func(ctx context.Context) (Response, error) {
		return c.call(ctx, req, retry.Swap(true))
	}, opt)
}

func (c *Client) Await(ctx context.Context, id string) (Response, error) {
	return queue.Await[Response](ctx, c.q, id)
}

// Complete is Submit followed by Await.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("llm submit: %w", err)
	}
	return c.Await(ctx, id)
}

// call runs inside a queue worker: one attempt, reported to the stats sink.
// Retries take their rate permit here, and that wait counts against the
// task timeout.
func (c *Client) call(ctx context.Context, req Request, retry bool) (Response, error) {
	if retry && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("llm rate wait: %w", err)
		}
	}
	start := time.Now()
	resp, err := c.backend.Complete(ctx, req)
	took := time.Since(start)
	if c.stats != nil {
		// A call abandoned by our own cancellation says nothing about the upstream.
		if !errors.Is(err, context.Canceled) {
			c.stats.Report(err == nil, took)
		}
	}
	if err != nil {
		c.log.Debug("llm call failed", logx.String("model", req.Model), logx.Duration("took", took), logx.Err(err))
		return Response{}, err
	}
	if resp.Latency == 0 {
		resp.Latency = took
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}
