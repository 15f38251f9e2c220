package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"feedagent/internal/controller"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
)

var (
	_ Reporter = (*controller.ExternalStats)(nil)
	_ Limiter  = (*rate.Limiter)(nil)
)

type sample struct {
	ok      bool
	latency time.Duration
}

type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) Report(ok bool, latency time.Duration) {
	r.mu.Lock()
	r.samples = append(r.samples, sample{ok, latency})
	r.mu.Unlock()
}

func (r *recorder) outcomes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, 0, len(r.samples))
	for _, s := range r.samples {
		out = append(out, s.ok)
	}
	return out
}

func startedQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Config{Workers: 2, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond}, task.NewTracker())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = q.Stop(sctx)
		cancel()
	})
	return q
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRequiresQueueAndBackend(t *testing.T) {
	t.Parallel()
	_, err := New(nil, BackendFunc(func(context.Context, Request) (Response, error) { return Response{}, nil }))
	assert.Error(t, err)
	_, err = New(queue.New(queue.Config{}, nil), nil)
	assert.Error(t, err)
}

func TestCompleteRunsThroughQueue(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	rec := &recorder{}
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		time.Sleep(time.Millisecond)
		return Response{Text: "summary of " + req.Prompt, InputTokens: 12, OutputTokens: 3}, nil
	})
	c, err := New(q, backend, WithReporter(rec), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	require.NoError(t, err)

	high := task.High
	id, err := c.Submit(waitCtx(t), Request{Model: "small", Prompt: "feed item", Priority: &high, Metadata: map[string]string{"source": "rss"}})
	require.NoError(t, err)
	resp, err := c.Await(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, "summary of feed item", resp.Text)
	assert.Equal(t, "small", resp.Model)
	assert.Positive(t, resp.Latency)
	assert.Equal(t, []bool{true}, rec.outcomes())

	r, ok := q.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, task.Success, r.State)
	assert.Equal(t, "llm:small", r.Name)
	assert.Equal(t, task.High, r.Priority)
	assert.Equal(t, 2, r.MaxRetries)
	assert.Equal(t, map[string]string{"kind": "llm", "model": "small", "source": "rss"}, r.Metadata)
}

func TestRetriesAreReported(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	rec := &recorder{}
	var calls atomic.Int32
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		if calls.Add(1) < 3 {
			return Response{}, errors.New("upstream 503")
		}
		return Response{Text: "ok"}, nil
	})
	c, err := New(q, backend, WithReporter(rec))
	require.NoError(t, err)

	resp, err := c.Complete(waitCtx(t), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, []bool{false, false, true}, rec.outcomes())
}

func TestNoRetryAndNegativeRetries(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	var calls atomic.Int32
	backend := BackendFunc(func(_ context.Context, req Request) (Response, error) {
		calls.Add(1)
		if req.Prompt == "bad" {
			return Response{}, queue.NoRetry(errors.New("invalid prompt"))
		}
		return Response{}, errors.New("boom")
	})
	c, err := New(q, backend)
	require.NoError(t, err)

	_, err = c.Complete(waitCtx(t), Request{Prompt: "bad"})
	var re *queue.RetryExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Attempts)
	assert.ErrorContains(t, err, "invalid prompt")

	_, err = c.Complete(waitCtx(t), Request{Prompt: "other", MaxRetries: -1})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLimiterGatesCalls(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, lim.Allow(), "drain the single token")

	var calls atomic.Int32
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		calls.Add(1)
		return Response{}, nil
	})
	c, err := New(q, backend, WithLimiter(lim), WithDefaults(task.Normal, 50*time.Millisecond, 0))
	require.NoError(t, err)

	_, err = c.Complete(waitCtx(t), Request{Prompt: "x", MaxRetries: -1})
	require.Error(t, err)
	assert.Zero(t, calls.Load(), "backend must not run without a token")
	assert.Zero(t, q.Status().Accepted, "nothing enqueued without a token")
}

func TestThrottledCallHoldsNoWorker(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	lim := rate.NewLimiter(rate.Every(400*time.Millisecond), 1)
	require.True(t, lim.Allow())

	c, err := New(q, BackendFunc(func(context.Context, Request) (Response, error) {
		return Response{Text: "done"}, nil
	}), WithLimiter(lim))
	require.NoError(t, err)

	type result struct {
		resp Response
		err  error
	}
	out := make(chan result, 1)
	go func() {
		resp, err := c.Complete(waitCtx(t), Request{Prompt: "x"})
		out <- result{resp, err}
	}()

	time.Sleep(100 * time.Millisecond)
	st := q.Status()
	assert.Zero(t, st.Accepted, "still waiting for a permit")
	assert.Zero(t, st.Running)

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, "done", r.resp.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("throttled call never completed")
	}
	assert.Equal(t, uint64(1), q.Status().Accepted)
}

func TestFailuresFeedController(t *testing.T) {
	t.Parallel()
	q := startedQueue(t)
	stats := controller.NewExternalStats()
	backend := BackendFunc(func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("429")
	})
	c, err := New(q, backend, WithReporter(stats))
	require.NoError(t, err)
	_, err = c.Complete(waitCtx(t), Request{MaxRetries: -1})
	require.Error(t, err)

	src := controller.AppSource{External: stats, Window: time.Minute}
	vals, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vals[controller.MetricErrorRate], 1e-9)
}
