package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"feedagent/internal/controller"
	"feedagent/internal/eventbus"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

type fakeController struct{ state controller.State }

func (f *fakeController) State() controller.State { return f.state }
func (f *fakeController) History() []controller.Snapshot {
	return []controller.Snapshot{{Level: controller.Warning}}
}
func (f *fakeController) Actions() []controller.Decision { return nil }

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
	fail    bool
}

func (m *memAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	srv   *Server
	h     http.Handler
	q     *queue.Queue
	sched *scheduler.Service
	bus   eventbus.Bus
	audit *memAudit
	ctl   *fakeController
}

// newFixture wires real tracker, queue and scheduler. The queue is never
// started so submitted tasks stay pending.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	bus := eventbus.New()
	q := queue.New(queue.Config{Workers: 1}, task.NewTracker(), queue.WithBus(bus))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, q, logx.Nop(), bus)
	require.NoError(t, sched.RegisterHandler("collect", func(context.Context, []any) (any, error) { return "ok", nil }))
	require.NoError(t, sched.AddJob(scheduler.JobSpec{Name: "collect-news", Cron: "*/15 * * * *", Handler: "collect", Enabled: true, Priority: task.High}, false))
	require.NoError(t, sched.AddJob(scheduler.JobSpec{Name: "digest", Cron: "@daily", Handler: "collect"}, false))

	f := &fixture{q: q, sched: sched, bus: bus, audit: &memAudit{}, ctl: &fakeController{}}
	f.ctl.state = controller.State{Concurrency: 3, RateMultiplier: 0.7}
	srv, err := New(cfg, Deps{
		Jobs:       sched,
		Queue:      q,
		Tasks:      q.Tracker(),
		Controller: f.ctl,
		Audit:      f.audit,
		Bus:        bus,
	}, logx.Nop())
	require.NoError(t, err)
	f.srv, f.h = srv, srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestNewRequiresCoreDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{}, logx.Nop())
	assert.Error(t, err)
}

func TestRoutesRegistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Pprof: true})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/api/jobs"},
		{http.MethodGet, "/api/jobs/digest"},
		{http.MethodGet, "/api/queue"},
		{http.MethodGet, "/api/tasks"},
		{http.MethodGet, "/api/metrics"},
		{http.MethodGet, "/api/controller"},
		{http.MethodGet, "/api/controller/history"},
		{http.MethodGet, "/api/loops"},
		{http.MethodGet, "/debug/pprof/"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, f.do(t, tc.method, tc.path, nil))
		})
	}
}

func TestPprofOffByDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/debug/pprof/", nil))
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var jobs []scheduler.JobStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs", &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "collect-news", jobs[0].Name)
	assert.Equal(t, "high", jobs[0].Priority)

	var view jobView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs/collect-news?preview=3", &view))
	assert.Len(t, view.Upcoming, 3)
	assert.NotNil(t, view.NextRun)

	// disabled jobs carry no preview
	var digest jobView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs/digest", &digest))
	assert.Empty(t, digest.Upcoming)
	assert.Nil(t, digest.NextRun)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/jobs/digest?preview=x", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/jobs/nope", nil))

	var st scheduler.JobStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/jobs/digest/enable", &st))
	assert.True(t, st.Enabled)
	assert.NotNil(t, st.NextRun)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/jobs/digest/disable", &st))
	assert.False(t, st.Enabled)

	var run map[string]string
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/jobs/collect-news/run", &run))
	id := run["task_id"]
	require.NotEmpty(t, id)
	rec, ok := f.q.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, task.Pending, rec.State)
	assert.Equal(t, "collect-news", rec.Job())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/jobs/nope/run", nil))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/jobs/digest", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/jobs/digest", nil))

	assert.Equal(t, []string{"job.enable", "job.disable", "job.run", "job.run", "job.remove", "job.remove"}, f.audit.actions())
	f.audit.mu.Lock()
	last := f.audit.entries[len(f.audit.entries)-1]
	f.audit.mu.Unlock()
	assert.False(t, last.OK)
	assert.Contains(t, last.Error, "job not found")
}

func TestTaskEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	idA, err := f.sched.RunJobNow("collect-news")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	idB, err := f.q.Submit(func(context.Context, []any) (any, error) { return nil, nil }, nil, queue.Options{Name: "adhoc"})
	require.NoError(t, err)

	var recs []task.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks", &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, idB, recs[0].ID, "newest first")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks?job=collect-news", &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, idA, recs[0].ID)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks?state=pending&limit=1", &recs))
	assert.Len(t, recs, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/tasks?state=sleeping", nil))

	var rec task.Record
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tasks/"+idA, &rec))
	assert.Equal(t, task.High, rec.Priority)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/tasks/tsk_missing", nil))

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodDelete, "/api/tasks/"+idA, nil))
	rec, _ = f.q.Tracker().Get(idA)
	assert.Equal(t, task.Cancelled, rec.State)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/tasks/"+idA, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/tasks/tsk_missing", nil))

	var st queue.Status
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/queue", &st))
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, uint64(2), st.Accepted)

	var m struct {
		Tasks  task.Metrics     `json:"tasks"`
		Window task.WindowStats `json:"window"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/metrics?window=1m", &m))
	assert.Equal(t, 2, m.Tasks.Tracked)
	assert.Equal(t, time.Minute, m.Window.Window)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/metrics?window=-1s", nil))
}

func TestControllerEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	var body struct {
		State controller.State `json:"state"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/controller", &body))
	assert.Equal(t, 3, body.State.Concurrency)
	assert.InDelta(t, 0.7, body.State.RateMultiplier, 1e-9)

	var st queue.Status
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/controller/pause", &st))
	assert.True(t, st.Paused)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/controller/resume", &st))
	assert.False(t, st.Paused)
	assert.Equal(t, []string{"queue.pause", "queue.resume"}, f.audit.actions())
}

func TestControllerDisabled(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, nil)
	sched := scheduler.New(scheduler.Config{}, q, logx.Nop(), nil)
	srv, err := New(Config{}, Deps{Jobs: sched, Queue: q, Tasks: q.Tracker()}, logx.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/controller", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "breaker_tripped")
}

func TestAuditFailureDoesNotFailRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.audit.fail = true
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/controller/pause", nil))
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil), "health is open")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/jobs?token=wrong", nil))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/jobs?token=s3cret", nil))

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestTokenEqual(t *testing.T) {
	t.Parallel()
	assert.True(t, tokenEqual("s3cret", "s3cret"))
	assert.False(t, tokenEqual("s3cre", "s3cret"))
	assert.False(t, tokenEqual("s3cret!", "s3cret"))
	assert.False(t, tokenEqual("S3CRET", "s3cret"))
	assert.False(t, tokenEqual("", ""))
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?type=controller.&token=s3cret"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	f.bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Time: time.Now()})
	f.bus.Publish(eventbus.Event{Type: eventbus.BreakerTripped, Time: time.Now(), Data: map[string]any{"reason": "consecutive_critical"}})

	var ev eventbus.Event
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, eventbus.BreakerTripped, ev.Type)
	assert.Equal(t, map[string]any{"reason": "consecutive_critical"}, ev.Data)
}

func TestEventStreamRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})
	ts := httptest.NewServer(f.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "0.0.0.0:0"})
	err := f.srv.Serve(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}

func TestServeStopsWithContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8089"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":8089"))
	assert.False(t, isLoopbackAddr("10.0.0.1:8089"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
