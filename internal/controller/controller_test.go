package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedagent/internal/eventbus"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
)

type fakeTarget struct {
	mu      sync.Mutex
	n       int
	paused  bool
	resumes int
}

func (f *fakeTarget) Concurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeTarget) SetConcurrency(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 {
		n = 1
	}
	f.n = n
	return n
}

func (f *fakeTarget) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeTarget) Resume() {
	f.mu.Lock()
	f.paused = false
	f.resumes++
	f.mu.Unlock()
}

func (f *fakeTarget) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// snapAt puts every metric at the given threshold tier:
// 0 below warning, 1 warning, 2 critical, 3 emergency.
func snapAt(tier int) Snapshot {
	vals := map[Metric]float64{}
	for m, th := range DefaultThresholds() {
		switch tier {
		case 0:
			vals[m] = 0
		case 1:
			vals[m] = th.Warning
		case 2:
			vals[m] = th.Critical
		default:
			vals[m] = th.Emergency
		}
	}
	return Snapshot{Values: vals}
}

var (
	healthy  = func() Snapshot { return snapAt(0) }
	warning  = func() Snapshot { return snapAt(1) }
	critical = func() Snapshot { return snapAt(3) }
)

func newController(t *testing.T, cfg Config, n int, opts ...Option) (*Controller, *fakeTarget) {
	t.Helper()
	tg := &fakeTarget{n: n}
	c, err := New(cfg, tg, opts...)
	require.NoError(t, err)
	return c, tg
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScore(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()

	cases := []struct {
		name  string
		snap  Snapshot
		sev   float64
		level Level
	}{
		{"all low", healthy(), 0, Healthy},
		{"all warning", warning(), 0.6, Warning},
		{"all critical", snapAt(2), 0.8, Critical},
		{"all emergency", critical(), 1, Critical},
	}
	for _, tc := range cases {
		sev, level := Score(tc.snap.Values, th)
		assert.InDelta(t, tc.sev, sev, 1e-9, tc.name)
		assert.Equal(t, tc.level, level, tc.name)
	}

	// Weighted: cpu at emergency (w=1), memory low (w=1) -> 0.5 -> normal.
	sev, level := Score(map[Metric]float64{MetricCPU: 99, MetricMemory: 10}, th)
	assert.InDelta(t, 0.5, sev, 1e-9)
	assert.Equal(t, Normal, level)

	// Nothing scoreable holds steady.
	_, level = Score(map[Metric]float64{}, th)
	assert.Equal(t, Normal, level)
}

func TestScoreStableAtTierBoundaries(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()
	odd := DefaultThresholds()
	for m, w := range map[Metric]float64{MetricCPU: 0.1, MetricMemory: 0.2, MetricErrorRate: 0.7, MetricQueueDepth: 0.3} {
		x := odd[m]
		x.Weight = w
		odd[m] = x
	}

	for i := 0; i < 500; i++ {
		for _, table := range []map[Metric]Threshold{th, odd} {
			sev, level := Score(warning().Values, table)
			require.Equal(t, 0.6, sev)
			require.Equal(t, Warning, level)

			sev, level = Score(snapAt(2).Values, table)
			require.Equal(t, 0.8, sev)
			require.Equal(t, Critical, level)
		}
	}
}

func TestHysteresis(t *testing.T) {
	t.Parallel()
	c, tg := newController(t, DefaultConfig(), 10)

	d := c.Evaluate(t0, warning())
	require.Equal(t, ActionDecrease, d.Action)
	require.Equal(t, 7, tg.Concurrency())

	d = c.Evaluate(t0.Add(10*time.Second), healthy())
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "cooldown", d.Reason)
	assert.Equal(t, 7, tg.Concurrency())

	d = c.Evaluate(t0.Add(61*time.Second), healthy())
	require.Equal(t, ActionIncrease, d.Action)
	assert.Equal(t, 9, tg.Concurrency())
}

func TestIncreaseHoldoffOutlastsCooldown(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.IncreaseHoldoff = 5 * time.Minute
	c, tg := newController(t, cfg, 10)

	c.Evaluate(t0, warning())
	d := c.Evaluate(t0.Add(2*time.Minute), healthy())
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "holdoff", d.Reason)
	assert.Equal(t, 7, tg.Concurrency())

	d = c.Evaluate(t0.Add(5*time.Minute), healthy())
	assert.Equal(t, ActionIncrease, d.Action)
}

func TestNormalMaintains(t *testing.T) {
	t.Parallel()
	c, tg := newController(t, DefaultConfig(), 6)
	d := c.Evaluate(t0, Snapshot{Values: map[Metric]float64{MetricCPU: 99, MetricMemory: 10}})
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "maintain", d.Reason)
	assert.Equal(t, 6, tg.Concurrency())
}

func TestBreakerRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinConcurrency = 2
	cfg.MaxConcurrency = 10
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	c, tg := newController(t, cfg, 8, WithBus(bus))

	d := c.Evaluate(t0, critical())
	require.Equal(t, ActionEmergencyStop, d.Action)
	assert.True(t, d.Tripped)
	assert.Equal(t, 2, tg.Concurrency())
	assert.True(t, tg.isPaused())
	assert.True(t, c.State().Breaker.Tripped)
	assert.InDelta(t, cfg.MinRateMultiplier, c.RateMultiplier(), 1e-9)

	for _, off := range []time.Duration{time.Minute, 2 * time.Minute, 4*time.Minute + 59*time.Second} {
		d = c.Evaluate(t0.Add(off), healthy())
		assert.Equal(t, ActionNone, d.Action)
		assert.Equal(t, "breaker_open", d.Reason)
		assert.Equal(t, 2, tg.Concurrency())
	}

	d = c.Evaluate(t0.Add(cfg.RecoveryWindow), healthy())
	assert.True(t, d.BreakerReset)
	assert.Equal(t, ActionIncrease, d.Action)
	assert.Equal(t, 3, tg.Concurrency())
	assert.False(t, tg.isPaused())
	assert.False(t, c.State().Breaker.Tripped)
	assert.Equal(t, 1, c.State().Breaker.Trips)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.BreakerTripped)
	assert.Contains(t, types, eventbus.BreakerReset)
	assert.Contains(t, types, eventbus.ControllerAction)
}

func TestConsecutiveCriticalTripsBreaker(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EmergencyStop = false
	cfg.Cooldown = 0
	cfg.BreakerThreshold = 3
	c, tg := newController(t, cfg, 10)

	d := c.Evaluate(t0, critical())
	assert.Equal(t, ActionDecrease, d.Action)
	assert.Equal(t, 7, tg.Concurrency())

	d = c.Evaluate(t0.Add(5*time.Second), critical())
	assert.Equal(t, ActionDecrease, d.Action)
	assert.Equal(t, 4, tg.Concurrency())

	d = c.Evaluate(t0.Add(10*time.Second), critical())
	assert.Equal(t, ActionTrip, d.Action)
	assert.True(t, d.Tripped)
	assert.Equal(t, 1, tg.Concurrency())
	assert.True(t, tg.isPaused())
}

func TestNonCriticalCycleResetsStreak(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EmergencyStop = false
	cfg.Cooldown = 0
	cfg.BreakerThreshold = 2
	c, _ := newController(t, cfg, 10)

	c.Evaluate(t0, critical())
	c.Evaluate(t0.Add(time.Second), warning())
	d := c.Evaluate(t0.Add(2*time.Second), critical())
	assert.Equal(t, ActionDecrease, d.Action)
	assert.False(t, c.State().Breaker.Tripped)
}

func TestConcurrencyClamped(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MinConcurrency = 2
	cfg.MaxConcurrency = 4
	c, tg := newController(t, cfg, 50)

	d := c.Evaluate(t0, healthy())
	assert.Equal(t, 4, d.From)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, "at_ceiling", d.Reason)
	assert.Equal(t, 4, tg.Concurrency())

	cfg.Cooldown = 0
	require.NoError(t, c.Apply(cfg))
	for i := 0; i < 10; i++ {
		c.Evaluate(t0.Add(time.Duration(i+1)*time.Second), warning())
	}
	assert.Equal(t, 2, tg.Concurrency())
	assert.InDelta(t, cfg.MinRateMultiplier, c.RateMultiplier(), 1e-9)
	d = c.Evaluate(t0.Add(time.Minute), warning())
	assert.Equal(t, "at_floor", d.Reason)
}

func TestRateMultiplierDrivesLimiter(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.BaseRate = 10
	c, _ := newController(t, cfg, 10)
	assert.InDelta(t, 10, float64(c.Limiter().Limit()), 1e-9)

	c.Evaluate(t0, warning())
	assert.InDelta(t, 0.7, c.RateMultiplier(), 1e-9)
	assert.InDelta(t, 7, float64(c.Limiter().Limit()), 1e-9)

	c.Evaluate(t0.Add(2*time.Minute), healthy())
	assert.InDelta(t, 0.84, c.RateMultiplier(), 1e-9)
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	cfg.Cooldown = 0
	cfg.IncreaseHoldoff = 0
	c, _ := newController(t, cfg, 8)

	for i := 0; i < 5; i++ {
		c.Evaluate(t0.Add(time.Duration(i)*time.Second), warning())
	}
	h := c.History()
	require.Len(t, h, 3)
	assert.Equal(t, t0.Add(2*time.Second), h[0].Time)
	assert.Equal(t, t0.Add(4*time.Second), h[2].Time)
	assert.LessOrEqual(t, len(c.Actions()), 3)
	for _, a := range c.Actions() {
		assert.Equal(t, Warning, a.Snapshot.Level)
	}
}

type stubSource struct {
	name string
	ms   []Metric
	vals map[Metric]float64
	err  error
}

func (s stubSource) Name() string      { return s.name }
func (s stubSource) Metrics() []Metric { return s.ms }
func (s stubSource) Sample(context.Context) (map[Metric]float64, error) {
	return s.vals, s.err
}

func TestFailingSourceExcludedFromScore(t *testing.T) {
	t.Parallel()
	host := stubSource{name: "host", ms: []Metric{MetricCPU, MetricMemory}, vals: map[Metric]float64{MetricCPU: 99}, err: errors.New("no /proc")}
	q := stubSource{name: "queue", ms: []Metric{MetricQueueDepth, MetricRunning}, vals: map[Metric]float64{MetricQueueDepth: 0, MetricRunning: 1}}
	c, tg := newController(t, DefaultConfig(), 4, WithSources(host, q), WithClock(func() time.Time { return t0 }))

	d := c.Cycle(context.Background())
	assert.Equal(t, []Metric{MetricCPU, MetricMemory}, d.Snapshot.Unavailable)
	assert.NotContains(t, d.Snapshot.Values, MetricCPU)
	assert.Equal(t, Healthy, d.Snapshot.Level)
	assert.Equal(t, ActionIncrease, d.Action)
	assert.Equal(t, 5, tg.Concurrency())
}

type fixedWindow task.WindowStats

func (f fixedWindow) WindowStats(time.Duration) task.WindowStats { return task.WindowStats(f) }

func TestAppSourceMergesExternal(t *testing.T) {
	t.Parallel()
	ext := NewExternalStats()
	for i := 0; i < 10; i++ {
		ext.Report(false, 3*time.Second)
	}
	src := AppSource{
		Tracker:  fixedWindow{Attempts: 10, Errors: 1, MeanResponse: time.Second},
		External: ext,
		Window:   time.Minute,
	}
	vals, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.55, vals[MetricErrorRate], 1e-9)
	assert.InDelta(t, 2.0, vals[MetricResponseTime], 1e-9)

	_, err = AppSource{}.Sample(context.Background())
	assert.Error(t, err)
}

func TestQueueSource(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{Workers: 1}, task.NewTracker())
	for i := 0; i < 3; i++ {
		_, err := q.Submit(func(context.Context, []any) (any, error) { return nil, nil }, nil, queue.Options{})
		require.NoError(t, err)
	}
	vals, err := QueueSource{Queue: q}.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, vals[MetricQueueDepth])
	assert.Equal(t, 0.0, vals[MetricRunning])
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinConcurrency = 8
	bad.MaxConcurrency = 4
	bad.DecreaseFactor = 1.5
	bad.Thresholds = map[Metric]Threshold{MetricCPU: {Warning: 90, Critical: 80, Emergency: 95, Weight: 1}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrency")
	assert.Contains(t, err.Error(), "decrease_factor")
	assert.Contains(t, err.Error(), "thresholds.cpu")

	_, err = New(bad, &fakeTarget{n: 1})
	assert.Error(t, err)
}
