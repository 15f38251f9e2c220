package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"feedagent/internal/task"
	"feedagent/internal/task/queue"
)

// Source is a pull-based metric feed. A source that returns an error has all
// of its metrics treated as unavailable for that cycle.
type Source interface {
	Name() string
	Metrics() []Metric
	Sample(ctx context.Context) (map[Metric]float64, error)
}

// HostSource reads CPU and memory utilisation from the OS.
type HostSource struct{}

func (HostSource) Name() string      { return "host" }
func (HostSource) Metrics() []Metric { return []Metric{MetricCPU, MetricMemory} }

func (HostSource) Sample(ctx context.Context) (map[Metric]float64, error) {
	// interval 0 compares against the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	if len(pct) == 0 {
		return nil, errors.New("cpu percent unavailable")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[Metric]float64{MetricCPU: pct[0], MetricMemory: vm.UsedPercent}, nil
}

// WindowStatser is satisfied by *task.Tracker.
type WindowStatser interface {
	WindowStats(window time.Duration) task.WindowStats
}

// AppSource derives error rate and mean response time from the tracker's
// trailing window, merged with whatever external callers reported.
type AppSource struct {
	Tracker  WindowStatser
	External *ExternalStats
	Window   time.Duration
	Now      func() time.Time
}

func (s AppSource) Name() string      { return "app" }
func (s AppSource) Metrics() []Metric { return []Metric{MetricErrorRate, MetricResponseTime} }

func (s AppSource) Sample(context.Context) (map[Metric]float64, error) {
	if s.Tracker == nil && s.External == nil {
		return nil, errors.New("no application metrics source")
	}
	var attempts, errs int
	var total time.Duration
	if s.Tracker != nil {
		ws := s.Tracker.WindowStats(s.Window)
		attempts += ws.Attempts
		errs += ws.Errors
		total += ws.MeanResponse * time.Duration(ws.Attempts)
	}
	if s.External != nil {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		a, e, t := s.External.window(now(), s.Window)
		attempts += a
		errs += e
		total += t
	}
	out := map[Metric]float64{MetricErrorRate: 0, MetricResponseTime: 0}
	if attempts > 0 {
		out[MetricErrorRate] = float64(errs) / float64(attempts)
		out[MetricResponseTime] = (total / time.Duration(attempts)).Seconds()
	}
	return out, nil
}

// StatusReader is satisfied by *queue.Queue.
type StatusReader interface {
	Status() queue.Status
}

// QueueSource reports backlog and running tasks.
type QueueSource struct {
	Queue StatusReader
}

func (s QueueSource) Name() string      { return "queue" }
func (s QueueSource) Metrics() []Metric { return []Metric{MetricQueueDepth, MetricRunning} }

func (s QueueSource) Sample(context.Context) (map[Metric]float64, error) {
	if s.Queue == nil {
		return nil, errors.New("no queue")
	}
	st := s.Queue.Status()
	return map[Metric]float64{
		MetricQueueDepth: float64(st.QueueDepth + st.Delayed),
		MetricRunning:    float64(st.Running),
	}, nil
}

const externalSampleLimit = 4096

type extSample struct {
	at  time.Time
	dur time.Duration
	ok  bool
}

// ExternalStats collects outcomes reported by callers outside the queue,
// such as an HTTP client. Safe for concurrent use.
type ExternalStats struct {
	mu      sync.Mutex
	samples []extSample
	now     func() time.Time
}

func NewExternalStats() *ExternalStats { return &ExternalStats{now: time.Now} }

// Report records one call.
func (s *ExternalStats) Report(ok bool, latency time.Duration) {
	s.mu.Lock()
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	s.samples = append(s.samples, extSample{at: now(), dur: latency, ok: ok})
	if over := len(s.samples) - externalSampleLimit; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
	s.mu.Unlock()
}

func (s *ExternalStats) window(now time.Time, d time.Duration) (attempts, errs int, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-d)
	keep := s.samples[:0]
	for _, x := range s.samples {
		if x.at.Before(cutoff) {
			continue
		}
		keep = append(keep, x)
		attempts++
		if !x.ok {
			errs++
		}
		total += x.dur
	}
	s.samples = keep
	return attempts, errs, total
}
