package task

import (
	"sort"
	"sync"
	"time"
)

// Metrics is an aggregate view over every task the tracker has seen.
//
// ByState counts records currently held (evicted records drop out); the
// outcome counters and execution-time figures are cumulative.
type Metrics struct {
	Tracked     int           `json:"tracked"`
	ByState     map[State]int `json:"by_state"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	TimedOut    uint64        `json:"timed_out"`
	Cancelled   uint64        `json:"cancelled"`
	Retries     uint64        `json:"retries"`
	SuccessRate float64       `json:"success_rate"`
	AvgExec     time.Duration `json:"avg_exec"`
	MinExec     time.Duration `json:"min_exec"`
	MaxExec     time.Duration `json:"max_exec"`
}

type aggregates struct {
	byState   map[State]int
	succeeded uint64
	failed    uint64
	timedOut  uint64
	cancelled uint64
	retries   uint64

	execN   uint64
	execSum time.Duration
	execMin time.Duration
	execMax time.Duration
}

// Tracker owns every task Record. All mutations happen under one lock and
// readers receive copies, so a snapshot never mixes pre- and post-update values.
type Tracker struct {
	mu   sync.RWMutex
	now  func() time.Time
	recs map[string]*Record
	agg  aggregates

	samples    []sample
	maxSamples int
}

type TrackerOption func(*Tracker)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSampleLimit bounds the attempt samples kept for WindowStats.
func WithSampleLimit(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxSamples = n
		}
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		now:        time.Now,
		recs:       make(map[string]*Record),
		agg:        aggregates{byState: make(map[State]int)},
		maxSamples: 4096,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add starts tracking tk in the pending state.
func (t *Tracker) Add(tk Task) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recs[tk.ID]; ok {
		return Record{}, ErrDuplicate
	}
	created := tk.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	r := &Record{
		ID:         tk.ID,
		Name:       tk.Name,
		Priority:   tk.Priority,
		State:      Pending,
		Metadata:   tk.Metadata,
		CreatedAt:  created,
		MaxRetries: tk.MaxRetries,
	}
	*r = r.clone()
	t.recs[tk.ID] = r
	t.agg.byState[Pending]++
	return r.clone(), nil
}

// Restore inserts a record as-is, e.g. when loading persisted history.
// Records already present are left untouched.
func (t *Tracker) Restore(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.recs[r.ID]; ok {
		return
	}
	cp := r.clone()
	t.recs[r.ID] = &cp
	t.agg.byState[r.State]++
}

func (t *Tracker) transition(id string, to State, apply func(r *Record, now time.Time)) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !allowed(r.State, to) {
		return r.clone(), &TransitionError{ID: id, From: r.State, To: to}
	}
	now := t.now()
	from := r.State
	r.State = to
	if apply != nil {
		apply(r, now)
	}
	t.agg.byState[from]--
	t.agg.byState[to]++

	if to.Terminal() {
		r.CompletedAt = now
		if !r.StartedAt.IsZero() {
			r.ExecTime = now.Sub(r.StartedAt)
		}
		t.recordOutcome(r)
	}
	return r.clone(), nil
}

func (t *Tracker) recordOutcome(r *Record) {
	switch r.State {
	case Success:
		t.agg.succeeded++
	case Failed:
		t.agg.failed++
	case Timeout:
		t.agg.timedOut++
	case Cancelled:
		t.agg.cancelled++
	}
	if r.StartedAt.IsZero() {
		return
	}
	d := r.ExecTime
	t.agg.execN++
	t.agg.execSum += d
	if t.agg.execN == 1 || d < t.agg.execMin {
		t.agg.execMin = d
	}
	if d > t.agg.execMax {
		t.agg.execMax = d
	}
	if r.State != Cancelled {
		t.addSample(r.CompletedAt, d, r.State == Success)
	}
}

// Start moves a pending task to running.
func (t *Tracker) Start(id string) (Record, error) {
	return t.transition(id, Running, func(r *Record, now time.Time) {
		r.StartedAt = now
	})
}

// Succeed records the handler's result.
func (t *Tracker) Succeed(id string, result any) (Record, error) {
	return t.transition(id, Success, func(r *Record, _ time.Time) {
		r.Result = result
		r.Error = ""
	})
}

// Fail records the last error once retries are exhausted.
func (t *Tracker) Fail(id string, err error) (Record, error) {
	return t.transition(id, Failed, func(r *Record, _ time.Time) {
		r.Error = errString(err)
	})
}

// Timeout records that the final attempt overran its deadline.
func (t *Tracker) Timeout(id string, err error) (Record, error) {
	return t.transition(id, Timeout, func(r *Record, _ time.Time) {
		r.Error = errString(err)
	})
}

// Cancel is valid from pending, running and retrying.
func (t *Tracker) Cancel(id string) (Record, error) {
	return t.transition(id, Cancelled, nil)
}

// Retry moves a running task to retrying and bumps its retry counter.
func (t *Tracker) Retry(id string, err error) (Record, error) {
	return t.transition(id, Retrying, func(r *Record, now time.Time) {
		r.RetryCount++
		r.Error = errString(err)
		if !r.StartedAt.IsZero() {
			r.ExecTime = now.Sub(r.StartedAt)
		}
		t.agg.retries++
		t.addSample(now, r.ExecTime, false)
	})
}

// Requeue returns a retrying task to pending.
func (t *Tracker) Requeue(id string) (Record, error) {
	return t.transition(id, Pending, nil)
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.recs[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// ByState returns records in state s, oldest first.
func (t *Tracker) ByState(s State) []Record {
	return t.filter(func(r *Record) bool { return r.State == s })
}

// ByJob returns records created by the named job, oldest first.
func (t *Tracker) ByJob(name string) []Record {
	return t.filter(func(r *Record) bool { return r.Metadata[MetaJob] == name })
}

// Export returns every record, oldest first.
func (t *Tracker) Export() []Record {
	return t.filter(nil)
}

func (t *Tracker) filter(keep func(r *Record) bool) []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.recs))
	for _, r := range t.recs {
		if keep == nil || keep(r) {
			out = append(out, r.clone())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Metrics returns a consistent aggregate snapshot.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := Metrics{
		Tracked:   len(t.recs),
		ByState:   make(map[State]int, len(States())),
		Succeeded: t.agg.succeeded,
		Failed:    t.agg.failed,
		TimedOut:  t.agg.timedOut,
		Cancelled: t.agg.cancelled,
		Retries:   t.agg.retries,
		MinExec:   t.agg.execMin,
		MaxExec:   t.agg.execMax,
	}
	for _, s := range States() {
		m.ByState[s] = t.agg.byState[s]
	}
	if t.agg.execN > 0 {
		m.AvgExec = t.agg.execSum / time.Duration(t.agg.execN)
	}
	if den := t.agg.succeeded + t.agg.failed + t.agg.timedOut; den > 0 {
		m.SuccessRate = float64(t.agg.succeeded) / float64(den)
	}
	return m
}

// Cleanup evicts terminal records completed more than retention ago and
// returns how many were removed. Cumulative counters are unaffected.
func (t *Tracker) Cleanup(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-retention)
	n := 0
	for id, r := range t.recs {
		if r.State.Terminal() && r.CompletedAt.Before(cutoff) {
			delete(t.recs, id)
			t.agg.byState[r.State]--
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
