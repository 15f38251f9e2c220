package supervisor

import (
	"sort"
	"sync"
	"time"
)

// LoopStats describes the loops started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
	LastStartAt time.Time `json:"last_start_at"`
}

type statsTable struct {
	mu    sync.Mutex
	names map[string]*LoopStats
}

func (t *statsTable) update(name string, fn func(st *LoopStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names == nil {
		t.names = map[string]*LoopStats{}
	}
	st, ok := t.names[name]
	if !ok {
		st = &LoopStats{Name: name}
		t.names[name] = st
	}
	fn(st)
}

func (t *statsTable) started(name string, restart bool) {
	now := time.Now()
	t.update(name, func(st *LoopStats) {
		st.Active++
		st.Started++
		st.LastStartAt = now
		if restart {
			st.Restarts++
		}
	})
}

func (t *statsTable) stopped(name string, err error) {
	now := time.Now()
	t.update(name, func(st *LoopStats) {
		st.Active = max(st.Active-1, 0)
		if err != nil {
			st.LastErr = err.Error()
			st.LastErrAt = now
		}
	})
}

func (t *statsTable) panicked(name string) {
	t.update(name, func(st *LoopStats) { st.Panics++ })
}

// Snapshot lists every loop name seen, running ones first, then by name.
func (s *Supervisor) Snapshot() []LoopStats {
	if s == nil {
		return nil
	}
	s.stats.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats.names))
	for _, st := range s.stats.names {
		out = append(out, *st)
	}
	s.stats.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Active > 0) != (out[j].Active > 0) {
			return out[i].Active > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}
