package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key so bursty conditions
// (queue full, flapping sources) don't flood the output.
//
// The zero value is not usable; create one with NewThrottle.
type Throttle struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle allows one line per key every d.
func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.limiters[key]
	if lim == nil {
		// Bound the map; keys are component-chosen and few in practice.
		if len(t.limiters) >= 1024 {
			t.limiters = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
