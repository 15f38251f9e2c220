package controller

import "time"

// breakerState is the process-wide admission breaker.
//
// It trips on emergency stop or after threshold consecutive critical cycles,
// and stays open for the recovery window. The first cycle after the window
// resets it.
type breakerState struct {
	tripped     bool
	consecutive int
	trippedAt   time.Time
	trips       int
}

// BreakerStatus is the read-only view of the breaker.
type BreakerStatus struct {
	Tripped             bool       `json:"tripped"`
	ConsecutiveCritical int        `json:"consecutive_critical"`
	LastTrip            *time.Time `json:"last_trip,omitempty"`
	ReopensAt           *time.Time `json:"reopens_at,omitempty"`
	Trips               int        `json:"trips"`
}

func (b *breakerState) observe(l Level) {
	if l == Critical {
		b.consecutive++
		return
	}
	b.consecutive = 0
}

// recovered reports whether an open breaker has waited out window.
func (b *breakerState) recovered(now time.Time, window time.Duration) bool {
	return b.tripped && now.Sub(b.trippedAt) >= window
}

func (b *breakerState) trip(now time.Time) {
	b.tripped = true
	b.trippedAt = now
	b.trips++
}

func (b *breakerState) reset() {
	b.tripped = false
	b.consecutive = 0
}

func (b *breakerState) status(window time.Duration) BreakerStatus {
	st := BreakerStatus{Tripped: b.tripped, ConsecutiveCritical: b.consecutive, Trips: b.trips}
	if !b.trippedAt.IsZero() {
		t := b.trippedAt
		st.LastTrip = &t
	}
	if b.tripped {
		t := b.trippedAt.Add(window)
		st.ReopensAt = &t
	}
	return st
}
