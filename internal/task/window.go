package task

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// sample is one finished attempt: a success, a failure that will be retried,
// or a terminal failure/timeout. Cancellations are not sampled.
type sample struct {
	at  time.Time
	dur time.Duration
	ok  bool
}

// WindowStats summarises attempts that finished inside a trailing window.
type WindowStats struct {
	Window       time.Duration `json:"window"`
	Attempts     int           `json:"attempts"`
	Errors       int           `json:"errors"`
	ErrorRate    float64       `json:"error_rate"`
	MeanResponse time.Duration `json:"mean_response"`
	P95Response  time.Duration `json:"p95_response"`
}

// addSample must be called with t.mu held.
func (t *Tracker) addSample(at time.Time, d time.Duration, ok bool) {
	t.samples = append(t.samples, sample{at: at, dur: d, ok: ok})
	if over := len(t.samples) - t.maxSamples; over > 0 {
		t.samples = append(t.samples[:0], t.samples[over:]...)
	}
}

// WindowStats returns error rate and response-time figures for attempts that
// finished within window of now.
func (t *Tracker) WindowStats(window time.Duration) WindowStats {
	t.mu.RLock()
	cutoff := t.now().Add(-window)
	durs := make([]float64, 0, len(t.samples))
	ws := WindowStats{Window: window}
	for _, s := range t.samples {
		if s.at.Before(cutoff) {
			continue
		}
		ws.Attempts++
		if !s.ok {
			ws.Errors++
		}
		durs = append(durs, float64(s.dur))
	}
	t.mu.RUnlock()

	if ws.Attempts == 0 {
		return ws
	}
	ws.ErrorRate = float64(ws.Errors) / float64(ws.Attempts)
	sort.Float64s(durs)
	ws.MeanResponse = time.Duration(stat.Mean(durs, nil))
	ws.P95Response = time.Duration(stat.Quantile(0.95, stat.Empirical, durs, nil))
	return ws
}
