package controller

import (
	"math"
	"sort"
	"time"
)

// severityPrecision is the resolution severity is rounded to before
// bucketing, so tier boundaries hold exactly regardless of weights.
const severityPrecision = 1e9

// Level is the bucketed system state.
type Level string

const (
	Healthy  Level = "healthy"
	Normal   Level = "normal"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// Snapshot is one cycle's observation.
type Snapshot struct {
	Time        time.Time          `json:"time"`
	Values      map[Metric]float64 `json:"values"`
	Unavailable []Metric           `json:"unavailable,omitempty"`
	Severity    float64            `json:"severity"`
	Level       Level              `json:"level"`
}

// scoreValue maps a sample onto 0 / 0.6 / 0.8 / 1.0.
func scoreValue(v float64, th Threshold) float64 {
	switch {
	case v >= th.Emergency:
		return 1.0
	case v >= th.Critical:
		return 0.8
	case v >= th.Warning:
		return 0.6
	default:
		return 0
	}
}

func levelOf(severity float64) Level {
	switch {
	case severity < 0.3:
		return Healthy
	case severity < 0.6:
		return Normal
	case severity < 0.8:
		return Warning
	default:
		return Critical
	}
}

// Score returns the weighted severity of values and its bucket. Metrics with
// no threshold or zero weight do not count. With nothing to score the state
// is Normal, so a blind cycle neither grows nor shrinks the pool.
//
// Metrics are summed in name order and the result is rounded, so the same
// sample always lands in the same bucket.
func Score(values map[Metric]float64, thresholds map[Metric]Threshold) (float64, Level) {
	names := make([]Metric, 0, len(values))
	for m := range values {
		names = append(names, m)
	}
	sortMetrics(names)

	var sum, weights float64
	for _, m := range names {
		th, ok := thresholds[m]
		if !ok || th.Weight <= 0 {
			continue
		}
		sum += th.Weight * scoreValue(values[m], th)
		weights += th.Weight
	}
	if weights == 0 {
		return 0, Normal
	}
	sev := math.Round(sum/weights*severityPrecision) / severityPrecision
	return sev, levelOf(sev)
}

func sortMetrics(ms []Metric) {
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
}
