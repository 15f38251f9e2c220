package controller

import (
	"errors"
	"fmt"
	"time"
)

// Metric names a sampled signal.
type Metric string

const (
	MetricCPU          Metric = "cpu"           // percent
	MetricMemory       Metric = "memory"        // percent
	MetricErrorRate    Metric = "error_rate"    // 0..1
	MetricResponseTime Metric = "response_time" // seconds
	MetricQueueDepth   Metric = "queue_depth"   // tasks
	MetricRunning      Metric = "running"       // tasks
)

// Metrics lists every metric in scoring order.
func Metrics() []Metric {
	return []Metric{MetricCPU, MetricMemory, MetricErrorRate, MetricResponseTime, MetricQueueDepth, MetricRunning}
}

// Threshold holds the three ascending cut points of a metric and its weight
// in the overall severity.
type Threshold struct {
	Warning   float64 `json:"warning" yaml:"warning"`
	Critical  float64 `json:"critical" yaml:"critical"`
	Emergency float64 `json:"emergency" yaml:"emergency"`
	Weight    float64 `json:"weight" yaml:"weight"`
}

// DefaultThresholds returns the built-in threshold table.
func DefaultThresholds() map[Metric]Threshold {
	return map[Metric]Threshold{
		MetricCPU:          {Warning: 70, Critical: 85, Emergency: 95, Weight: 1},
		MetricMemory:       {Warning: 75, Critical: 85, Emergency: 95, Weight: 1},
		MetricErrorRate:    {Warning: 0.1, Critical: 0.25, Emergency: 0.5, Weight: 1.5},
		MetricResponseTime: {Warning: 2, Critical: 5, Emergency: 10, Weight: 1},
		MetricQueueDepth:   {Warning: 100, Critical: 500, Emergency: 900, Weight: 0.5},
		MetricRunning:      {Warning: 64, Critical: 128, Emergency: 256, Weight: 0.25},
	}
}

type Config struct {
	Interval time.Duration

	MinConcurrency int
	MaxConcurrency int

	// Cooldown is the minimum spacing between two actions.
	Cooldown time.Duration
	// IncreaseHoldoff blocks increases for this long after any decrease.
	IncreaseHoldoff time.Duration

	DecreaseFactor float64
	IncreaseFactor float64

	EmergencyStop    bool
	BreakerEnabled   bool
	BreakerThreshold int
	RecoveryWindow   time.Duration

	HistorySize int
	// Window is the trailing window used for error rate and response time.
	Window time.Duration

	// BaseRate is the upstream request budget (per second) at multiplier 1.
	BaseRate          float64
	MinRateMultiplier float64

	Thresholds map[Metric]Threshold
}

// DefaultConfig returns a fully populated config.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		MinConcurrency:    1,
		MaxConcurrency:    16,
		Cooldown:          60 * time.Second,
		IncreaseHoldoff:   60 * time.Second,
		DecreaseFactor:    0.7,
		IncreaseFactor:    1.2,
		EmergencyStop:     true,
		BreakerEnabled:    true,
		BreakerThreshold:  3,
		RecoveryWindow:    5 * time.Minute,
		HistorySize:       100,
		Window:            5 * time.Minute,
		BaseRate:          10,
		MinRateMultiplier: 0.1,
		Thresholds:        DefaultThresholds(),
	}
}

// WithDefaults fills zero-valued numeric fields. Booleans are taken as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = d.MinConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.IncreaseHoldoff < 0 {
		c.IncreaseHoldoff = 0
	}
	if c.DecreaseFactor <= 0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.IncreaseFactor <= 0 {
		c.IncreaseFactor = d.IncreaseFactor
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = d.RecoveryWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.BaseRate <= 0 {
		c.BaseRate = d.BaseRate
	}
	if c.MinRateMultiplier <= 0 {
		c.MinRateMultiplier = d.MinRateMultiplier
	}
	th := make(map[Metric]Threshold, len(d.Thresholds))
	for m, v := range d.Thresholds {
		th[m] = v
	}
	for m, v := range c.Thresholds {
		th[m] = v
	}
	c.Thresholds = th
	return c
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	if c.MinConcurrency < 1 {
		errs = append(errs, errors.New("min_concurrency must be >= 1"))
	}
	if c.MaxConcurrency < c.MinConcurrency {
		errs = append(errs, fmt.Errorf("max_concurrency (%d) must be >= min_concurrency (%d)", c.MaxConcurrency, c.MinConcurrency))
	}
	if c.Cooldown < 0 || c.IncreaseHoldoff < 0 {
		errs = append(errs, errors.New("cooldown and increase_holdoff must be >= 0"))
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		errs = append(errs, fmt.Errorf("decrease_factor must be in (0,1), got %v", c.DecreaseFactor))
	}
	if c.IncreaseFactor <= 1 {
		errs = append(errs, fmt.Errorf("increase_factor must be > 1, got %v", c.IncreaseFactor))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, errors.New("breaker_threshold must be >= 1"))
	}
	if c.RecoveryWindow <= 0 {
		errs = append(errs, errors.New("recovery_window must be > 0"))
	}
	if c.HistorySize < 1 {
		errs = append(errs, errors.New("history_size must be >= 1"))
	}
	if c.MinRateMultiplier <= 0 || c.MinRateMultiplier > 1 {
		errs = append(errs, fmt.Errorf("min_rate_multiplier must be in (0,1], got %v", c.MinRateMultiplier))
	}
	for _, m := range Metrics() {
		th, ok := c.Thresholds[m]
		if !ok {
			continue
		}
		if !(th.Warning < th.Critical && th.Critical < th.Emergency) {
			errs = append(errs, fmt.Errorf("thresholds.%s: need warning < critical < emergency", m))
		}
		if th.Weight < 0 {
			errs = append(errs, fmt.Errorf("thresholds.%s: weight must be >= 0", m))
		}
	}
	return errors.Join(errs...)
}

func (c Config) clamp(n int) int {
	if n < c.MinConcurrency {
		return c.MinConcurrency
	}
	if n > c.MaxConcurrency {
		return c.MaxConcurrency
	}
	return n
}
