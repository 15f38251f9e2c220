// Package controller keeps the execution core inside safe resource bounds.
//
// Each cycle it samples metric sources, scores them into a severity level
// and adjusts the queue's concurrency and an upstream request-rate multiplier.
// It never touches task contents.
package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedagent/internal/eventbus"
	logx "feedagent/pkg/logx"
)

// Target is the admission surface being controlled. *queue.Queue satisfies it.
type Target interface {
	Concurrency() int
	SetConcurrency(n int) int
	Pause()
	Resume()
}

type Action string

const (
	ActionNone          Action = "none"
	ActionIncrease      Action = "increase"
	ActionDecrease      Action = "decrease"
	ActionEmergencyStop Action = "emergency_stop"
	ActionTrip          Action = "breaker_trip"
)

// Decision is the outcome of one cycle together with the snapshot behind it.
type Decision struct {
	Time         time.Time `json:"time"`
	Action       Action    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	From         int       `json:"from"`
	To           int       `json:"to"`
	RateFrom     float64   `json:"rate_from"`
	RateTo       float64   `json:"rate_to"`
	Tripped      bool      `json:"tripped,omitempty"`
	BreakerReset bool      `json:"breaker_reset,omitempty"`
	Snapshot     Snapshot  `json:"snapshot"`
}

// State is the read-only controller view.
type State struct {
	Concurrency    int           `json:"concurrency"`
	RateMultiplier float64       `json:"rate_multiplier"`
	RateLimit      float64       `json:"rate_limit"`
	LastAction     Action        `json:"last_action"`
	LastActionAt   *time.Time    `json:"last_action_at,omitempty"`
	Breaker        BreakerStatus `json:"breaker"`
	Current        Snapshot      `json:"current"`
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option { return func(c *Controller) { c.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(c *Controller) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithSources(src ...Source) Option {
	return func(c *Controller) { c.sources = append(c.sources, src...) }
}

type Controller struct {
	mu sync.Mutex

	cfg     Config
	target  Target
	sources []Source

	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
	warn *logx.Throttle

	limiter *rate.Limiter
	mult    float64

	lastAction   time.Time
	lastKind     Action
	lastDecrease time.Time
	brk          breakerState

	current Snapshot
	snaps   *ring[Snapshot]
	actions *ring[Decision]
}

// New validates cfg (after defaults) and builds a controller for target.
func New(cfg Config, target Target, opts ...Option) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		target:   target,
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		now:      time.Now,
		warn:     logx.NewThrottle(time.Minute),
		mult:     1,
		lastKind: ActionNone,
		snaps:    newRing[Snapshot](cfg.HistorySize),
		actions:  newRing[Decision](cfg.HistorySize),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "controller"))
	c.limiter = rate.NewLimiter(rate.Limit(cfg.BaseRate), burstFor(cfg.BaseRate))
	return c, nil
}

func burstFor(r float64) int {
	if r < 1 {
		return 1
	}
	return int(math.Ceil(r))
}

// Run samples and evaluates every interval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.clampLocked()
	interval := c.cfg.Interval
	c.mu.Unlock()

	c.log.Info("controller started", logx.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("controller stopped")
			return nil
		case <-t.C:
		}
		c.Cycle(ctx)

		c.mu.Lock()
		if c.cfg.Interval != interval {
			interval = c.cfg.Interval
			t.Reset(interval)
		}
		c.mu.Unlock()
	}
}

// Cycle samples every source and evaluates the result.
func (c *Controller) Cycle(ctx context.Context) Decision {
	return c.Evaluate(c.now(), c.sample(ctx))
}

func (c *Controller) sample(ctx context.Context) Snapshot {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	timeout := c.cfg.Interval
	c.mu.Unlock()

	snap := Snapshot{Values: map[Metric]float64{}}
	for _, s := range sources {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		vals, err := s.Sample(sctx)
		cancel()
		if err != nil {
			snap.Unavailable = append(snap.Unavailable, s.Metrics()...)
			if c.warn.Allow(s.Name()) {
				c.log.Warn("controller.source_unavailable", logx.String("source", s.Name()), logx.Err(err))
			}
			continue
		}
		for m, v := range vals {
			snap.Values[m] = v
		}
	}
	sortMetrics(snap.Unavailable)
	return snap
}

// Evaluate scores snap and applies the policy as of now. It is deterministic
// for a given state, clock value and snapshot.
func (c *Controller) Evaluate(now time.Time, snap Snapshot) Decision {
	c.mu.Lock()
	d := c.evaluateLocked(now, snap)
	c.mu.Unlock()
	c.report(d)
	return d
}

func (c *Controller) evaluateLocked(now time.Time, snap Snapshot) Decision {
	if snap.Time.IsZero() {
		snap.Time = now
	}
	snap.Severity, snap.Level = Score(snap.Values, c.cfg.Thresholds)
	c.current = snap
	c.snaps.push(snap)

	cur := c.clampLocked()
	d := Decision{Time: now, Action: ActionNone, From: cur, To: cur, RateFrom: c.mult, RateTo: c.mult, Snapshot: snap}

	if c.brk.tripped {
		if !c.brk.recovered(now, c.cfg.RecoveryWindow) {
			d.Reason = "breaker_open"
			return d
		}
		c.brk.reset()
		c.lastDecrease = time.Time{}
		c.target.Resume()
		d.BreakerReset = true
	}
	c.brk.observe(snap.Level)

	if !c.lastAction.IsZero() && now.Sub(c.lastAction) < c.cfg.Cooldown {
		d.Reason = "cooldown"
		return d
	}

	switch snap.Level {
	case Critical:
		if c.cfg.EmergencyStop {
			c.emergencyLocked(now, &d)
			break
		}
		c.decreaseLocked(&d, "critical")
		if c.cfg.BreakerEnabled && c.brk.consecutive >= c.cfg.BreakerThreshold {
			c.tripLocked(now, &d)
			d.Action = ActionTrip
			d.Reason = "consecutive_critical"
		}
	case Warning:
		c.decreaseLocked(&d, "warning")
	case Normal:
		d.Reason = "maintain"
	case Healthy:
		if !c.lastDecrease.IsZero() && now.Sub(c.lastDecrease) < c.cfg.IncreaseHoldoff {
			d.Reason = "holdoff"
			break
		}
		c.increaseLocked(&d)
	}

	if d.Action != ActionNone {
		c.lastAction = now
		c.lastKind = d.Action
		if d.Action != ActionIncrease {
			c.lastDecrease = now
		}
		c.actions.push(d)
	}
	return d
}

// Factors are applied with a small epsilon so 10*0.7 lands on 7.
const factorEpsilon = 1e-9

func (c *Controller) decreaseLocked(d *Decision, reason string) {
	to := int(math.Floor(float64(d.From)*c.cfg.DecreaseFactor + factorEpsilon))
	if to >= d.From {
		to = d.From - 1
	}
	to = c.cfg.clamp(to)
	mult := math.Max(c.cfg.MinRateMultiplier, c.mult*c.cfg.DecreaseFactor)
	if to == d.From && mult == c.mult {
		d.Reason = "at_floor"
		return
	}
	d.To = c.target.SetConcurrency(to)
	c.setRateLocked(mult)
	d.RateTo = mult
	d.Action = ActionDecrease
	d.Reason = reason
}

func (c *Controller) increaseLocked(d *Decision) {
	to := int(math.Ceil(float64(d.From)*c.cfg.IncreaseFactor - factorEpsilon))
	if to <= d.From {
		to = d.From + 1
	}
	to = c.cfg.clamp(to)
	mult := math.Min(1, c.mult*c.cfg.IncreaseFactor)
	if to == d.From && mult == c.mult {
		d.Reason = "at_ceiling"
		return
	}
	d.To = c.target.SetConcurrency(to)
	c.setRateLocked(mult)
	d.RateTo = mult
	d.Action = ActionIncrease
	d.Reason = "healthy"
}

func (c *Controller) emergencyLocked(now time.Time, d *Decision) {
	d.Action = ActionEmergencyStop
	d.Reason = "critical"
	d.To = c.target.SetConcurrency(c.cfg.MinConcurrency)
	c.setRateLocked(c.cfg.MinRateMultiplier)
	d.RateTo = c.mult
	if c.cfg.BreakerEnabled {
		c.tripLocked(now, d)
	}
}

// tripLocked opens the breaker: minimum concurrency, paused queue, minimum
// request rate.
func (c *Controller) tripLocked(now time.Time, d *Decision) {
	c.brk.trip(now)
	d.To = c.target.SetConcurrency(c.cfg.MinConcurrency)
	c.target.Pause()
	c.setRateLocked(c.cfg.MinRateMultiplier)
	d.RateTo = c.mult
	d.Tripped = true
}

func (c *Controller) setRateLocked(m float64) {
	c.mult = m
	c.limiter.SetLimit(rate.Limit(c.cfg.BaseRate * m))
}

// clampLocked forces the target into [min, max] and returns its concurrency.
func (c *Controller) clampLocked() int {
	cur := c.target.Concurrency()
	if cl := c.cfg.clamp(cur); cl != cur {
		return c.target.SetConcurrency(cl)
	}
	return cur
}

func (c *Controller) report(d Decision) {
	if d.Action == ActionNone {
		c.log.Trace("controller.cycle",
			logx.String("level", string(d.Snapshot.Level)),
			logx.Float64("severity", d.Snapshot.Severity),
			logx.String("reason", d.Reason))
	} else {
		c.log.Info("controller.action",
			logx.String("action", string(d.Action)),
			logx.String("reason", d.Reason),
			logx.Int("from", d.From),
			logx.Int("to", d.To),
			logx.Float64("rate", d.RateTo),
			logx.String("level", string(d.Snapshot.Level)),
			logx.Float64("severity", d.Snapshot.Severity))
		c.bus.Publish(eventbus.Event{Type: eventbus.ControllerAction, Time: d.Time, Data: d})
	}
	if d.Tripped {
		c.log.Warn("controller.breaker_tripped", logx.Int("concurrency", d.To))
		c.bus.Publish(eventbus.Event{Type: eventbus.BreakerTripped, Time: d.Time, Data: d})
	}
	if d.BreakerReset {
		c.log.Info("controller.breaker_reset")
		c.bus.Publish(eventbus.Event{Type: eventbus.BreakerReset, Time: d.Time, Data: d})
	}
}

// Apply swaps in a new config (thresholds, bounds, factors) without
// resetting breaker or hysteresis state.
func (c *Controller) Apply(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.snaps.resize(cfg.HistorySize)
	c.actions.resize(cfg.HistorySize)
	if c.mult < cfg.MinRateMultiplier {
		c.mult = cfg.MinRateMultiplier
	}
	c.limiter.SetBurst(burstFor(cfg.BaseRate))
	c.setRateLocked(c.mult)
	c.clampLocked()
	return nil
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Concurrency:    c.target.Concurrency(),
		RateMultiplier: c.mult,
		RateLimit:      c.cfg.BaseRate * c.mult,
		LastAction:     c.lastKind,
		Breaker:        c.brk.status(c.cfg.RecoveryWindow),
		Current:        c.current,
	}
	if !c.lastAction.IsZero() {
		t := c.lastAction
		st.LastActionAt = &t
	}
	return st
}

// History returns recent snapshots, oldest first.
func (c *Controller) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps.items()
}

// Actions returns recent actions with the snapshots that caused them.
func (c *Controller) Actions() []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actions.items()
}

// RateMultiplier is the fraction of BaseRate upstream callers may use.
func (c *Controller) RateMultiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mult
}

// Limiter paces upstream callers at BaseRate*RateMultiplier.
func (c *Controller) Limiter() *rate.Limiter { return c.limiter }
