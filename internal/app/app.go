// Package app is the explicit application context: it builds every component
// once from the config file, starts them under one supervisor and stops them
// in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedagent/internal/admin"
	"feedagent/internal/config"
	"feedagent/internal/controller"
	"feedagent/internal/eventbus"
	"feedagent/internal/llm"
	rtsup "feedagent/internal/runtime/supervisor"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	warn *logx.Throttle
	bus  eventbus.Bus

	tracker *task.Tracker
	q       *queue.Queue
	sched   *scheduler.Service
	ctl     *controller.Controller
	ext     *controller.ExternalStats
	store   storage.Store
	admin   *admin.Server

	timings   config.QueueTimings
	saveEvery time.Duration

	// config jobs currently applied, by name
	cfgJobs map[string]bool
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Log())
	cfgm.SetLogger(log)

	qc, timings, err := cfg.QueueConfig()
	if err != nil {
		return nil, err
	}
	saveEvery, err := cfg.SaveEvery()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	tracker := task.NewTracker()
	q := queue.New(qc, tracker, queue.WithLogger(log), queue.WithBus(bus))
	sched := scheduler.New(cfg.SchedulerConfig(), q, log, bus)
	ext := controller.NewExternalStats()

	ctl, err := newController(cfg, q, tracker, ext, log, bus)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		warn:      logx.NewThrottle(time.Minute),
		bus:       bus,
		tracker:   tracker,
		q:         q,
		sched:     sched,
		ctl:       ctl,
		ext:       ext,
		store:     store,
		timings:   timings,
		saveEvery: saveEvery,
		cfgJobs:   map[string]bool{},
	}
	if a.admin, err = newAdmin(cfg, a); err != nil {
		a.closeStore()
		return nil, err
	}
	for name, h := range builtinHandlers() {
		if err := sched.RegisterHandler(name, h); err != nil {
			a.closeStore()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Queue() *queue.Queue                { return a.q }
func (a *App) Tracker() *task.Tracker             { return a.tracker }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Controller() *controller.Controller { return a.ctl }

// ExternalStats receives outcomes from callers that run outside the queue
// (HTTP collectors) so the controller sees their error rate and latency.
func (a *App) ExternalStats() *controller.ExternalStats { return a.ext }

// RegisterHandler makes h available to config jobs. Call it before Start.
func (a *App) RegisterHandler(name string, h task.Handler) error {
	return a.sched.RegisterHandler(name, h)
}

// NewLLMClient returns an llm client that runs through the shared queue,
// paced by the controller's rate limiter when the controller is enabled.
func (a *App) NewLLMClient(backend llm.Backend, opts ...llm.Option) (*llm.Client, error) {
	base := []llm.Option{llm.WithLogger(a.log), llm.WithReporter(a.ext)}
	if a.ctl != nil {
		base = append(base, llm.WithLimiter(a.ctl.Limiter()))
	}
	return llm.New(a.q, backend, append(base, opts...)...)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// A reloaded config must reference handlers that exist.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.checkHandlers(cfg)
	})

	rctx, cancel := context.WithTimeout(ctx, storageOpenTimeout)
	err := a.restoreState(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	cfg := a.cfgm.Get()
	if err := a.checkHandlers(cfg); err != nil {
		return err
	}
	if err := a.applyJobs(cfg); err != nil {
		return err
	}

	a.q.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.ctl != nil {
		a.sup.GoRestart("controller", a.ctl.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.admin != nil {
		// The admin surface is optional; a bind failure must not kill the agent.
		a.sup.GoRestart("admin.http", func(c context.Context) error {
			if err := a.admin.Serve(c); err != nil {
				a.log.Warn("admin server error", logx.Err(err))
				return err
			}
			return nil
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	t := a.timings
	a.sup.Go0("housekeeping", func(c context.Context) {
		a.housekeeping(c, t.CleanupEvery, t.Retention, a.saveEvery)
	})

	// Log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this trace-level; task events are frequent.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})
	// Register the file watch now so edits made right after Start are seen.
	w, err := a.cfgm.Listen()
	if err != nil {
		a.log.Warn("config watch not ready; retrying in background", logx.Err(err))
		a.sup.Go("config.watch", a.cfgm.Watch)
	} else {
		a.sup.Go("config.watch", w.Run)
	}

	a.log.Info("app started",
		logx.Int("jobs", len(a.sched.Jobs())),
		logx.Bool("controller", a.ctl != nil),
		logx.Bool("storage", a.store != nil),
		logx.Bool("admin", a.admin != nil),
	)
	return nil
}

func (a *App) checkHandlers(cfg *config.Config) error {
	known := map[string]bool{}
	for _, h := range a.sched.Handlers() {
		known[h] = true
	}
	var errs []error
	for _, j := range cfg.Jobs {
		if !known[j.Handler] {
			errs = append(errs, fmt.Errorf("jobs[%s].handler: %w %q", j.Name, scheduler.ErrUnknownHandler, j.Handler))
		}
	}
	return errors.Join(errs...)
}

// applyJobs registers cfg's jobs (overwriting same-named ones, counters kept)
// and removes jobs a previous config declared but this one dropped.
func (a *App) applyJobs(cfg *config.Config) error {
	specs, err := cfg.JobSpecs()
	if err != nil {
		return err
	}
	next := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := a.sched.AddJob(s, true); err != nil {
			return err
		}
		next[s.Name] = true
	}
	for name := range a.cfgJobs {
		if next[name] {
			continue
		}
		if err := a.sched.RemoveJob(name); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
			return err
		}
		a.log.Info("job removed from config", logx.String("job", name))
	}
	a.cfgJobs = next
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop triggers first so nothing new is submitted, then drain the queue.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 10*time.Second, a.q.Stop)

	// Background loops (controller, admin, housekeeping, config).
	a.sup.Cancel()
	step("supervisor", 5*time.Second, a.sup.Wait)

	step("state.save", 10*time.Second, a.saveState)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
