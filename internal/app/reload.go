package app

import (
	"context"
	"slices"
	"strings"

	"feedagent/internal/config"
	logx "feedagent/pkg/logx"
)

// reloadLoop applies every validated config the manager publishes. Logging,
// controller tuning, scheduler settings and jobs change live; queue, storage
// and admin changes only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	for _, s := range []string{"queue", "storage", "admin"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(newCfg.Log())
	}

	if slices.Contains(sections, "controller") {
		switch {
		case a.ctl == nil && newCfg.ControllerEnabled():
			a.log.Warn("controller enabled in config; restart required to start it")
		case a.ctl != nil && !newCfg.ControllerEnabled():
			a.log.Warn("controller disabled in config; restart required to stop it")
		case a.ctl != nil:
			cc, err := newCfg.ControllerConfig()
			if err == nil {
				err = a.ctl.Apply(cc)
			}
			if err != nil {
				a.log.Warn("controller config not applied", logx.Err(err))
			}
		}
	}

	if slices.Contains(sections, "scheduler") {
		prev := a.sched.Enabled()
		a.sched.Apply(newCfg.SchedulerConfig())
		now := newCfg.SchedulerConfig().Enabled
		switch {
		case prev && !now:
			a.sched.Stop(ctx)
			a.log.Info("scheduler disabled")
		case !prev && now:
			a.sched.Start(a.sup.Context())
			a.log.Info("scheduler enabled")
		}
	}

	if slices.Contains(sections, "jobs") {
		if err := a.applyJobs(newCfg); err != nil {
			a.log.Warn("jobs config not fully applied", logx.Err(err))
		}
	}
}
