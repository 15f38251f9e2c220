package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedagent/internal/admin"
	"feedagent/internal/config"
	"feedagent/internal/controller"
	"feedagent/internal/eventbus"
	rtsup "feedagent/internal/runtime/supervisor"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	logx "feedagent/pkg/logx"
)

const storageOpenTimeout = 15 * time.Second

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageOpenTimeout)
	defer cancel()
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	return st, nil
}

// newController wires host, application and queue metrics into a controller
// for q. It returns nil when the controller is disabled.
func newController(cfg *config.Config, q *queue.Queue, tracker *task.Tracker, ext *controller.ExternalStats, log logx.Logger, bus eventbus.Bus) (*controller.Controller, error) {
	if !cfg.ControllerEnabled() {
		return nil, nil
	}
	cc, err := cfg.ControllerConfig()
	if err != nil {
		return nil, err
	}
	window := cc.WithDefaults().Window
	return controller.New(cc, q,
		controller.WithLogger(log),
		controller.WithBus(bus),
		controller.WithSources(
			controller.HostSource{},
			controller.AppSource{Tracker: tracker, External: ext, Window: window},
			controller.QueueSource{Queue: q},
		),
	)
}

func newAdmin(cfg *config.Config, a *App) (*admin.Server, error) {
	if !cfg.Admin.Enabled {
		return nil, nil
	}
	deps := admin.Deps{
		Jobs:  a.sched,
		Queue: a.q,
		Tasks: a.tracker,
		Bus:   a.bus,
		Loops: func() []rtsup.LoopStats {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
	}
	// Typed nils must not reach the interfaces.
	if a.ctl != nil {
		deps.Controller = a.ctl
	}
	if a.store != nil {
		deps.Audit = a.store
	}
	return admin.New(admin.Config{
		Addr:        cfg.AdminAddr(),
		Token:       strings.TrimSpace(cfg.Admin.Token),
		CORSOrigins: cfg.Admin.CORSOrigins,
		Pprof:       cfg.Admin.Pprof,
	}, deps, a.log)
}

// builtinHandlers are always registered; config jobs may use them.
func builtinHandlers() map[string]task.Handler {
	return map[string]task.Handler{
		"noop": func(context.Context, []any) (any, error) { return nil, nil },
		// sleep holds a worker for args[0] (a duration string), honouring
		// cancellation. Useful for exercising admission control.
		"sleep": func(ctx context.Context, args []any) (any, error) {
			d := time.Second
			if len(args) > 0 {
				s, ok := args[0].(string)
				if !ok {
					return nil, queue.NoRetry(fmt.Errorf("sleep: want a duration string, got %T", args[0]))
				}
				v, err := time.ParseDuration(s)
				if err != nil {
					return nil, queue.NoRetry(fmt.Errorf("sleep: %w", err))
				}
				d = v
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
				return d.String(), nil
			}
		},
	}
}
