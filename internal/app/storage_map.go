package app

import (
	"context"
	"errors"
	"time"

	"feedagent/internal/storage"
	logx "feedagent/pkg/logx"
)

// snapshotState maps the live scheduler and tracker onto the persisted
// document. Only finished task records are kept; in-flight tasks are never
// resumed after a restart.
func (a *App) snapshotState() storage.State {
	recs := a.tracker.Export()
	done := recs[:0]
	for _, r := range recs {
		if r.State.Terminal() {
			done = append(done, r)
		}
	}
	return storage.State{
		Version: storage.StateVersion,
		SavedAt: time.Now().UTC(),
		Jobs:    a.sched.Export(),
		Tasks:   done,
	}
}

// restoreState loads the last saved document. Jobs are re-registered with
// their counters; task records come back as history only.
func (a *App) restoreState(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	st, err := a.store.LoadState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		a.log.Info("no saved state; starting fresh")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Version > storage.StateVersion {
		a.log.Warn("saved state is newer than this build; loading what is understood",
			logx.Int("version", st.Version), logx.Int("supported", storage.StateVersion))
	}
	jobs := a.sched.Restore(st.Jobs)
	tasks := 0
	for _, r := range st.Tasks {
		if !r.State.Terminal() {
			continue
		}
		if _, ok := a.tracker.Get(r.ID); ok {
			continue
		}
		a.tracker.Restore(r)
		tasks++
	}
	a.log.Info("state restored",
		logx.Int("jobs", jobs),
		logx.Int("tasks", tasks),
		logx.Time("saved_at", st.SavedAt),
	)
	return nil
}

func (a *App) saveState(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	st := a.snapshotState()
	if err := a.store.SaveState(ctx, st); err != nil {
		return err
	}
	a.log.Debug("state saved", logx.Int("jobs", len(st.Jobs)), logx.Int("tasks", len(st.Tasks)))
	return nil
}

// housekeeping evicts old task records and persists state on their own
// intervals until ctx ends.
func (a *App) housekeeping(ctx context.Context, cleanupEvery, retention, saveEvery time.Duration) {
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	var save <-chan time.Time
	if a.store != nil && saveEvery > 0 {
		t := time.NewTicker(saveEvery)
		defer t.Stop()
		save = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			if n := a.q.Cleanup(retention); n > 0 {
				a.log.Debug("task records evicted", logx.Int("count", n), logx.Duration("retention", retention))
			}
		case <-save:
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := a.saveState(sctx)
			cancel()
			if err != nil && a.warn.Allow("save_state") {
				a.log.Warn("state save failed", logx.Err(err))
			}
		}
	}
}
