package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "feedagent/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watcher delivers changes of the config file to its Manager. The parent
// directory is watched because editors replace files by rename.
type Watcher struct {
	m   *Manager
	dir string
	fw  *fsnotify.Watcher
}

// Listen registers the file watch before returning, so any write after
// Listen is seen once Run starts.
func (m *Manager) Listen() (*Watcher, error) {
	dir := filepath.Dir(m.path)
	fw, err := watchDir(dir)
	if err != nil {
		return nil, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))
	return &Watcher{m: m, dir: dir, fw: fw}, nil
}

// Watch runs a Watcher that registers inside Run, retrying until it
// succeeds. Writes before registration are missed; use Listen to avoid that.
func (m *Manager) Watch(ctx context.Context) error {
	return (&Watcher{m: m, dir: filepath.Dir(m.path)}).Run(ctx)
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// Run reloads the config on every change until ctx ends. A broken watcher
// is recreated with jittered backoff.
func (x *Watcher) Run(ctx context.Context) error {
	wait := rewatchMin
	for {
		var err error
		if x.fw == nil {
			x.fw, err = watchDir(x.dir)
		}
		if err == nil {
			err = x.m.serve(ctx, x.fw)
			_ = x.fw.Close()
			x.fw = nil
		}
		if ctx.Err() != nil {
			return nil
		}
		pause := wait + rand.N(wait/2+1)
		x.m.log.Warn("config watcher failed; retrying", logx.String("dir", x.dir), logx.Err(err), logx.Duration("backoff", pause))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
		wait = min(wait*2, rewatchMax)
	}
}

// serve handles one watcher's events until ctx ends or the watcher breaks.
func (m *Manager) serve(ctx context.Context, fw *fsnotify.Watcher) error {
	name := filepath.Base(m.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-fw.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-fw.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading")
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
