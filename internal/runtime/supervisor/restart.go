package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "feedagent/pkg/logx"
)

// A run that lasted this long resets the backoff to its minimum.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // <= 0: unlimited
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up (and fails the group) after n restarts. The first
// run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// delay doubles prev within [min, max] and adds up to 20% jitter.
func (p restartPolicy) delay(prev time.Duration) (next, wait time.Duration) {
	next = prev * 2
	if prev <= 0 {
		next = p.min
	}
	next = min(max(next, p.min), p.max)
	wait = next
	if j := int64(next) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	return next, wait
}

// GoRestart keeps fn running until the group is canceled: an error or panic
// restarts it after a backoff, a nil return stops it for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		var backoff time.Duration
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			s.stats.started(name, restarts > 0)
			err := s.guard(name, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.stats.stopped(name, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stopped(name, err)

			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(began) >= stableRun {
				backoff = 0
			}
			var wait time.Duration
			backoff, wait = p.delay(backoff)
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
