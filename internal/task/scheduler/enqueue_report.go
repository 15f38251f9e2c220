package scheduler

import (
	"errors"
	"time"

	"feedagent/internal/task/queue"
	logx "feedagent/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Stopping is expected during shutdown.
	if errors.Is(err, queue.ErrStopped) {
		s.log.Debug("job trigger skipped: queue stopped", logx.String("job", name))
		return
	}
	// Queue full is important but can be bursty.
	if !s.warn.Allow(name) {
		return
	}
	s.log.Warn("job failed to enqueue task", logx.String("job", name), logx.Err(err))
}
