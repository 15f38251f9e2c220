package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"feedagent/internal/cronexpr"
	"feedagent/internal/eventbus"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	logx "feedagent/pkg/logx"
)

// RegisterHandler makes h available to jobs by name.
func (s *Service) RegisterHandler(name string, h task.Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
	return nil
}

// Handlers lists registered handler names.
func (s *Service) Handlers() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.handlers))
	for n := range s.handlers {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// AddJob registers spec. The expression is parsed and proven satisfiable
// here, so a bad schedule never reaches fire time. With overwrite, an existing
// job's definition is replaced and its counters are kept.
func (s *Service) AddJob(spec JobSpec, overwrite bool) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return errors.New("job name required")
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("job %s: max_retries must be >= 0", spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := spec.Func
	if h == nil {
		h = s.handlers[spec.Handler]
	}
	if h == nil {
		return fmt.Errorf("job %s: %w %q", spec.Name, ErrUnknownHandler, spec.Handler)
	}

	now := s.now().In(s.loc)
	expr, err := cronexpr.Validate(spec.Cron, now)
	if err != nil {
		return fmt.Errorf("job %s: %w", spec.Name, err)
	}

	prev, exists := s.jobs[spec.Name]
	if exists && !overwrite {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
	}

	j := &job{spec: cloneSpec(spec), expr: expr, handler: h}
	if exists {
		j.lastRun = prev.lastRun
		j.runCount = prev.runCount
		j.successCount = prev.successCount
		j.failureCount = prev.failureCount
		j.lastTaskID = prev.lastTaskID
		j.lastError = prev.lastError
	}
	if j.spec.Enabled {
		s.scheduleNextLocked(j, now)
	}
	s.jobs[spec.Name] = j

	fields := []logx.Field{logx.String("job", spec.Name), logx.String("cron", spec.Cron), logx.Bool("enabled", j.spec.Enabled)}
	if !j.nextRun.IsZero() {
		fields = append(fields, logx.Time("next", j.nextRun))
	}
	s.log.Debug("job registered", fields...)
	return nil
}

// RemoveJob unregisters name. Tasks it already submitted keep running.
func (s *Service) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.jobs, name)
	s.log.Debug("job removed", logx.String("job", name))
	return nil
}

// EnableJob turns a job on and computes its next run.
func (s *Service) EnableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	next, err := j.expr.NextFireTime(s.now().In(s.loc))
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.spec.Enabled = true
	j.nextRun = next
	return nil
}

// DisableJob turns a job off; its next run becomes null.
func (s *Service) DisableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	j.spec.Enabled = false
	j.nextRun = time.Time{}
	return nil
}

// RunJobNow submits the job immediately, bypassing its schedule. The next
// scheduled run is unchanged.
func (s *Service) RunJobNow(name string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	id, err := s.submitLocked(j, s.now())
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.log.Info("job run requested", logx.String("job", name), logx.String("task", id))
	return id, nil
}

// JobStatus returns the current view of one job.
func (s *Service) JobStatus(name string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return j.status(), nil
}

// Jobs returns every job sorted by name.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Preview returns the next n fire times of a job in the scheduler's zone.
func (s *Service) Preview(name string, n int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return j.expr.Preview(s.now().In(s.loc), n), nil
}

// Tick fires every enabled job whose next run is at or before now. Missed
// fires (process paused, clock jump) coalesce into one fire.
func (s *Service) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.In(s.loc)

	due := make([]*job, 0)
	for _, j := range s.jobs {
		if j.spec.Enabled && !j.nextRun.IsZero() && !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].spec.Priority != due[k].spec.Priority {
			return due[i].spec.Priority > due[k].spec.Priority
		}
		return due[i].spec.Name < due[k].spec.Name
	})

	for _, j := range due {
		fireAt := now.Truncate(time.Minute)
		id, err := s.submitLocked(j, fireAt)
		j.lastRun = fireAt
		s.scheduleNextLocked(j, fireAt)
		if err != nil {
			continue
		}
		s.log.Debug("job fired", logx.String("job", j.spec.Name), logx.String("task", id), logx.Time("next", j.nextRun))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Time: now, Data: JobEvent{Name: j.spec.Name, TaskID: id, FiredAt: fireAt, NextRun: j.nextRun}})
	}
	return len(due)
}

// scheduleNextLocked recomputes nextRun from ref. A job whose expression no
// longer matches within the horizon is disabled and reported.
func (s *Service) scheduleNextLocked(j *job, ref time.Time) {
	next, err := j.expr.NextFireTime(ref)
	if err == nil {
		j.nextRun = next
		return
	}
	j.spec.Enabled = false
	j.nextRun = time.Time{}
	j.lastError = err.Error()
	s.log.Error("job disabled: schedule has no upcoming fire time", logx.String("job", j.spec.Name), logx.String("cron", j.spec.Cron), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobDisabled, Time: s.now(), Data: JobEvent{Name: j.spec.Name, Reason: err.Error()}})
}

func (s *Service) submitLocked(j *job, at time.Time) (string, error) {
	if s.q == nil {
		return "", errors.New("scheduler has no task queue")
	}
	j.runCount++
	meta := make(map[string]string, len(j.spec.Metadata)+1)
	for k, v := range j.spec.Metadata {
		meta[k] = v
	}
	meta[task.MetaJob] = j.spec.Name

	name := j.spec.Name
	id, err := s.q.Submit(j.handler, j.spec.Args, queue.Options{
		Name:       name,
		Priority:   j.spec.Priority,
		MaxRetries: j.spec.MaxRetries,
		Timeout:    j.spec.Timeout,
		Metadata:   meta,
		OnDone:     func(r task.Record) { s.onDone(name, r) },
	})
	if err != nil {
		j.failureCount++
		j.lastError = err.Error()
		s.reportEnqueueError(name, err)
		return "", fmt.Errorf("job %s: submit: %w", name, err)
	}
	j.lastTaskID = id
	return id, nil
}

// onDone folds a task outcome into its job's counters. The job may have been
// removed or replaced since it fired.
func (s *Service) onDone(name string, r task.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return
	}
	switch r.State {
	case task.Success:
		j.successCount++
	case task.Failed, task.Timeout:
		j.failureCount++
		j.lastError = r.Error
	}
}

func (j *job) status() JobStatus {
	st := JobStatus{
		Name:         j.spec.Name,
		Cron:         j.spec.Cron,
		Handler:      j.spec.Handler,
		Description:  j.spec.Description,
		Enabled:      j.spec.Enabled,
		Priority:     j.spec.Priority.String(),
		MaxRetries:   j.spec.MaxRetries,
		Timeout:      j.spec.Timeout,
		Metadata:     cloneMeta(j.spec.Metadata),
		RunCount:     j.runCount,
		SuccessCount: j.successCount,
		FailureCount: j.failureCount,
		LastTaskID:   j.lastTaskID,
		LastError:    j.lastError,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		st.LastRun = &t
	}
	if !j.nextRun.IsZero() {
		t := j.nextRun
		st.NextRun = &t
	}
	return st
}

func cloneSpec(s JobSpec) JobSpec {
	s.Metadata = cloneMeta(s.Metadata)
	if s.Args != nil {
		s.Args = append([]any(nil), s.Args...)
	}
	return s
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
