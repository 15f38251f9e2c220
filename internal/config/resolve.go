package config

import (
	"fmt"
	"strings"
	"time"

	"feedagent/internal/controller"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

const (
	DefaultAdminAddr    = "127.0.0.1:8089"
	DefaultRetention    = time.Hour
	DefaultCleanupEvery = 5 * time.Minute
	DefaultSaveEvery    = time.Minute
)

// Log returns the logging service config.
func (c *Config) Log() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: boolOr(c.Logging.Console, true),
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// QueueTimings are the housekeeping intervals that live outside queue.Config.
type QueueTimings struct {
	Retention    time.Duration
	CleanupEvery time.Duration
}

func (c *Config) QueueConfig() (queue.Config, QueueTimings, error) {
	q := c.Queue
	var errs fieldErrors
	out := queue.Config{
		Workers:        q.Workers,
		MaxBacklog:     q.MaxBacklog,
		DefaultTimeout: errs.duration("queue.default_timeout", q.DefaultTimeout, 0),
		RetryBase:      errs.duration("queue.retry_base", q.RetryBase, 0),
		RetryCap:       errs.duration("queue.retry_cap", q.RetryCap, 0),
		CancelGrace:    errs.duration("queue.cancel_grace", q.CancelGrace, 0),
	}
	t := QueueTimings{
		Retention:    errs.duration("queue.retention", q.Retention, DefaultRetention),
		CleanupEvery: errs.duration("queue.cleanup_every", q.CleanupEvery, DefaultCleanupEvery),
	}
	if q.Workers < 0 {
		errs.add("queue.workers must be >= 0")
	}
	if q.MaxBacklog < 0 {
		errs.add("queue.max_backlog must be >= 0")
	}
	return out, t, errs.err()
}

func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Enabled:  boolOr(c.Scheduler.Enabled, true),
		Timezone: strings.TrimSpace(c.Scheduler.Timezone),
	}
}

// ControllerEnabled reports controller.enabled (default true).
func (c *Config) ControllerEnabled() bool { return boolOr(c.Controller.Enabled, true) }

// ControllerConfig maps the section onto controller.Config, filling defaults.
func (c *Config) ControllerConfig() (controller.Config, error) {
	s := c.Controller
	def := controller.DefaultConfig()
	var errs fieldErrors

	out := controller.Config{
		Interval:          errs.duration("controller.interval", s.Interval, def.Interval),
		MinConcurrency:    s.MinConcurrency,
		MaxConcurrency:    s.MaxConcurrency,
		Cooldown:          errs.duration("controller.cooldown", s.Cooldown, def.Cooldown),
		IncreaseHoldoff:   errs.duration("controller.increase_holdoff", s.IncreaseHoldoff, def.IncreaseHoldoff),
		DecreaseFactor:    s.DecreaseFactor,
		IncreaseFactor:    s.IncreaseFactor,
		EmergencyStop:     boolOr(s.EmergencyStop, true),
		BreakerEnabled:    boolOr(s.BreakerEnabled, true),
		BreakerThreshold:  s.BreakerThreshold,
		RecoveryWindow:    errs.duration("controller.recovery_window", s.RecoveryWindow, def.RecoveryWindow),
		HistorySize:       s.HistorySize,
		Window:            errs.duration("controller.window", s.Window, def.Window),
		BaseRate:          s.BaseRate,
		MinRateMultiplier: s.MinRateMultiplier,
	}

	known := map[controller.Metric]bool{}
	for _, m := range controller.Metrics() {
		known[m] = true
	}
	if len(s.Thresholds) > 0 {
		out.Thresholds = make(map[controller.Metric]controller.Threshold, len(s.Thresholds))
	}
	for name, th := range s.Thresholds {
		m := controller.Metric(strings.ToLower(strings.TrimSpace(name)))
		if !known[m] {
			errs.add(fmt.Sprintf("controller.thresholds: unknown metric %q", name))
			continue
		}
		w := 1.0
		if th.Weight != nil {
			w = *th.Weight
		}
		out.Thresholds[m] = controller.Threshold{Warning: th.Warning, Critical: th.Critical, Emergency: th.Emergency, Weight: w}
	}
	if err := errs.err(); err != nil {
		return controller.Config{}, err
	}
	return out, nil
}

// SaveEvery is the persistence interval (storage.save_every).
func (c *Config) SaveEvery() (time.Duration, error) {
	return ParseDurationOrDefault("storage.save_every", c.Storage.SaveEvery, DefaultSaveEvery)
}

func (c *Config) StorageConfig() (storage.Config, error) {
	s := c.Storage
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:          strings.TrimSpace(s.Driver),
		Path:            strings.TrimSpace(s.Path),
		Format:          strings.TrimSpace(s.Format),
		BusyTimeout:     busy,
		Bucket:          strings.TrimSpace(s.Bucket),
		Key:             strings.TrimSpace(s.Key),
		Region:          strings.TrimSpace(s.Region),
		Endpoint:        strings.TrimSpace(s.Endpoint),
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}, nil
}

// AdminAddr returns admin.addr or the loopback default.
func (c *Config) AdminAddr() string {
	if a := strings.TrimSpace(c.Admin.Addr); a != "" {
		return a
	}
	return DefaultAdminAddr
}

// JobSpecs maps the jobs section onto scheduler specs.
func (c *Config) JobSpecs() ([]scheduler.JobSpec, error) {
	var errs fieldErrors
	out := make([]scheduler.JobSpec, 0, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if n := strings.TrimSpace(j.Name); n != "" {
			path = fmt.Sprintf("jobs[%s]", n)
		}
		prio, err := task.ParsePriority(j.Priority)
		if err != nil {
			errs.add(fmt.Sprintf("%s.priority: %v", path, err))
		}
		out = append(out, scheduler.JobSpec{
			Name:        strings.TrimSpace(j.Name),
			Cron:        strings.TrimSpace(j.Cron),
			Handler:     strings.TrimSpace(j.Handler),
			Args:        j.Args,
			Enabled:     boolOr(j.Enabled, true),
			MaxRetries:  j.MaxRetries,
			Timeout:     errs.duration(path+".timeout", j.Timeout, 0),
			Priority:    prio,
			Description: j.Description,
			Metadata:    j.Metadata,
		})
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	return out, nil
}
