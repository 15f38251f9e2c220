package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"feedagent/internal/cronexpr"
	logx "feedagent/pkg/logx"
)

// fieldErrors accumulates problems so one pass reports all of them.
type fieldErrors struct{ list []string }

func (e *fieldErrors) add(msg string) { e.list = append(e.list, msg) }

func (e *fieldErrors) addErr(err error) {
	if err != nil {
		e.add(err.Error())
	}
}

func (e *fieldErrors) duration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	e.addErr(err)
	return d
}

func (e *fieldErrors) err() error {
	if len(e.list) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(e.list, "; "))
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs fieldErrors

	if !logx.ValidLevel(c.Logging.Level) {
		errs.add(fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}

	_, _, err := c.QueueConfig()
	errs.addErr(err)

	cc, err := c.ControllerConfig()
	if err != nil {
		errs.addErr(err)
	} else if c.ControllerEnabled() {
		if qc, _, qErr := c.QueueConfig(); qErr == nil && cc.MaxConcurrency > 0 && qc.Workers > cc.MaxConcurrency {
			errs.add(fmt.Sprintf("queue.workers (%d) exceeds controller.max_concurrency (%d)", qc.Workers, cc.MaxConcurrency))
		}
		errs.addErr(prefixErr("controller", cc.WithDefaults().Validate()))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs.add(fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs.add("storage.path is required for driver " + d)
		}
	case "s3":
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			errs.add("storage.bucket is required for driver s3")
		}
	default:
		errs.add(fmt.Sprintf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch f := strings.ToLower(strings.TrimSpace(c.Storage.Format)); f {
	case "", "json", "msgpack":
	default:
		errs.add(fmt.Sprintf("storage.format: unknown format %q", c.Storage.Format))
	}
	_, err = c.StorageConfig()
	errs.addErr(err)
	_, err = c.SaveEvery()
	errs.addErr(err)

	if c.Admin.Enabled {
		host, _, err := net.SplitHostPort(c.AdminAddr())
		if err != nil {
			errs.add(fmt.Sprintf("admin.addr: %v", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.Admin.Token) == "" {
			errs.add("admin.token is required when admin.addr is not loopback")
		}
	}

	seen := map[string]bool{}
	specs, err := c.JobSpecs()
	errs.addErr(err)
	for _, s := range specs {
		if s.Name == "" {
			errs.add("jobs: name is required")
			continue
		}
		if seen[s.Name] {
			errs.add(fmt.Sprintf("jobs[%s]: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Handler == "" {
			errs.add(fmt.Sprintf("jobs[%s].handler is required", s.Name))
		}
		if s.MaxRetries < 0 {
			errs.add(fmt.Sprintf("jobs[%s].max_retries must be >= 0", s.Name))
		}
		if _, err := cronexpr.Validate(s.Cron, time.Now()); err != nil {
			errs.add(fmt.Sprintf("jobs[%s].cron: %v", s.Name, err))
		}
	}

	return errs.err()
}

func prefixErr(prefix string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
