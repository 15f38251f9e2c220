package config

import (
	"reflect"
	"sort"
	"strings"

	logx "feedagent/pkg/logx"
)

// SummarizeChange returns (1) the sorted list of changed sections and
// (2) safe structured attrs for logging (never includes secrets).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Log(), newCfg.Log()) {
		changed = append(changed, "logging")
		l := newCfg.Log()
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file", l.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.max_backlog", newCfg.Queue.MaxBacklog),
		)
	}

	if !reflect.DeepEqual(oldCfg.SchedulerConfig(), newCfg.SchedulerConfig()) {
		changed = append(changed, "scheduler")
		s := newCfg.SchedulerConfig()
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.timezone", s.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Controller, newCfg.Controller) {
		changed = append(changed, "controller")
		attrs = append(attrs,
			logx.Bool("controller.enabled", newCfg.ControllerEnabled()),
			logx.Int("controller.min_concurrency", newCfg.Controller.MinConcurrency),
			logx.Int("controller.max_concurrency", newCfg.Controller.MaxConcurrency),
			logx.Int("controller.thresholds", len(newCfg.Controller.Thresholds)),
		)
	}

	// Storage: never log credentials, only whether they are set.
	oS, nS := oldCfg.Storage, newCfg.Storage
	oS.AccessKeyID, oS.SecretAccessKey = credMark(oS.AccessKeyID), credMark(oS.SecretAccessKey)
	nS.AccessKeyID, nS.SecretAccessKey = credMark(nS.AccessKeyID), credMark(nS.SecretAccessKey)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.credentials_set", nS.AccessKeyID != ""),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	if oA.Enabled != nA.Enabled || oA.Addr != nA.Addr || oA.Pprof != nA.Pprof ||
		!reflect.DeepEqual(oA.CORSOrigins, nA.CORSOrigins) ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", newCfg.AdminAddr()),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
		)
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func credMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

// diffJobs returns the names of jobs added, removed or modified.
func diffJobs(oldJ, newJ []JobConfig) []string {
	om := make(map[string]JobConfig, len(oldJ))
	for _, j := range oldJ {
		om[j.Name] = j
	}
	nm := make(map[string]JobConfig, len(newJ))
	for _, j := range newJ {
		nm[j.Name] = j
	}

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
