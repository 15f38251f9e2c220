package scheduler

import (
	"sort"

	logx "feedagent/pkg/logx"
)

// Export returns the persistable jobs (those bound to a named handler).
func (s *Service) Export() []JobRecord {
	s.mu.Lock()
	out := make([]JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.spec.Handler == "" {
			continue
		}
		spec := cloneSpec(j.spec)
		spec.Func = nil
		out = append(out, JobRecord{
			Spec:         spec,
			LastRun:      j.lastRun,
			RunCount:     j.runCount,
			SuccessCount: j.successCount,
			FailureCount: j.failureCount,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Spec.Name < out[k].Spec.Name })
	return out
}

// Restore re-registers persisted jobs (overwriting same-named ones) and
// restores their counters. Next runs are computed from now; fires missed
// while the process was down are not replayed. It returns how many jobs were
// restored.
func (s *Service) Restore(recs []JobRecord) int {
	n := 0
	for _, r := range recs {
		if err := s.AddJob(r.Spec, true); err != nil {
			s.log.Warn("job restore skipped", logx.String("job", r.Spec.Name), logx.Err(err))
			continue
		}
		s.mu.Lock()
		if j, ok := s.jobs[r.Spec.Name]; ok {
			j.lastRun = r.LastRun
			j.runCount = r.RunCount
			j.successCount = r.SuccessCount
			j.failureCount = r.FailureCount
		}
		s.mu.Unlock()
		n++
	}
	return n
}
