package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"feedagent/internal/runtime/supervisor"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

const (
	defaultPreview   = 5
	maxPreview       = 50
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
	defaultWindow    = 5 * time.Minute
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps domain errors to HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrUnknownHandler):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, key string, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: want a non-negative integer", key)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Queue.Status()
	body := map[string]any{
		"status":  "ok",
		"paused":  st.Paused,
		"stopped": st.Stopped,
	}
	if s.deps.Controller != nil {
		body["breaker_tripped"] = s.deps.Controller.State().Breaker.Tripped
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) loops(w http.ResponseWriter, r *http.Request) {
	var out []supervisor.LoopStats
	if s.deps.Loops != nil {
		out = s.deps.Loops()
	}
	if out == nil {
		out = []supervisor.LoopStats{}
	}
	writeJSON(w, http.StatusOK, out)
}

type jobView struct {
	scheduler.JobStatus
	Upcoming []time.Time `json:"upcoming,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := intParam(r, "preview", defaultPreview, maxPreview)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.deps.Jobs.JobStatus(name)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	v := jobView{JobStatus: st}
	if n > 0 && st.Enabled {
		v.Upcoming, _ = s.deps.Jobs.Preview(name, n)
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	start := s.now()
	id, err := s.deps.Jobs.RunJobNow(name)
	s.audit(r, "job.run", name, start, err, map[string]string{"task_id": id})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "job.enable", s.deps.Jobs.EnableJob)
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "job.disable", s.deps.Jobs.DisableJob)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "job.remove", s.deps.Jobs.RemoveJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	name := chi.URLParam(r, "name")
	start := s.now()
	err := fn(name)
	s.audit(r, action, name, start, err, nil)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if action == "job.remove" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	st, err := s.deps.Jobs.JobStatus(name)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

// listTasks filters by ?state= and ?job=, newest first, capped by ?limit=.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var recs []task.Record
	state := task.State(strings.ToLower(strings.TrimSpace(q.Get("state"))))
	job := strings.TrimSpace(q.Get("job"))
	switch {
	case state != "":
		if !validState(state) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("state: unknown state %q", state))
			return
		}
		recs = s.deps.Tasks.ByState(state)
		if job != "" {
			recs = keep(recs, func(rec task.Record) bool { return rec.Job() == job })
		}
	case job != "":
		recs = s.deps.Tasks.ByJob(job)
	default:
		recs = s.deps.Tasks.Export()
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, recs)
}

func validState(s task.State) bool {
	for _, st := range task.States() {
		if st == s {
			return true
		}
	}
	return false
}

func keep(in []task.Record, fn func(task.Record) bool) []task.Record {
	out := in[:0]
	for _, r := range in {
		if fn(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.deps.Tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, task.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := s.now()
	rec, ok := s.deps.Tasks.Get(id)
	if !ok {
		s.audit(r, "task.cancel", id, start, task.ErrNotFound, nil)
		writeError(w, http.StatusNotFound, task.ErrNotFound)
		return
	}
	if !s.deps.Queue.Cancel(id) {
		err := fmt.Errorf("task %s is %s", id, rec.State)
		s.audit(r, "task.cancel", id, start, err, nil)
		writeError(w, http.StatusConflict, err)
		return
	}
	s.audit(r, "task.cancel", id, start, nil, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	window := defaultWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("window: invalid duration %q", raw))
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  s.deps.Tasks.Metrics(),
		"window": s.deps.Tasks.WindowStats(window),
		"queue":  s.deps.Queue.Status(),
	})
}

var errNoController = errors.New("controller disabled")

func (s *Server) controllerState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeError(w, http.StatusNotFound, errNoController)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.deps.Controller.State(),
		"actions": s.deps.Controller.Actions(),
	})
}

func (s *Server) controllerHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeError(w, http.StatusNotFound, errNoController)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.History())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	s.deps.Queue.Pause()
	s.audit(r, "queue.pause", "", start, nil, nil)
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	s.deps.Queue.Resume()
	s.audit(r, "queue.resume", "", start, nil, nil)
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

// audit is best effort; a failing store never fails the request.
func (s *Server) audit(r *http.Request, action, target string, start time.Time, err error, meta map[string]string) {
	ok := err == nil
	s.log.Info("admin action",
		logx.String("action", action),
		logx.String("target", target),
		logx.Bool("ok", ok),
		logx.Err(err),
	)
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start,
		Actor:  r.RemoteAddr,
		Action: action,
		Target: target,
		OK:     ok,
		TookMS: s.now().Sub(start).Milliseconds(),
		Meta:   meta,
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if aerr := s.deps.Audit.AppendAudit(ctx, e); aerr != nil && s.warn.Allow("audit") {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
