package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedagent/internal/cronexpr"
	"feedagent/internal/eventbus"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	logx "feedagent/pkg/logx"
)

var (
	ErrAlreadyExists  = errors.New("job already exists")
	ErrNotFound       = errors.New("job not found")
	ErrUnknownHandler = errors.New("unknown job handler")
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Submitter is the part of the task queue the scheduler needs.
type Submitter interface {
	Submit(h task.Handler, args []any, opt queue.Options) (string, error)
}

// JobSpec is the registration-time definition of a job.
//
// Exactly one of Handler (a name registered with RegisterHandler) or Func must
// be set. Only jobs with a named handler survive a restart.
type JobSpec struct {
	Name        string            `json:"name" msgpack:"name"`
	Cron        string            `json:"cron" msgpack:"cron"`
	Handler     string            `json:"handler,omitempty" msgpack:"handler,omitempty"`
	Func        task.Handler      `json:"-" msgpack:"-"`
	Args        []any             `json:"args,omitempty" msgpack:"args,omitempty"`
	Enabled     bool              `json:"enabled" msgpack:"enabled"`
	MaxRetries  int               `json:"max_retries" msgpack:"max_retries"`
	Timeout     time.Duration     `json:"timeout" msgpack:"timeout"`
	Priority    task.Priority     `json:"priority" msgpack:"priority"`
	Description string            `json:"description,omitempty" msgpack:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// JobStatus is a read-only view of one job.
type JobStatus struct {
	Name         string            `json:"name"`
	Cron         string            `json:"cron"`
	Handler      string            `json:"handler,omitempty"`
	Description  string            `json:"description,omitempty"`
	Enabled      bool              `json:"enabled"`
	Priority     string            `json:"priority"`
	MaxRetries   int               `json:"max_retries"`
	Timeout      time.Duration     `json:"timeout"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastRun      *time.Time        `json:"last_run"`
	NextRun      *time.Time        `json:"next_run"`
	RunCount     uint64            `json:"run_count"`
	SuccessCount uint64            `json:"success_count"`
	FailureCount uint64            `json:"failure_count"`
	LastTaskID   string            `json:"last_task_id,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// JobRecord is the persisted form of a job: its definition plus counters.
type JobRecord struct {
	Spec         JobSpec   `json:"spec" msgpack:"spec"`
	LastRun      time.Time `json:"last_run" msgpack:"last_run"`
	RunCount     uint64    `json:"run_count" msgpack:"run_count"`
	SuccessCount uint64    `json:"success_count" msgpack:"success_count"`
	FailureCount uint64    `json:"failure_count" msgpack:"failure_count"`
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	Name    string    `json:"name"`
	TaskID  string    `json:"task_id,omitempty"`
	FiredAt time.Time `json:"fired_at,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type job struct {
	spec    JobSpec
	expr    *cronexpr.Expression
	handler task.Handler

	lastRun time.Time
	nextRun time.Time // zero when disabled

	runCount     uint64
	successCount uint64
	failureCount uint64
	lastTaskID   string
	lastError    string
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config
	loc  *time.Location
	now  func() time.Time
	warn *logx.Throttle

	q        Submitter
	handlers map[string]task.Handler
	jobs     map[string]*job

	c *cron.Cron
}
