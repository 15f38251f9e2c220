// Package task defines the unit of deferred work and its execution record.
//
// A Task is created once at submission and never mutated afterwards; the
// Tracker owns the paired Record and is the only place state transitions are
// applied.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Handler performs the work of a task. It must observe ctx at its own
// suspension points; the queue still enforces a hard timeout.
type Handler func(ctx context.Context, args []any) (any, error)

// Priority orders tasks in the queue. Higher values run first.
type Priority int

const (
	Background Priority = iota
	Low
	Normal
	High
	Urgent
)

var priorityNames = [...]string{"background", "low", "normal", "high", "urgent"}

// Priorities lists every level from highest to lowest.
func Priorities() []Priority { return []Priority{Urgent, High, Normal, Low, Background} }

func (p Priority) String() string {
	if p < Background || p > Urgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the level names; the empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Normal, nil
	}
	for i, n := range priorityNames {
		if n == s {
			return Priority(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is a position in the task lifecycle.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Retrying  State = "retrying"
	Success   State = "success"
	Failed    State = "failed"
	Cancelled State = "cancelled"
	Timeout   State = "timeout"
)

// States lists every state in lifecycle order.
func States() []State {
	return []State{Pending, Running, Retrying, Success, Failed, Cancelled, Timeout}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case Success, Failed, Cancelled, Timeout:
		return true
	}
	return false
}

// MetaJob is the metadata key naming the cron job that produced a task.
const MetaJob = "job"

// Task is one concrete, one-shot execution instance.
type Task struct {
	ID         string
	Name       string
	Handler    Handler
	Args       []any
	Priority   Priority
	CreatedAt  time.Time
	Timeout    time.Duration
	MaxRetries int
	Metadata   map[string]string
}

// NewID returns an opaque unique task identifier.
func NewID() string { return "tsk_" + uuid.NewString() }

// Record is the execution status paired 1:1 with a task ID.
type Record struct {
	ID          string            `json:"id" msgpack:"id"`
	Name        string            `json:"name" msgpack:"name"`
	Priority    Priority          `json:"priority" msgpack:"priority"`
	State       State             `json:"state" msgpack:"state"`
	Metadata    map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at" msgpack:"created_at"`
	StartedAt   time.Time         `json:"started_at" msgpack:"started_at"`
	CompletedAt time.Time         `json:"completed_at" msgpack:"completed_at"`
	RetryCount  int               `json:"retry_count" msgpack:"retry_count"`
	MaxRetries  int               `json:"max_retries" msgpack:"max_retries"`
	Result      any               `json:"result,omitempty" msgpack:"result,omitempty"`
	Error       string            `json:"error,omitempty" msgpack:"error,omitempty"`
	ExecTime    time.Duration     `json:"exec_time" msgpack:"exec_time"`
}

// Job returns the originating job name, if any.
func (r Record) Job() string { return r.Metadata[MetaJob] }

func (r Record) clone() Record {
	if r.Metadata != nil {
		m := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			m[k] = v
		}
		r.Metadata = m
	}
	return r
}
