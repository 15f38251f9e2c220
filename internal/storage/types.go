package storage

import (
	"errors"
	"time"

	"feedagent/internal/task"
	"feedagent/internal/task/scheduler"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by LoadState when nothing was saved yet.
	ErrNotFound = errors.New("no saved state")
)

// StateVersion is written into every snapshot.
const StateVersion = 1

// Config configures storage.
//
// Driver values:
//   - "file": state document on disk plus a jsonl audit log
//   - "sqlite": SQLite database file
//   - "s3": state and audit objects in an S3 bucket
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Format      string        // json|msgpack; file and s3 only, default json
	BusyTimeout time.Duration // sqlite only; 0 means default

	Bucket          string // s3 only
	Key             string // s3 object key of the state document
	Region          string
	Endpoint        string // S3-compatible endpoint (MinIO, R2); forces path style
	AccessKeyID     string
	SecretAccessKey string
}

// State is the persisted document.
type State struct {
	Version int                   `json:"version" msgpack:"version"`
	SavedAt time.Time             `json:"saved_at" msgpack:"saved_at"`
	Jobs    []scheduler.JobRecord `json:"jobs" msgpack:"jobs"`
	Tasks   []task.Record         `json:"tasks" msgpack:"tasks"`
}

// AuditEntry records an administrative action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time         `json:"at" msgpack:"at"`
	Actor  string            `json:"actor,omitempty" msgpack:"actor,omitempty"`
	Action string            `json:"action" msgpack:"action"`
	Target string            `json:"target,omitempty" msgpack:"target,omitempty"`
	OK     bool              `json:"ok" msgpack:"ok"`
	Error  string            `json:"error,omitempty" msgpack:"error,omitempty"`
	TookMS int64             `json:"took_ms" msgpack:"took_ms"`
	Meta   map[string]string `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// stamp fills the version and save time of a state about to be written.
func (st *State) stamp() {
	if st.Version == 0 {
		st.Version = StateVersion
	}
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now()
	}
}

func (e *AuditEntry) stamp() {
	if e.At.IsZero() {
		e.At = time.Now()
	}
}
