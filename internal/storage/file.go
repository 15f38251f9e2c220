package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "feedagent/pkg/logx"
)

var errAuditClosed = errors.New("audit log closed")

// fileStore writes the state document to cfg.Path and appends audit entries
// as JSON lines to <name>.audit.jsonl in the same directory.
type fileStore struct {
	log    logx.Logger
	path   string
	format string

	mu    sync.Mutex
	audit *os.File
	enc   *json.Encoder
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	format, err := formatOf(cfg.Format, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}

	auditPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".audit.jsonl"
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &fileStore{log: log, path: path, format: format, audit: f, enc: json.NewEncoder(f)}, nil
}

func (s *fileStore) SaveState(_ context.Context, st State) error {
	st.stamp()
	data, err := encodeState(s.format, st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	err = replaceFile(s.path, data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.log.Debug("state saved", logx.String("path", s.path), logx.Int("jobs", len(st.Jobs)), logx.Int("tasks", len(st.Tasks)))
	return nil
}

func (s *fileStore) LoadState(context.Context) (State, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return State{}, ErrNotFound
	case err != nil:
		return State{}, err
	}
	return decodeState(s.format, data)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	e.stamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errAuditClosed
	}
	return s.enc.Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return nil
	}
	f := s.audit
	s.audit, s.enc = nil, nil
	return f.Close()
}

// replaceFile writes data to a temp file beside path, syncs it and renames
// it over path, so readers see either the old or the new document.
func replaceFile(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
