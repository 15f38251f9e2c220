package storage

import (
	"context"
	"fmt"
	"strings"

	logx "feedagent/pkg/logx"
)

// Store persists the agent state document and the admin audit log.
type Store interface {
	SaveState(ctx context.Context, st State) error
	LoadState(ctx context.Context) (State, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type opener func(ctx context.Context, cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    func(_ context.Context, cfg Config, log logx.Logger) (Store, error) { return openFile(cfg, log) },
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
	"s3":      openS3,
}

// Open returns the store selected by cfg.Driver, or (nil, nil) when storage
// is off.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(ctx, cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}
