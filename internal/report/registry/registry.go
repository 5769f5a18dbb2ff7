// Package registry is the durable job store.
//
// Backends:
//   - "file":   one JSON snapshot, replaced atomically (temp file + rename)
//   - "sqlite": one row per job in an embedded SQLite database
//   - "redis":  one hash field per job, guarded by an owner lease
//
// A registry has exactly one writer: the scheduler core. The redis backend
// enforces that with a lease; file and sqlite rely on the deployment running
// a single reportd per registry path.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

var ErrNotFound = errors.New("job not found")

// Store is the durable mapping job id -> job.
//
// Put and Delete are durable before they return. Errors other than
// ErrNotFound are report.ErrRegistryIO and leave the previous state intact.
type Store interface {
	// Put inserts or replaces the job with the same id.
	Put(ctx context.Context, job report.Job) error
	// Delete removes a job and reports whether it existed. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (report.Job, error)
	List(ctx context.Context) ([]report.Job, error)
	Close() error
}

// Config configures the registry backend.
type Config struct {
	Driver string
	Path   string

	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisURL  string
	KeyPrefix string        // redis only; default "reportd:"
	LeaseTTL  time.Duration // redis only; default 30s
}

func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	log = log.With(logx.String("comp", "registry"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	default:
		return nil, report.InvalidConfig("registry.driver", "unknown driver %q (want file, sqlite or redis)", driver)
	}
	if err != nil {
		return nil, report.RegistryIO("registry open", err)
	}
	log.Info("registry opened")
	return st, nil
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return report.InvalidConfig("id", "required")
	}
	return nil
}
