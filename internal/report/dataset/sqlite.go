package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reportd/internal/report"
	logx "reportd/pkg/logx"

	_ "modernc.org/sqlite"
)

// SQLite reads datasets from tables or views of a SQLite database. The
// database is opened read-only; reportd never writes to it.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

// Open returns the Store for cfg.Driver. Only "sqlite" and "memory" are known.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := OpenSQLite(ctx, cfg.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "memory":
		return NewMemory(), func() error { return nil }, nil
	default:
		return nil, nil, report.InvalidConfig("dataset.driver", "unknown driver %q (want sqlite or memory)", driver)
	}
}

func OpenSQLite(ctx context.Context, path string, log logx.Logger) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, report.InvalidConfig("dataset.path", "required for sqlite driver")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open dataset db: %w", err)
	}
	return &SQLite{db: db, log: log.With(logx.String("comp", "dataset"))}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if err := report.ValidateDatasetName(name); err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}

	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT type FROM sqlite_master WHERE name = ? AND type IN ('table','view')`, name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, report.DatasetUnavailable(name, ErrUnknownDataset)
	}
	if err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}

	// One read transaction so the rows are a consistent snapshot.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT * FROM `+quoteIdent(name))
	if err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}
	snap := Snapshot{Name: name, Columns: cols, TakenAt: time.Now()}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Snapshot{}, report.DatasetUnavailable(name, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		snap.Rows = append(snap.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}
	s.log.Debug("dataset snapshot", logx.String("dataset", name), logx.Int("rows", len(snap.Rows)))
	return snap, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
