package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reportd/internal/report"
	logx "reportd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps one row per job. The job is stored as a JSON body so the
// schema does not follow every field change.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; SQLite prefers one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, job report.Job) error {
	if err := validID(job.ID); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return report.RegistryIO("registry put", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, dataset, created_at, body, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET dataset=excluded.dataset, created_at=excluded.created_at,
		 body=excluded.body, updated_at=excluded.updated_at`,
		job.ID, job.DatasetName, job.CreatedAt.UTC().Format(time.RFC3339Nano), string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return report.RegistryIO("registry put", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, report.RegistryIO("registry delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, report.RegistryIO("registry delete", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (report.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Job{}, ErrNotFound
	}
	if err != nil {
		return report.Job{}, report.RegistryIO("registry get", err)
	}
	return decodeJob(id, []byte(body))
}

func (s *sqliteStore) List(ctx context.Context) ([]report.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, report.RegistryIO("registry list", err)
	}
	defer rows.Close()

	var out []report.Job
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, report.RegistryIO("registry list", err)
		}
		j, err := decodeJob(id, []byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, report.RegistryIO("registry list", err)
	}
	sortJobs(out)
	return out, nil
}

func decodeJob(id string, body []byte) (report.Job, error) {
	var j report.Job
	if err := json.Unmarshal(body, &j); err != nil {
		return report.Job{}, report.RegistryIO("registry decode "+id, err)
	}
	if j.ID == "" {
		j.ID = id
	}
	return j, nil
}
