package dataset

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE sales (region TEXT, amount REAL, units INTEGER)`,
		`INSERT INTO sales VALUES ('north', 10.5, 3), ('south', 20.25, 7)`,
		`CREATE VIEW big_sales AS SELECT * FROM sales WHERE amount > 15`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func TestSQLiteSnapshot(t *testing.T) {
	t.Parallel()
	st, err := OpenSQLite(context.Background(), seedDB(t), logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tests := []struct {
		name     string
		dataset  string
		wantRows int
	}{
		{name: "table", dataset: "sales", wantRows: 2},
		{name: "view", dataset: "big_sales", wantRows: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			snap, err := st.Snapshot(context.Background(), tt.dataset)
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if len(snap.Rows) != tt.wantRows {
				t.Fatalf("rows=%d want %d", len(snap.Rows), tt.wantRows)
			}
			if got := len(snap.Columns); got != 3 || snap.Columns[0] != "region" {
				t.Fatalf("columns=%v", snap.Columns)
			}
			if snap.TakenAt.IsZero() {
				t.Fatalf("TakenAt not set")
			}
		})
	}
}

func TestSQLiteMissingDataset(t *testing.T) {
	t.Parallel()
	st, err := OpenSQLite(context.Background(), seedDB(t), logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.Snapshot(context.Background(), "nope")
	if !errors.Is(err, report.ErrDatasetUnavailable) {
		t.Fatalf("err=%v, want DatasetUnavailable", err)
	}
	if !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("err=%v, want ErrUnknownDataset", err)
	}
}

func TestMemory(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.Set("kpi", []string{"name", "value"}, [][]any{{"a", 1}, {"b", 2}})

	snap, err := m.Snapshot(context.Background(), "kpi")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Rows) != 2 || snap.Name != "kpi" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	m.Remove("kpi")
	if _, err := m.Snapshot(context.Background(), "kpi"); !errors.Is(err, report.ErrDatasetUnavailable) {
		t.Fatalf("err=%v, want DatasetUnavailable", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, _, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	if report.FieldOf(err) != "dataset.driver" {
		t.Fatalf("err=%v", err)
	}
}
