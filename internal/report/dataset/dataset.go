// Package dataset provides named tabular snapshots to the delivery unit.
package dataset

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"reportd/internal/report"
)

// ErrUnknownDataset is wrapped in a report.ErrDatasetUnavailable error when a
// name does not resolve.
var ErrUnknownDataset = errors.New("unknown dataset")

// Snapshot is a read-only copy of a dataset at TakenAt.
type Snapshot struct {
	Name    string
	Columns []string
	Rows    [][]any
	TakenAt time.Time
}

// Store resolves a dataset name to a snapshot.
type Store interface {
	Snapshot(ctx context.Context, name string) (Snapshot, error)
}

// Config selects the dataset backend.
type Config struct {
	Driver string
	Path   string
}

// Memory is an in-process Store, used by tests and embedders.
type Memory struct {
	mu   sync.RWMutex
	sets map[string]Snapshot
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sets: map[string]Snapshot{}, now: time.Now}
}

// Set registers or replaces a dataset.
func (m *Memory) Set(name string, columns []string, rows [][]any) {
	cols := append([]string(nil), columns...)
	cp := make([][]any, len(rows))
	for i, r := range rows {
		cp[i] = append([]any(nil), r...)
	}
	m.mu.Lock()
	m.sets[name] = Snapshot{Name: name, Columns: cols, Rows: cp}
	m.mu.Unlock()
}

func (m *Memory) Remove(name string) {
	m.mu.Lock()
	delete(m.sets, name)
	m.mu.Unlock()
}

func (m *Memory) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, report.DatasetUnavailable(name, err)
	}
	m.mu.RLock()
	s, ok := m.sets[strings.TrimSpace(name)]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, report.DatasetUnavailable(name, ErrUnknownDataset)
	}
	// Rows are never mutated after Set, so sharing the backing slices is safe.
	s.TakenAt = m.now()
	return s, nil
}
