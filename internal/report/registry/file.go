package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

const snapshotVersion = 1

// fileSnapshot is the on-disk document.
type fileSnapshot struct {
	Version int                   `json:"version"`
	Jobs    map[string]report.Job `json:"jobs"`
}

// fileStore keeps the whole registry in memory and rewrites the snapshot on
// every mutation. The new snapshot is written to a temp file in the same
// directory, fsynced and renamed over the old one, so a crash leaves either
// the old or the new snapshot and never a partial one.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	jobs map[string]report.Job
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	jobs, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	removeStaleTemps(path, log)

	return &fileStore{log: log, path: path, jobs: jobs}, nil
}

func loadSnapshot(path string) (map[string]report.Job, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]report.Job{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]report.Job{}, nil
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("%s: snapshot version %d is newer than supported %d", path, snap.Version, snapshotVersion)
	}
	if snap.Jobs == nil {
		snap.Jobs = map[string]report.Job{}
	}
	for id, j := range snap.Jobs {
		if j.ID == "" {
			j.ID = id
			snap.Jobs[id] = j
		}
	}
	return snap.Jobs, nil
}

// removeStaleTemps deletes temp files left by a crash during a write.
func removeStaleTemps(path string, log logx.Logger) {
	matches, _ := filepath.Glob(path + ".tmp-*")
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			log.Warn("removed stale registry temp file", logx.String("file", m))
		}
	}
}

func (s *fileStore) Put(ctx context.Context, job report.Job) error {
	if err := validID(job.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return report.RegistryIO("registry put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneJobs(s.jobs)
	next[job.ID] = job.Clone()
	if err := s.writeLocked(next); err != nil {
		return report.RegistryIO("registry put", err)
	}
	s.jobs = next
	return nil
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, report.RegistryIO("registry delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	next := cloneJobs(s.jobs)
	delete(next, id)
	if err := s.writeLocked(next); err != nil {
		return false, report.RegistryIO("registry delete", err)
	}
	s.jobs = next
	return true, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (report.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return report.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *fileStore) List(ctx context.Context) ([]report.Job, error) {
	s.mu.Lock()
	out := make([]report.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.Unlock()
	sortJobs(out)
	return out, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) writeLocked(jobs map[string]report.Job) error {
	b, err := json.MarshalIndent(fileSnapshot{Version: snapshotVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, b, 0o600)
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Chmod(perm); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func cloneJobs(in map[string]report.Job) map[string]report.Job {
	out := make(map[string]report.Job, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sortJobs orders by creation time, then id.
func sortJobs(jobs []report.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
