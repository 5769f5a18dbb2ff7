package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"reportd/internal/eventbus"
	logx "reportd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.History(); len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history did not reach %d items: %+v", n, s.History())
	return nil
}

func TestEnqueueRunsTaskAndRecordsStatus(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "firing", Run: func(ctx context.Context) (string, error) { return "degraded", nil }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Status != "degraded" || h[0].Error != "" {
		t.Fatalf("unexpected history item %+v", h[0])
	}
}

func TestTaskPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) (string, error) { panic("boom") }})
	_ = s.Enqueue(Task{Name: "good", Run: func(ctx context.Context) (string, error) { return "", nil }})

	h := waitHistory(t, s, 2)
	if h[0].Status != "panic" || !strings.Contains(h[0].Error, "boom") {
		t.Fatalf("unexpected panic item %+v", h[0])
	}
	if h[1].Status != "ok" {
		t.Fatalf("worker did not survive the panic: %+v", h[1])
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})
	h := waitHistory(t, s, 1)
	if !strings.Contains(h[0].Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline error, got %+v", h[0])
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	block := func(ctx context.Context) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "", nil
	}

	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want ErrQueueFull", err)
	}
	if snap := s.Snapshot(); snap.DroppedQueueFull != 1 {
		t.Fatalf("dropped=%d", snap.DroppedQueueFull)
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}})
	<-started

	var dropped atomic.Int32
	for i := 0; i < 2; i++ {
		_ = s.Enqueue(Task{
			Name:   "queued",
			Run:    func(ctx context.Context) (string, error) { return "", nil },
			OnDrop: func(reason error) { dropped.Add(1) },
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if dropped.Load() != 2 {
		t.Fatalf("dropped=%d, want 2", dropped.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) (string, error) { return "", nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) (string, error) { return "", nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}
