package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportd/internal/eventbus"
	kit "reportd/internal/transport"
	logx "reportd/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	failN   int
	calls   int
	texts   []string
	targets []kit.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return kit.MessageRef{}, errors.New("telegram: bad gateway")
	}
	f.texts = append(f.texts, text)
	f.targets = append(f.targets, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, cfg Config, sender kit.Sender) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyRetriesThenSends(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{failN: 2}
	s := startService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd)

	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Priority: 9, Target: kit.ChatTarget{ChatID: 1}, Text: "boom"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(snd.sent()) == 1 })
	if got := snd.sent()[0]; got != "🚨 boom" {
		t.Fatalf("text=%q", got)
	}
	if h := s.Snapshot(); len(h) != 1 {
		t.Fatalf("history=%d, want 1", len(h))
	}
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, snd)

	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	for range 3 {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitFor(t, "first delivery", func() bool { return len(snd.sent()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(snd.sent()); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 1}, Text: "x"}

	if err := New(Config{}, &fakeSender{}, logx.Nop(), nil).Notify(ctx, n); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err=%v", err)
	}
	if err := New(Config{Enabled: true}, nil, logx.Nop(), nil).Notify(ctx, n); !errors.Is(err, ErrNoSender) {
		t.Fatalf("no sender: err=%v", err)
	}
	if err := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil).Notify(ctx, n); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err=%v", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
}

func TestAlertsForwardDegradedAndFailed(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, Config{Enabled: true, RatePerSec: 100}, snd)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	a := NewAlerts(s, logx.Nop())
	a.SetTarget(kit.ChatTarget{ChatID: 99, ThreadID: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx, events) }()

	fired := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.TypeFiringSucceeded, Data: eventbus.FiringEvent{JobID: "ok", FiredAt: fired, Status: "success"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFiringDegraded, Data: eventbus.FiringEvent{JobID: "deg", Dataset: "sales", FiredAt: fired, Status: "degraded", Succeeded: 1, Failed: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeFiringFailed, Data: eventbus.FiringEvent{JobID: "bad", FiredAt: fired, Status: "failed", Error: "dataset unavailable"}})

	waitFor(t, "two alerts", func() bool { return len(snd.sent()) == 2 })
	got := snd.sent()
	want := []string{
		"⚠️ Report degraded: deg\nDataset: sales\nFired at: 2030-01-01T09:00:00Z\nRecipients: 1 delivered, 1 failed",
		"🚨 Report failed: bad\nFired at: 2030-01-01T09:00:00Z\nError: dataset unavailable",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("alert %d = %q, want %q", i, got[i], want[i])
		}
	}
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if snd.targets[0] != (kit.ChatTarget{ChatID: 99, ThreadID: 3}) {
		t.Fatalf("target=%+v", snd.targets[0])
	}
}
