package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reportd/internal/config"
	"reportd/internal/report"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "reportd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func testConfig(dir string) string {
	return `
logging:
  level: error
  console: false
registry:
  driver: file
  path: ` + filepath.Join(dir, "registry.json") + `
dataset:
  driver: memory
scheduler:
  enabled: true
  timezone: UTC
api:
  enabled: true
  addr: 127.0.0.1:0
  token: test-token
notifier:
  enabled: false
`
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := NewApp(context.Background(), path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.APIAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("api never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func apiCall(t *testing.T, a *App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, "http://"+a.APIAddr()+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAppSchedulesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, testConfig(dir))

	a := startApp(t, path)
	resp := apiCall(t, a, http.MethodPost, "/api/v1/schedules", map[string]any{
		"dataset_name": "sales",
		"delivery": map[string]any{
			"host":        "smtp.example.com",
			"port":        587,
			"sender":      "reports@example.com",
			"credentials": map[string]any{"password_ref": "env:SMTP_PASSWORD"},
			"recipients":  []string{"ops@example.com"},
			"format":      "tabular",
		},
		"schedule": map[string]any{"kind": "weekly", "weekday": 1, "hour": 9, "minute": 30},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	var created struct {
		ID         string    `json:"id"`
		NextFireAt time.Time `json:"next_fire_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.ID, "report_sales_") || created.NextFireAt.Weekday() != time.Monday {
		t.Fatalf("created=%+v", created)
	}
	stopApp(t, a)

	b := startApp(t, path)
	defer stopApp(t, b)
	resp = apiCall(t, b, http.MethodGet, "/api/v1/schedules", nil)
	var jobs []report.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Fatalf("jobs after restart=%+v", jobs)
	}
	if !jobs[0].State.NextFireAt.Equal(created.NextFireAt) {
		t.Fatalf("next_fire_at=%s, want %s", jobs[0].State.NextFireAt, created.NextFireAt)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{
			Registry: config.RegistryConfig{Driver: "file", Path: "registry.json"},
			Dataset:  config.DatasetConfig{Driver: "sqlite", Path: "data.db"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*config.Config) {}},
		{name: "unknown registry", mutate: func(c *config.Config) { c.Registry.Driver = "etcd" }, wantErr: "registry.driver"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Registry = config.RegistryConfig{Driver: "sqlite"} }, wantErr: "registry.path"},
		{name: "redis without url", mutate: func(c *config.Config) { c.Registry = config.RegistryConfig{Driver: "redis"} }, wantErr: "registry.redis_url"},
		{name: "dataset without path", mutate: func(c *config.Config) { c.Dataset.Path = "" }, wantErr: "dataset.path"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "negative duration", mutate: func(c *config.Config) { c.Scheduler.DispatchRetry = "-1s" }, wantErr: "scheduler.dispatch_retry"},
		{name: "bad attempt timeout", mutate: func(c *config.Config) { c.Delivery = &config.DeliveryConfig{AttemptTimeout: "soon"} }, wantErr: "delivery.attempt_timeout"},
		{name: "negative workers", mutate: func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Workers: -1} }, wantErr: "task_engine.workers"},
		{name: "bad notifier window", mutate: func(c *config.Config) { c.Notifier = &config.NotifierConfig{DedupWindow: "x"} }, wantErr: "notifier.dedup_window"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapSchedulerDefaults(t *testing.T) {
	t.Parallel()
	sc, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "Europe/Berlin", OneTimeDelay: "2s"}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Location.String() != "Europe/Berlin" || sc.OneTimeDelay != 2*time.Second {
		t.Fatalf("scheduler=%+v", sc)
	}
	if sc.DispatchRetry <= 0 {
		t.Fatalf("dispatch retry default not applied")
	}
}

func scheduleBody() map[string]any {
	return map[string]any{
		"dataset_name": "sales",
		"delivery": map[string]any{
			"host":        "smtp.example.com",
			"port":        587,
			"sender":      "reports@example.com",
			"credentials": map[string]any{"password_ref": "env:SMTP_PASSWORD"},
			"recipients":  []string{"ops@example.com"},
			"format":      "tabular",
		},
		"schedule": map[string]any{"kind": "daily", "hour": 9, "minute": 0},
	}
}

func withLogFile(cfg, path string) string {
	return strings.Replace(cfg, "  console: false\n", "  console: false\n  file:\n    enabled: true\n    path: "+path+"\n", 1)
}

func TestAppLogsTagEachComponentOnce(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "reportd.log")
	cfg := strings.Replace(withLogFile(testConfig(dir), logPath), "level: error", "level: debug", 1)
	path := writeConfig(t, dir, cfg)

	a := startApp(t, path)
	resp := apiCall(t, a, http.MethodPost, "/api/v1/schedules", scheduleBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	stopApp(t, a)

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("log too short:\n%s", raw)
	}
	for _, line := range lines {
		if n := strings.Count(line, `"comp":`); n > 1 {
			t.Fatalf("comp logged %d times: %s", n, line)
		}
	}
}

func TestSchedulerDisabledRejectsScheduleCalls(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "reportd.log")
	cfg := strings.Replace(withLogFile(testConfig(dir), logPath), "level: error", "level: warn", 1)
	cfg = strings.Replace(cfg, "scheduler:\n  enabled: true", "scheduler:\n  enabled: false", 1)
	path := writeConfig(t, dir, cfg)

	a := startApp(t, path)
	resp := apiCall(t, a, http.MethodPost, "/api/v1/schedules", scheduleBody())
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("create status=%d, want 503", resp.StatusCode)
	}
	stopApp(t, a)

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), "schedule API calls fail until it is enabled") {
		t.Fatalf("missing scheduler disabled warning:\n%s", raw)
	}
	if jobs, err := os.ReadFile(filepath.Join(dir, "registry.json")); err == nil && strings.Contains(string(jobs), "report_sales_") {
		t.Fatalf("registry written while scheduler disabled")
	}
}
