package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reportd/internal/report"
	"reportd/internal/report/trigger"
	"reportd/internal/task/engine"
	logx "reportd/pkg/logx"
)

type fakeScheduler struct {
	mu     sync.Mutex
	jobs   map[string]report.Job
	puts   int
	putErr error
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{jobs: map[string]report.Job{}} }

func (f *fakeScheduler) Put(_ context.Context, j report.Job) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return time.Time{}, f.putErr
	}
	next := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	j.State.NextFireAt = next
	f.jobs[j.ID] = j
	return next, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	delete(f.jobs, id)
	return ok, nil
}

func (f *fakeScheduler) List(context.Context) ([]report.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]report.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeScheduler) Get(_ context.Context, id string) (report.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok, nil
}

type fakeHistory []engine.HistoryItem

func (h fakeHistory) History() []engine.HistoryItem { return h }

func validRequest() ScheduleRequest {
	return ScheduleRequest{
		DatasetName: "sales",
		Delivery: report.DeliveryConfig{
			Host:        "smtp.example.com",
			Port:        587,
			Sender:      "reports@example.com",
			Credentials: report.Credentials{PasswordRef: "env:SMTP_PASSWORD"},
			Recipients:  []string{"a@example.com", "b@example.com"},
			Format:      report.FormatDocument,
		},
		Schedule: trigger.Weekly(time.Monday, 9, 30),
	}
}

func TestScheduleReport(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	s := NewService(sched, nil, logx.Nop())

	res, err := s.ScheduleReport(context.Background(), validRequest())
	require.NoError(t, err)
	require.Regexp(t, `^report_sales_\d{14}_[0-9a-f]{8}$`, res.ID)
	require.False(t, res.NextFireAt.IsZero())

	jobs, err := s.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, res.ID, jobs[0].ID)

	removed, err := s.CancelSchedule(context.Background(), res.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.CancelSchedule(context.Background(), res.ID)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestScheduleReportRejectsBeforeWrite(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*ScheduleRequest)
		field  string
	}{
		{name: "empty dataset", mutate: func(r *ScheduleRequest) { r.DatasetName = "" }, field: "dataset_name"},
		{name: "no recipients", mutate: func(r *ScheduleRequest) { r.Delivery.Recipients = nil }, field: "delivery.recipients"},
		{name: "bad recipient", mutate: func(r *ScheduleRequest) { r.Delivery.Recipients = []string{"nope"} }, field: "delivery.recipients[0]"},
		{name: "bad port", mutate: func(r *ScheduleRequest) { r.Delivery.Port = 0 }, field: "delivery.port"},
		{name: "bad hour", mutate: func(r *ScheduleRequest) { r.Schedule.Hour = 24 }, field: "schedule.hour"},
		{name: "monthly day zero", mutate: func(r *ScheduleRequest) { r.Schedule = trigger.Monthly(0, 1, 0) }, field: "schedule.day"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sched := newFakeScheduler()
			s := NewService(sched, nil, logx.Nop())
			req := validRequest()
			tt.mutate(&req)

			_, err := s.ScheduleReport(context.Background(), req)
			require.ErrorIs(t, err, report.ErrInvalidConfig)
			require.Equal(t, tt.field, report.FieldOf(err))
			require.Zero(t, sched.puts)
		})
	}
}

func TestScheduleReportRegistryFailure(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	sched.putErr = report.RegistryIO("registry put", errors.New("disk full"))
	s := NewService(sched, nil, logx.Nop())

	_, err := s.ScheduleReport(context.Background(), validRequest())
	require.ErrorIs(t, err, report.ErrRegistryIO)
	jobs, _ := s.ListSchedules(context.Background())
	require.Empty(t, jobs)
}

func doRequest(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPLifecycle(t *testing.T) {
	t.Parallel()
	sched := newFakeScheduler()
	s := NewService(sched, fakeHistory{{ID: "t1", Name: "report:x", Status: "success"}}, logx.Nop())
	h := Handler(s, "tok")

	body, err := json.Marshal(validRequest())
	require.NoError(t, err)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/schedules", string(body), "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/schedules", string(body), "tok")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created ScheduleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/schedules", "", "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []report.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, trigger.KindWeekly, jobs[0].Schedule.Kind)
	require.Equal(t, "env:SMTP_PASSWORD", jobs[0].Delivery.Credentials.PasswordRef)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/schedules/"+created.ID, "", "tok")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/firings", "", "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"report:x"`)

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/schedules/"+created.ID, "", "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"removed":true}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/schedules/"+created.ID, "", "tok")
	require.JSONEq(t, `{"removed":false}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/v1/schedules/"+created.ID, "", "tok")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		putErr    error
		wantCode  int
		wantKind  string
		wantField string
	}{
		{
			name:      "unknown field",
			body:      `{"dataset_name":"sales","bogus":1}`,
			wantCode:  http.StatusBadRequest,
			wantKind:  "invalid_config",
			wantField: "body",
		},
		{
			name:      "invalid recipient",
			body:      `{"dataset_name":"sales","delivery":{"host":"h","port":25,"sender":"a@b.c","credentials":{"password_ref":"env:X"},"recipients":["x"],"format":"tabular"},"schedule":{"kind":"daily","hour":1,"minute":0}}`,
			wantCode:  http.StatusBadRequest,
			wantKind:  "invalid_config",
			wantField: "delivery.recipients[0]",
		},
		{
			name:     "registry down",
			putErr:   report.RegistryIO("registry put", errors.New("disk full")),
			wantCode: http.StatusServiceUnavailable,
			wantKind: "registry_io",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sched := newFakeScheduler()
			sched.putErr = tt.putErr
			h := Handler(NewService(sched, nil, logx.Nop()), "")

			body := tt.body
			if body == "" {
				b, err := json.Marshal(validRequest())
				require.NoError(t, err)
				body = string(b)
			}
			rec := doRequest(t, h, http.MethodPost, "/api/v1/schedules", body, "")
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			var eb errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
			require.Equal(t, tt.wantKind, eb.Kind)
			require.Equal(t, tt.wantField, eb.Field)
		})
	}
}
