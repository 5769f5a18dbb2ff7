// Package api is the schedule management surface: scheduleReport,
// listSchedules and cancelSchedule, plus their HTTP binding.
//
// Every request is validated before anything is written, so an
// InvalidConfig error never leaves a trace in the registry.
package api

import (
	"context"
	"errors"
	"time"

	"reportd/internal/report"
	"reportd/internal/report/trigger"
	"reportd/internal/task/engine"
	logx "reportd/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Scheduler is the scheduler core as seen by the API.
type Scheduler interface {
	Put(ctx context.Context, job report.Job) (time.Time, error)
	Cancel(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]report.Job, error)
	Get(ctx context.Context, id string) (report.Job, bool, error)
}

// History exposes recent firings. *engine.Service satisfies it.
type History interface {
	History() []engine.HistoryItem
}

// ScheduleRequest is the input of ScheduleReport.
type ScheduleRequest struct {
	DatasetName string                `json:"dataset_name"`
	Delivery    report.DeliveryConfig `json:"delivery"`
	Schedule    trigger.Spec          `json:"schedule"`
}

type ScheduleResult struct {
	ID         string    `json:"id"`
	NextFireAt time.Time `json:"next_fire_at"`
}

type Service struct {
	log     logx.Logger
	sched   Scheduler
	history History
	now     func() time.Time
}

func NewService(sched Scheduler, history History, log logx.Logger) *Service {
	return &Service{
		log:     log.With(logx.String("comp", "api")),
		sched:   sched,
		history: history,
		now:     time.Now,
	}
}

// ScheduleReport validates req, assigns a fresh job id, persists the job and
// arms it. It returns report.ErrInvalidConfig (with the offending field)
// before any write, or report.ErrRegistryIO if the job could not be
// persisted, in which case nothing is scheduled.
func (s *Service) ScheduleReport(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	req.Delivery.Normalize()
	if err := report.Validate(req.DatasetName, req.Delivery, req.Schedule); err != nil {
		s.log.Info("schedule rejected", logx.String("field", report.FieldOf(err)), logx.Err(err))
		return ScheduleResult{}, err
	}

	now := s.now()
	job := report.Job{
		ID:          report.NewJobID(req.DatasetName, now),
		DatasetName: req.DatasetName,
		Delivery:    req.Delivery.Clone(),
		Schedule:    req.Schedule,
		CreatedAt:   now.UTC(),
	}
	next, err := s.sched.Put(ctx, job)
	if err != nil {
		return ScheduleResult{}, err
	}
	return ScheduleResult{ID: job.ID, NextFireAt: next}, nil
}

// ListSchedules returns all jobs with their live state.
func (s *Service) ListSchedules(ctx context.Context) ([]report.Job, error) {
	return s.sched.List(ctx)
}

func (s *Service) GetSchedule(ctx context.Context, id string) (report.Job, error) {
	j, ok, err := s.sched.Get(ctx, id)
	if err != nil {
		return report.Job{}, err
	}
	if !ok {
		return report.Job{}, ErrNotFound
	}
	return j, nil
}

// CancelSchedule removes a job. It reports false, without error, when the id
// is unknown.
func (s *Service) CancelSchedule(ctx context.Context, id string) (bool, error) {
	return s.sched.Cancel(ctx, id)
}

// Firings returns the most recent firings, newest last.
func (s *Service) Firings() []engine.HistoryItem {
	if s.history == nil {
		return nil
	}
	return s.history.History()
}
