package eventbus

import "time"

// Event types published by reportd components.
const (
	TypeJobArmed     = "job.armed"
	TypeJobCancelled = "job.cancelled"

	TypeFiringSucceeded = "firing.succeeded"
	TypeFiringDegraded  = "firing.degraded"
	TypeFiringFailed    = "firing.failed"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"

	TypeConfigReloaded = "config.reloaded"
)

// FiringEvent is the Data payload of firing.* events.
type FiringEvent struct {
	FiringID  string        `json:"firing_id"`
	JobID     string        `json:"job_id"`
	Dataset   string        `json:"dataset"`
	FiredAt   time.Time     `json:"fired_at"`
	Status    string        `json:"status,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// JobEvent is the Data payload of job.* events.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	NextFireAt time.Time `json:"next_fire_at,omitempty"`
}
