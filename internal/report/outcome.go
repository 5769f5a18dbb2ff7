package report

import "time"

// Status is the aggregate result of one firing.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	// StatusDropped marks a firing that never ran (engine queue).
	StatusDropped Status = "dropped"
)

// RecipientResult is the delivery result for one recipient.
type RecipientResult struct {
	Recipient string        `json:"recipient"`
	Succeeded bool          `json:"succeeded"`
	Kind      Kind          `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the result of one firing.
//
// Status is failed only when the firing aborted before any recipient was
// attempted (dataset or render). Any recipient failure makes it degraded.
type Outcome struct {
	FiringID string            `json:"firing_id"`
	JobID    string            `json:"job_id"`
	Dataset  string            `json:"dataset"`
	FiredAt  time.Time         `json:"fired_at"`
	Status   Status            `json:"status"`
	Kind     Kind              `json:"kind,omitempty"`
	Error    string            `json:"error,omitempty"`
	Results  []RecipientResult `json:"results,omitempty"`
	Duration time.Duration     `json:"duration"`
}

func (o Outcome) Counts() (succeeded, failed int) {
	for _, r := range o.Results {
		if r.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// AggregateStatus derives the firing status from recipient results.
func AggregateStatus(results []RecipientResult) Status {
	for _, r := range results {
		if !r.Succeeded {
			return StatusDegraded
		}
	}
	return StatusSuccess
}

// Failed builds the outcome of a firing aborted before delivery.
func Failed(o Outcome, err error) Outcome {
	o.Status = StatusFailed
	o.Kind = KindOf(err)
	if err != nil {
		o.Error = err.Error()
	}
	o.Results = nil
	return o
}
