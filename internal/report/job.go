package report

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"reportd/internal/report/trigger"
)

// Job is a scheduled report. It is replaced as a whole, never patched.
type Job struct {
	ID          string         `json:"id"`
	DatasetName string         `json:"dataset_name"`
	Delivery    DeliveryConfig `json:"delivery"`
	Schedule    trigger.Spec   `json:"schedule"`
	CreatedAt   time.Time      `json:"created_at"`

	// State is bookkeeping owned by the scheduler core.
	State JobState `json:"state"`
}

// JobState records what happened to a job after it was accepted.
type JobState struct {
	// NextFireAt is the armed fire time. A value in the past at startup means
	// the process was down when the job came due.
	NextFireAt  time.Time `json:"next_fire_at,omitzero"`
	LastFiredAt time.Time `json:"last_fired_at,omitzero"`
	LastStatus  Status    `json:"last_status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	// Recipient counts of the last firing.
	LastSucceeded int `json:"last_succeeded,omitempty"`
	LastFailed    int `json:"last_failed,omitempty"`
	Firings       int `json:"firings,omitempty"`
	Failures      int `json:"failures,omitempty"`
}

func (j Job) Clone() Job {
	j.Delivery = j.Delivery.Clone()
	return j
}

// Validate checks a job definition. It returns an InvalidConfig error naming
// the first offending field.
func Validate(datasetName string, d DeliveryConfig, spec trigger.Spec) error {
	if err := ValidateDatasetName(datasetName); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		var fe *trigger.FieldError
		if errors.As(err, &fe) {
			return InvalidConfig(fe.Field, "%s", fe.Reason)
		}
		return InvalidConfig("schedule", "%v", err)
	}
	return nil
}

func ValidateDatasetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return InvalidConfig("dataset_name", "required")
	}
	if len(name) > 128 {
		return InvalidConfig("dataset_name", "longer than 128 bytes")
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' || r == '\\' {
			return InvalidConfig("dataset_name", "contains %q", r)
		}
	}
	return nil
}

var reIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NewJobID builds "report_<dataset>_<YYYYMMDDHHMMSS>_<8 hex>". The random
// suffix keeps ids unique when the same dataset is scheduled twice in one second.
func NewJobID(datasetName string, now time.Time) string {
	ds := strings.Trim(reIDUnsafe.ReplaceAllString(datasetName, "_"), "_")
	if ds == "" {
		ds = "dataset"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("report_%s_%s_%s", ds, now.Format("20060102150405"), suffix)
}
