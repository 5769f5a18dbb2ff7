package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the variant tag of a schedule.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindOneTime Kind = "onetime"
)

// ParseKind accepts the canonical names case-insensitively plus "once"/"one_time".
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return KindDaily, true
	case "weekly":
		return KindWeekly, true
	case "monthly":
		return KindMonthly, true
	case "onetime", "one_time", "once":
		return KindOneTime, true
	default:
		return "", false
	}
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("schedule kind must be a string: %w", err)
	}
	if parsed, ok := ParseKind(s); ok {
		*k = parsed
		return nil
	}
	// Keep the raw value; Validate names it.
	*k = Kind(s)
	return nil
}

// Weekday uses the time.Weekday numbering (0 = Sunday). In JSON it is
// written as a number and read from either a number or an English day name.
type Weekday int

func (w Weekday) String() string {
	if w < 0 || w > 6 {
		return "Weekday(" + strconv.Itoa(int(w)) + ")"
	}
	return time.Weekday(w).String()
}

func (w *Weekday) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*w = Weekday(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("weekday must be a number or a day name")
	}
	d, ok := ParseWeekday(s)
	if !ok {
		return fmt.Errorf("unknown weekday %q", s)
	}
	*w = d
	return nil
}

// ParseWeekday accepts "monday", "Mon", "1" and so on.
func ParseWeekday(s string) (Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return Weekday(n), n >= 0 && n <= 6
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return Weekday(d), true
		}
	}
	return 0, false
}

// Spec is a schedule specification. Kind selects which fields are meaningful:
//
//	daily:   Hour, Minute
//	weekly:  Weekday, Hour, Minute
//	monthly: Day, Hour, Minute (Day past the month's end clamps to its last day)
//	onetime: none
type Spec struct {
	Kind    Kind    `json:"kind"`
	Hour    int     `json:"hour"`
	Minute  int     `json:"minute"`
	Weekday Weekday `json:"weekday,omitempty"`
	Day     int     `json:"day,omitempty"`
}

func Daily(hour, minute int) Spec {
	return Spec{Kind: KindDaily, Hour: hour, Minute: minute}
}

func Weekly(weekday time.Weekday, hour, minute int) Spec {
	return Spec{Kind: KindWeekly, Weekday: Weekday(weekday), Hour: hour, Minute: minute}
}

func Monthly(day, hour, minute int) Spec {
	return Spec{Kind: KindMonthly, Day: day, Hour: hour, Minute: minute}
}

func OneTime() Spec { return Spec{Kind: KindOneTime} }

func (s Spec) Recurring() bool { return s.Kind != KindOneTime }

func (s Spec) String() string {
	switch s.Kind {
	case KindDaily:
		return fmt.Sprintf("daily %02d:%02d", s.Hour, s.Minute)
	case KindWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", s.Weekday, s.Hour, s.Minute)
	case KindMonthly:
		return fmt.Sprintf("monthly day %d %02d:%02d", s.Day, s.Hour, s.Minute)
	case KindOneTime:
		return "once"
	default:
		return "unknown(" + string(s.Kind) + ")"
	}
}

// FieldError names the offending schedule field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// Validate checks that the fields used by Kind are in range.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindOneTime:
		return nil
	case KindDaily, KindWeekly, KindMonthly:
	case "":
		return &FieldError{Field: "schedule.kind", Reason: "required"}
	default:
		return &FieldError{Field: "schedule.kind", Reason: fmt.Sprintf("unknown kind %q (want daily, weekly, monthly or onetime)", string(s.Kind))}
	}

	if s.Hour < 0 || s.Hour > 23 {
		return &FieldError{Field: "schedule.hour", Reason: fmt.Sprintf("%d out of range [0,23]", s.Hour)}
	}
	if s.Minute < 0 || s.Minute > 59 {
		return &FieldError{Field: "schedule.minute", Reason: fmt.Sprintf("%d out of range [0,59]", s.Minute)}
	}
	if s.Kind == KindWeekly && (s.Weekday < 0 || s.Weekday > 6) {
		return &FieldError{Field: "schedule.weekday", Reason: fmt.Sprintf("%d out of range [0,6]", int(s.Weekday))}
	}
	if s.Kind == KindMonthly && (s.Day < 1 || s.Day > 31) {
		return &FieldError{Field: "schedule.day", Reason: fmt.Sprintf("%d out of range [1,31]", s.Day)}
	}
	return nil
}
