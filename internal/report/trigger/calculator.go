package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultOneTimeDelay is the minimal scheduling delay of a one-time job.
const DefaultOneTimeDelay = time.Second

// Calculator maps a Spec to absolute fire times in a fixed location.
// It is safe for concurrent use.
type Calculator struct {
	loc          *time.Location
	oneTimeDelay time.Duration
	parser       cron.Parser
}

func New(loc *time.Location, oneTimeDelay time.Duration) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	if oneTimeDelay <= 0 {
		oneTimeDelay = DefaultOneTimeDelay
	}
	return &Calculator{
		loc:          loc,
		oneTimeDelay: oneTimeDelay,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (c *Calculator) Location() *time.Location { return c.loc }

// Schedule builds the cron.Schedule for a recurring spec. Its Next is strict
// (always after the argument), matching robfig/cron.
func (c *Calculator) Schedule(s Spec) (cron.Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindDaily:
		return c.parse(fmt.Sprintf("%d %d * * *", s.Minute, s.Hour))
	case KindWeekly:
		return c.parse(fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, int(s.Weekday)))
	case KindMonthly:
		return monthlySchedule{day: s.Day, hour: s.Hour, minute: s.Minute, loc: c.loc}, nil
	default:
		return nil, fmt.Errorf("schedule kind %q is not recurring", s.Kind)
	}
}

func (c *Calculator) parse(expr string) (cron.Schedule, error) {
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return locSchedule{inner: sched, loc: c.loc}, nil
}

// Next returns the smallest fire time >= after. A OneTime spec fires at
// after plus the one-time delay. Next only fails for an invalid spec.
func (c *Calculator) Next(s Spec, after time.Time) (time.Time, error) {
	if s.Kind == KindOneTime {
		return after.Add(c.oneTimeDelay).In(c.loc), nil
	}
	sched, err := c.Schedule(s)
	if err != nil {
		return time.Time{}, err
	}
	// Fire times are whole minutes, so stepping back 1ns makes the strict
	// cron Next inclusive of after itself.
	return sched.Next(after.Add(-time.Nanosecond)), nil
}

// NextAfter returns the first fire time strictly after fired. It is used to
// re-arm a recurring job; for OneTime it returns the zero time.
func (c *Calculator) NextAfter(s Spec, fired time.Time) (time.Time, error) {
	if s.Kind == KindOneTime {
		if err := s.Validate(); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, nil
	}
	sched, err := c.Schedule(s)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(fired), nil
}

// locSchedule evaluates a parsed cron schedule in a fixed location instead
// of the location of the argument.
type locSchedule struct {
	inner cron.Schedule
	loc   *time.Location
}

func (s locSchedule) Next(t time.Time) time.Time {
	return s.inner.Next(t.In(s.loc))
}

// monthlySchedule fires on day-of-month at hour:minute. Months shorter than
// day fire on their last day.
type monthlySchedule struct {
	day, hour, minute int
	loc               *time.Location
}

func (m monthlySchedule) Next(t time.Time) time.Time {
	t = t.In(m.loc)
	y, mo, _ := t.Date()
	for i := 0; i < 2; i++ {
		if slot := m.slot(y, mo+time.Month(i)); slot.After(t) {
			return slot
		}
	}
	// Unreachable: next month's slot is always after t.
	return m.slot(y, mo+2)
}

func (m monthlySchedule) slot(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, m.loc)
	y, mo, _ := first.Date()
	day := m.day
	if last := DaysIn(y, mo); day > last {
		day = last
	}
	return time.Date(y, mo, day, m.hour, m.minute, 0, 0, m.loc)
}

// DaysIn returns the number of days of month in year (leap-year aware).
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
