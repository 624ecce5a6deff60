package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, optional seconds, and
// descriptors like "@hourly".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// IntervalUnit is the granularity of a fluent interval schedule.
type IntervalUnit string

const (
	UnitSecond IntervalUnit = "second"
	UnitMinute IntervalUnit = "minute"
	UnitHour   IntervalUnit = "hour"
	UnitDay    IntervalUnit = "day"
	UnitMonth  IntervalUnit = "month"
)

// TimeOfDay pins day- and month-based intervals to a wall-clock time.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Interval describes a fluent repeating schedule: every N units, optionally
// restricted to a weekday or day-of-month mask and a time of day.
type Interval struct {
	Unit      IntervalUnit   `json:"unit"`
	Every     int            `json:"every"`
	At        *TimeOfDay     `json:"at,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	MonthDays []int          `json:"month_days,omitempty"`
}

// RecurringSpec is the value object describing a repeating or deferred
// schedule. Exactly one of RunNow, RunAt, InitialDelay, Cron, or Interval
// must be set. MaxRuns and RunUntil bound the schedule.
type RecurringSpec struct {
	RunNow       bool           `json:"run_now,omitempty"`
	RunAt        *time.Time     `json:"run_at,omitempty"`
	InitialDelay *time.Duration `json:"initial_delay,omitempty"`
	Cron         string         `json:"cron,omitempty"`
	Interval     *Interval      `json:"interval,omitempty"`
	MaxRuns      int            `json:"max_runs,omitempty"`
	RunUntil     *time.Time     `json:"run_until,omitempty"`
}

// Validate checks that exactly one schedule mode is configured and that the
// configured mode is internally consistent.
func (s *RecurringSpec) Validate() error {
	modes := 0
	if s.RunNow {
		modes++
	}
	if s.RunAt != nil {
		modes++
	}
	if s.InitialDelay != nil {
		modes++
	}
	if s.Cron != "" {
		modes++
	}
	if s.Interval != nil {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("%w: exactly one schedule mode required, got %d", ErrInvalidSchedule, modes)
	}

	if s.InitialDelay != nil && *s.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial delay must be positive", ErrInvalidSchedule)
	}
	if s.Cron != "" {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidSchedule, s.Cron, err)
		}
	}
	if iv := s.Interval; iv != nil {
		if iv.Every < 1 {
			return fmt.Errorf("%w: interval must repeat at least every 1 %s", ErrInvalidSchedule, iv.Unit)
		}
		switch iv.Unit {
		case UnitSecond, UnitMinute, UnitHour:
			if iv.At != nil || len(iv.Weekdays) > 0 || len(iv.MonthDays) > 0 {
				return fmt.Errorf("%w: time-of-day and day masks apply to day or month intervals only", ErrInvalidSchedule)
			}
		case UnitDay:
			if len(iv.MonthDays) > 0 {
				return fmt.Errorf("%w: day-of-month mask applies to month intervals only", ErrInvalidSchedule)
			}
		case UnitMonth:
			if len(iv.Weekdays) > 0 {
				return fmt.Errorf("%w: weekday mask applies to day intervals only", ErrInvalidSchedule)
			}
			for _, d := range iv.MonthDays {
				if d < 1 || d > 31 {
					return fmt.Errorf("%w: day of month %d out of range", ErrInvalidSchedule, d)
				}
			}
		default:
			return fmt.Errorf("%w: unknown interval unit %q", ErrInvalidSchedule, iv.Unit)
		}
		if iv.At != nil && (iv.At.Hour < 0 || iv.At.Hour > 23 || iv.At.Minute < 0 || iv.At.Minute > 59) {
			return fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidSchedule, iv.At.Hour, iv.At.Minute)
		}
	}
	if s.MaxRuns < 0 {
		return fmt.Errorf("%w: max runs must not be negative", ErrInvalidSchedule)
	}
	return nil
}

// NextRun returns the next due time strictly after now, or nil when the
// schedule is exhausted (bounds reached, or a one-shot mode already ran).
//
// RunNow schedules are released immediately by the dispatcher; NextRun
// reports nil for them once the first run is counted.
func (s *RecurringSpec) NextRun(now time.Time, runCount int) *time.Time {
	if s.MaxRuns > 0 && runCount >= s.MaxRuns {
		return nil
	}

	var next time.Time
	switch {
	case s.RunNow:
		return nil
	case s.RunAt != nil:
		if runCount > 0 || !s.RunAt.After(now) {
			return nil
		}
		next = *s.RunAt
	case s.InitialDelay != nil:
		if runCount > 0 {
			return nil
		}
		next = now.Add(*s.InitialDelay)
	case s.Cron != "":
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return nil
		}
		next = sched.Next(now)
		if next.IsZero() {
			return nil
		}
	case s.Interval != nil:
		n, ok := s.Interval.next(now)
		if !ok {
			return nil
		}
		next = n
	default:
		return nil
	}

	if s.RunUntil != nil && next.After(*s.RunUntil) {
		return nil
	}
	return &next
}

// next computes the first interval occurrence strictly after now.
func (iv *Interval) next(now time.Time) (time.Time, bool) {
	switch iv.Unit {
	case UnitSecond:
		return now.Add(time.Duration(iv.Every) * time.Second), true
	case UnitMinute:
		return now.Add(time.Duration(iv.Every) * time.Minute), true
	case UnitHour:
		return now.Add(time.Duration(iv.Every) * time.Hour), true
	case UnitDay:
		return iv.nextDay(now)
	case UnitMonth:
		return iv.nextMonth(now)
	}
	return time.Time{}, false
}

func (iv *Interval) timeOfDay() (int, int) {
	if iv.At != nil {
		return iv.At.Hour, iv.At.Minute
	}
	return 0, 0
}

func (iv *Interval) nextDay(now time.Time) (time.Time, bool) {
	hour, min := iv.timeOfDay()

	if len(iv.Weekdays) > 0 {
		// Weekday mask dominates the step: scan forward day by day. Two
		// weeks is enough to hit any non-empty mask.
		for offset := 0; offset <= 14; offset++ {
			c := time.Date(now.Year(), now.Month(), now.Day()+offset, hour, min, 0, 0, now.Location())
			if !c.After(now) {
				continue
			}
			for _, wd := range iv.Weekdays {
				if c.Weekday() == wd {
					return c, true
				}
			}
		}
		return time.Time{}, false
	}

	c := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	for !c.After(now) {
		c = c.AddDate(0, 0, iv.Every)
	}
	return c, true
}

func (iv *Interval) nextMonth(now time.Time) (time.Time, bool) {
	hour, min := iv.timeOfDay()
	days := iv.MonthDays
	if len(days) == 0 {
		days = []int{1}
	}

	// Scan month steps; 48 steps covers any mask within four years.
	for step := 0; step <= 48; step++ {
		base := time.Date(now.Year(), now.Month()+time.Month(step*iv.Every), 1, 0, 0, 0, 0, now.Location())
		var best time.Time
		for _, d := range days {
			day := min2(d, daysInMonth(base.Year(), base.Month()))
			c := time.Date(base.Year(), base.Month(), day, hour, min, 0, 0, now.Location())
			if c.After(now) && (best.IsZero() || c.Before(best)) {
				best = c
			}
		}
		if !best.IsZero() {
			return best, true
		}
	}
	return time.Time{}, false
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// String renders a short human-readable description for audit rows and UIs.
func (s *RecurringSpec) String() string {
	var b strings.Builder
	switch {
	case s.RunNow:
		b.WriteString("run now")
	case s.RunAt != nil:
		fmt.Fprintf(&b, "run at %s", s.RunAt.Format(time.RFC3339))
	case s.InitialDelay != nil:
		fmt.Fprintf(&b, "run after %s", *s.InitialDelay)
	case s.Cron != "":
		fmt.Fprintf(&b, "cron %q", s.Cron)
	case s.Interval != nil:
		fmt.Fprintf(&b, "every %d %s(s)", s.Interval.Every, s.Interval.Unit)
		if s.Interval.At != nil {
			fmt.Fprintf(&b, " at %02d:%02d", s.Interval.At.Hour, s.Interval.At.Minute)
		}
	default:
		b.WriteString("unscheduled")
	}
	if s.MaxRuns > 0 {
		fmt.Fprintf(&b, ", max %d runs", s.MaxRuns)
	}
	if s.RunUntil != nil {
		fmt.Fprintf(&b, ", until %s", s.RunUntil.Format(time.RFC3339))
	}
	return b.String()
}
