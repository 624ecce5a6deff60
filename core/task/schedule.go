package task

import (
	"fmt"
	"time"
)

// ScheduleBuilder assembles a RecurringSpec fluently. Misuse (two schedule
// modes, masks on the wrong unit) is collected and reported by Build, so
// chains stay unconditional:
//
//	spec, err := task.Schedule().EverySeconds(5).MaxRuns(3).Build()
type ScheduleBuilder struct {
	spec RecurringSpec
	err  error
}

// Schedule starts a new builder.
func Schedule() *ScheduleBuilder {
	return &ScheduleBuilder{}
}

func (b *ScheduleBuilder) setModeErr(mode string) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s conflicts with an already configured mode", ErrInvalidSchedule, mode)
	}
}

func (b *ScheduleBuilder) hasMode() bool {
	return b.spec.RunNow || b.spec.RunAt != nil || b.spec.InitialDelay != nil ||
		b.spec.Cron != "" || b.spec.Interval != nil
}

// RunNow schedules a single immediate run.
func (b *ScheduleBuilder) RunNow() *ScheduleBuilder {
	if b.hasMode() {
		b.setModeErr("RunNow")
		return b
	}
	b.spec.RunNow = true
	return b
}

// RunAt schedules a single run at the given time.
func (b *ScheduleBuilder) RunAt(t time.Time) *ScheduleBuilder {
	if b.hasMode() {
		b.setModeErr("RunAt")
		return b
	}
	b.spec.RunAt = &t
	return b
}

// RunDelayed schedules a single run after the given delay.
func (b *ScheduleBuilder) RunDelayed(d time.Duration) *ScheduleBuilder {
	if b.hasMode() {
		b.setModeErr("RunDelayed")
		return b
	}
	b.spec.InitialDelay = &d
	return b
}

// Cron schedules runs from a cron expression (five fields, optional seconds,
// or a descriptor such as "@hourly").
func (b *ScheduleBuilder) Cron(expr string) *ScheduleBuilder {
	if b.hasMode() {
		b.setModeErr("Cron")
		return b
	}
	b.spec.Cron = expr
	return b
}

func (b *ScheduleBuilder) interval(unit IntervalUnit, every int) *ScheduleBuilder {
	if b.hasMode() {
		b.setModeErr(string(unit) + " interval")
		return b
	}
	b.spec.Interval = &Interval{Unit: unit, Every: every}
	return b
}

// EverySeconds repeats every n seconds.
func (b *ScheduleBuilder) EverySeconds(n int) *ScheduleBuilder { return b.interval(UnitSecond, n) }

// EveryMinutes repeats every n minutes.
func (b *ScheduleBuilder) EveryMinutes(n int) *ScheduleBuilder { return b.interval(UnitMinute, n) }

// EveryHours repeats every n hours.
func (b *ScheduleBuilder) EveryHours(n int) *ScheduleBuilder { return b.interval(UnitHour, n) }

// EveryDays repeats every n days.
func (b *ScheduleBuilder) EveryDays(n int) *ScheduleBuilder { return b.interval(UnitDay, n) }

// EveryMonths repeats every n months.
func (b *ScheduleBuilder) EveryMonths(n int) *ScheduleBuilder { return b.interval(UnitMonth, n) }

// At pins a day or month interval to a wall-clock time.
func (b *ScheduleBuilder) At(hour, minute int) *ScheduleBuilder {
	if b.spec.Interval == nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: At requires a day or month interval", ErrInvalidSchedule)
		}
		return b
	}
	b.spec.Interval.At = &TimeOfDay{Hour: hour, Minute: minute}
	return b
}

// OnWeekdays restricts a day interval to the given weekdays.
func (b *ScheduleBuilder) OnWeekdays(days ...time.Weekday) *ScheduleBuilder {
	if b.spec.Interval == nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: OnWeekdays requires a day interval", ErrInvalidSchedule)
		}
		return b
	}
	b.spec.Interval.Weekdays = days
	return b
}

// OnMonthDays restricts a month interval to the given days of month.
func (b *ScheduleBuilder) OnMonthDays(days ...int) *ScheduleBuilder {
	if b.spec.Interval == nil {
		if b.err == nil {
			b.err = fmt.Errorf("%w: OnMonthDays requires a month interval", ErrInvalidSchedule)
		}
		return b
	}
	b.spec.Interval.MonthDays = days
	return b
}

// MaxRuns caps the total number of runs.
func (b *ScheduleBuilder) MaxRuns(n int) *ScheduleBuilder {
	b.spec.MaxRuns = n
	return b
}

// RunUntil stops scheduling new runs after the given time.
func (b *ScheduleBuilder) RunUntil(t time.Time) *ScheduleBuilder {
	b.spec.RunUntil = &t
	return b
}

// Build validates and returns the assembled spec.
func (b *ScheduleBuilder) Build() (*RecurringSpec, error) {
	if b.err != nil {
		return nil, b.err
	}
	spec := b.spec
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
