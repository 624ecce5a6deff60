package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/core/task"
)

func TestRecurringSpec_Validate(t *testing.T) {
	t.Parallel()

	t.Run("exactly one mode required", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)

		at := time.Now().Add(time.Hour)
		spec = &task.RecurringSpec{RunNow: true, RunAt: &at}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)
	})

	t.Run("valid cron", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Cron: "*/5 * * * *"}
		require.NoError(t, spec.Validate())

		spec = &task.RecurringSpec{Cron: "@hourly"}
		require.NoError(t, spec.Validate())
	})

	t.Run("invalid cron", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Cron: "not a cron"}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)
	})

	t.Run("negative initial delay", func(t *testing.T) {
		t.Parallel()

		d := -time.Second
		spec := &task.RecurringSpec{InitialDelay: &d}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)
	})

	t.Run("mask on wrong unit", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Interval: &task.Interval{
			Unit:     task.UnitSecond,
			Every:    5,
			Weekdays: []time.Weekday{time.Monday},
		}}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)

		spec = &task.RecurringSpec{Interval: &task.Interval{
			Unit:      task.UnitDay,
			Every:     1,
			MonthDays: []int{15},
		}}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)
	})

	t.Run("day of month out of range", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Interval: &task.Interval{
			Unit:      task.UnitMonth,
			Every:     1,
			MonthDays: []int{0},
		}}
		assert.ErrorIs(t, spec.Validate(), task.ErrInvalidSchedule)
	})
}

func TestRecurringSpec_NextRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC) // a Tuesday

	t.Run("run now yields no scheduled occurrence", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{RunNow: true}
		assert.Nil(t, spec.NextRun(now, 0))
		assert.Nil(t, spec.NextRun(now, 1))
	})

	t.Run("run at fires once", func(t *testing.T) {
		t.Parallel()

		at := now.Add(time.Hour)
		spec := &task.RecurringSpec{RunAt: &at}

		next := spec.NextRun(now, 0)
		require.NotNil(t, next)
		assert.True(t, next.Equal(at))

		assert.Nil(t, spec.NextRun(now, 1))
	})

	t.Run("run at in the past is exhausted", func(t *testing.T) {
		t.Parallel()

		at := now.Add(-time.Hour)
		spec := &task.RecurringSpec{RunAt: &at}
		assert.Nil(t, spec.NextRun(now, 0))
	})

	t.Run("initial delay fires once", func(t *testing.T) {
		t.Parallel()

		d := 30 * time.Minute
		spec := &task.RecurringSpec{InitialDelay: &d}

		next := spec.NextRun(now, 0)
		require.NotNil(t, next)
		assert.True(t, next.Equal(now.Add(d)))

		assert.Nil(t, spec.NextRun(now, 1))
	})

	t.Run("cron advances strictly past now", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Cron: "0 * * * *"}
		next := spec.NextRun(now, 0)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2026, time.March, 10, 13, 0, 0, 0, time.UTC), *next)
		assert.True(t, next.After(now))
	})

	t.Run("second interval", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Interval: &task.Interval{Unit: task.UnitSecond, Every: 5}}
		next := spec.NextRun(now, 3)
		require.NotNil(t, next)
		assert.True(t, next.Equal(now.Add(5*time.Second)))
	})

	t.Run("day interval with weekday mask", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{Interval: &task.Interval{
			Unit:     task.UnitDay,
			Every:    1,
			At:       &task.TimeOfDay{Hour: 9, Minute: 0},
			Weekdays: []time.Weekday{time.Friday},
		}}
		next := spec.NextRun(now, 0)
		require.NotNil(t, next)
		assert.Equal(t, time.Friday, next.Weekday())
		assert.Equal(t, 9, next.Hour())
		assert.True(t, next.After(now))
	})

	t.Run("month interval clamps to month end", func(t *testing.T) {
		t.Parallel()

		jan := time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC)
		spec := &task.RecurringSpec{Interval: &task.Interval{
			Unit:      task.UnitMonth,
			Every:     1,
			MonthDays: []int{31},
		}}
		next := spec.NextRun(jan, 0)
		require.NotNil(t, next)
		// February 2026 has 28 days.
		assert.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), *next)
	})

	t.Run("max runs exhausts schedule", func(t *testing.T) {
		t.Parallel()

		spec := &task.RecurringSpec{
			Interval: &task.Interval{Unit: task.UnitMinute, Every: 1},
			MaxRuns:  3,
		}
		assert.NotNil(t, spec.NextRun(now, 2))
		assert.Nil(t, spec.NextRun(now, 3))
	})

	t.Run("run until bounds the schedule", func(t *testing.T) {
		t.Parallel()

		until := now.Add(30 * time.Second)
		spec := &task.RecurringSpec{
			Interval: &task.Interval{Unit: task.UnitMinute, Every: 1},
			RunUntil: &until,
		}
		assert.Nil(t, spec.NextRun(now, 0))
	})
}

func TestScheduleBuilder(t *testing.T) {
	t.Parallel()

	t.Run("interval with bounds", func(t *testing.T) {
		t.Parallel()

		spec, err := task.Schedule().EverySeconds(5).MaxRuns(3).Build()
		require.NoError(t, err)
		require.NotNil(t, spec.Interval)
		assert.Equal(t, task.UnitSecond, spec.Interval.Unit)
		assert.Equal(t, 5, spec.Interval.Every)
		assert.Equal(t, 3, spec.MaxRuns)
	})

	t.Run("daily at time on weekdays", func(t *testing.T) {
		t.Parallel()

		spec, err := task.Schedule().
			EveryDays(1).
			At(9, 30).
			OnWeekdays(time.Monday, time.Wednesday).
			Build()
		require.NoError(t, err)
		require.NotNil(t, spec.Interval)
		require.NotNil(t, spec.Interval.At)
		assert.Equal(t, 9, spec.Interval.At.Hour)
		assert.Equal(t, 30, spec.Interval.At.Minute)
		assert.Len(t, spec.Interval.Weekdays, 2)
	})

	t.Run("conflicting modes are reported", func(t *testing.T) {
		t.Parallel()

		_, err := task.Schedule().RunNow().EveryMinutes(5).Build()
		assert.ErrorIs(t, err, task.ErrInvalidSchedule)
	})

	t.Run("at without interval is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := task.Schedule().At(9, 0).Build()
		assert.ErrorIs(t, err, task.ErrInvalidSchedule)
	})

	t.Run("cron passthrough", func(t *testing.T) {
		t.Parallel()

		spec, err := task.Schedule().Cron("*/10 * * * *").Build()
		require.NoError(t, err)
		assert.Equal(t, "*/10 * * * *", spec.Cron)
	})
}
