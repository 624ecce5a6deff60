package task

import "errors"

var (
	// ErrInvalidSchedule indicates a RecurringSpec that does not describe
	// exactly one consistent schedule mode.
	ErrInvalidSchedule = errors.New("invalid recurring schedule")
)
