package engine

import "errors"

var (
	// ErrNilRequest is returned by Dispatch when the request value is nil.
	ErrNilRequest = errors.New("request must not be nil")

	// ErrSerialization is returned when the request payload cannot be
	// marshalled for persistence.
	ErrSerialization = errors.New("failed to serialize request payload")

	// ErrNotRunning is returned by operations that require a started engine.
	ErrNotRunning = errors.New("engine is not running")

	// ErrNotReschedulable is returned by Reschedule when the task has already
	// started executing or reached a terminal status.
	ErrNotReschedulable = errors.New("task can no longer be rescheduled")
)
