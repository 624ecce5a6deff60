// Package event carries task lifecycle notifications to process-local
// subscribers. Emission is fire-and-forget: a slow or failing subscriber
// never affects task execution.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies a task event.
type Severity string

const (
	SeverityInfo    Severity = "information"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one record per status transition or retry.
type Event struct {
	TaskID      uuid.UUID `json:"task_id"`
	At          time.Time `json:"at"`
	Severity    Severity  `json:"severity"`
	TaskType    string    `json:"task_type"`
	HandlerType string    `json:"handler_type"`
	Parameters  string    `json:"parameters,omitempty"`
	Message     string    `json:"message"`
	Error       string    `json:"error,omitempty"`
}
