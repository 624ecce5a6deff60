// Package handler defines the contract between user code and the task
// engine: typed request handlers, optional lifecycle hooks, and the registry
// that resolves persisted request-type names back to runtime handlers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Handler processes a task given its raw persisted payload.
// Typed registrations wrap user code in a decoder; implement Handler
// directly only when the payload format is managed by hand.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Typed is the strongly-typed handler contract. T is the request type; its
// canonical name becomes the task's RequestType and routes submissions back
// to this handler.
type Typed[T any] interface {
	Handle(ctx context.Context, req T) error
}

// Func adapts a plain function to Typed.
type Func[T any] func(ctx context.Context, req T) error

// Handle implements Typed.
func (f Func[T]) Handle(ctx context.Context, req T) error { return f(ctx, req) }

// Optional lifecycle hooks, probed by capability at execution time.
// Hook errors and panics never affect the task's status or retry decision.
type (
	// StartedHook is invoked after the task transitions to InProgress,
	// before the first attempt.
	StartedHook interface {
		OnStarted(ctx context.Context, taskID uuid.UUID)
	}

	// CompletedHook is invoked after a successful attempt.
	CompletedHook interface {
		OnCompleted(ctx context.Context, taskID uuid.UUID)
	}

	// ErrorHook is invoked after the retry budget is exhausted.
	ErrorHook interface {
		OnError(ctx context.Context, taskID uuid.UUID, err error, message string)
	}

	// RetryHook is invoked between attempts.
	RetryHook interface {
		OnRetry(ctx context.Context, taskID uuid.UUID, attempt int, err error, delay time.Duration)
	}

	// Closer is invoked once execution finishes, on every exit path.
	Closer interface {
		Close() error
	}
)

// typedAdapter decodes the persisted payload and forwards to user code.
type typedAdapter[T any] struct {
	inner Typed[T]
}

func (a typedAdapter[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var req T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode %s payload: %w", TypeName(req), err)
		}
	}
	return a.inner.Handle(ctx, req)
}

// TypeName derives the stable canonical name for a value's type, stripping
// pointer markers. Used for both request-type and handler-type names.
func TypeName(v any) string {
	s := fmt.Sprintf("%T", v)
	return strings.TrimLeft(s, "*")
}

// RequestTypeName returns the canonical name of the request type T.
func RequestTypeName[T any]() string {
	var zero T
	return TypeName(zero)
}
