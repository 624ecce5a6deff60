package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/taskhive/taskhive/core/storage"
	"github.com/taskhive/taskhive/core/task"
)

type loggerCtxKey struct{}

// ContextWithLogger attaches a task-scoped logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// Logger returns the task-scoped logger from the context. Handlers use it to
// write lines that land both in the process log and in the task's persisted
// execution log. Outside an execution it returns a discard logger.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// executionLogHandler tees slog records into the task's ExecutionLogs.
// Sequence numbers are assigned by storage; persistence failures are
// swallowed so logging can never fail a handler.
type executionLogHandler struct {
	store storage.Storage
	t     *task.Task
	attrs []slog.Attr
}

func (h *executionLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	switch h.t.AuditLevel {
	case task.AuditNone:
		return false
	case task.AuditErrorsOnly:
		return level >= slog.LevelError
	}
	return true
}

func (h *executionLogHandler) Handle(_ context.Context, rec slog.Record) error {
	entry := task.ExecutionLogEntry{
		TaskID:  h.t.ID,
		At:      rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
	}

	var extra []string
	appendAttr := func(a slog.Attr) {
		if a.Key == "error" {
			entry.Error = a.Value.String()
			return
		}
		extra = append(extra, fmt.Sprintf("%s=%s", a.Key, a.Value.String()))
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	if len(extra) > 0 {
		entry.Message = entry.Message + " " + strings.Join(extra, " ")
	}

	// Best effort: the execution log is an audit artifact, not a side
	// channel the handler can depend on.
	_ = h.store.AppendLogs(context.Background(), h.t.ID, []task.ExecutionLogEntry{entry})
	return nil
}

func (h *executionLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &executionLogHandler{store: h.store, t: h.t, attrs: merged}
}

func (h *executionLogHandler) WithGroup(string) slog.Handler {
	return h
}

// teeHandler fans one record out to both the process logger and the
// execution log.
type teeHandler struct {
	a, b slog.Handler
}

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.a.Enabled(ctx, level) || h.b.Enabled(ctx, level)
}

func (h teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	if h.a.Enabled(ctx, rec.Level) {
		_ = h.a.Handle(ctx, rec.Clone())
	}
	if h.b.Enabled(ctx, rec.Level) {
		_ = h.b.Handle(ctx, rec.Clone())
	}
	return nil
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{a: h.a.WithAttrs(attrs), b: h.b.WithAttrs(attrs)}
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{a: h.a.WithGroup(name), b: h.b.WithGroup(name)}
}

// newExecutionLogger builds the task-scoped logger handed to handlers.
func newExecutionLogger(store storage.Storage, t *task.Task, process *slog.Logger) *slog.Logger {
	persist := &executionLogHandler{store: store, t: t}
	return slog.New(teeHandler{a: process.Handler(), b: persist}).With(
		slog.String("task_id", t.ID.String()),
	)
}
