package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// EventParams carries the optional fields of an emitted event or log.
type EventParams struct {
	StepID  string
	Message string
	Error   string
	Data    map[string]any
}

// Emitter formats progress/log notifications, forwards them to the
// event hub, and returns a LogEntry for inclusion in the execution
// record. The hub is optional (nil in headless runs) and publishing is
// best-effort: a missing or failing hub never affects orchestration.
type Emitter struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEmitter creates an Emitter. hub may be nil; a nil logger defaults
// to slog.Default().
func NewEmitter(hub streaming.EventHub, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{hub: hub, logger: logger}
}

// Event publishes a structured execution event and returns the
// corresponding log entry.
func (e *Emitter) Event(ctx context.Context, eventType, executionID, workflowID string, progress float64, p EventParams) schema.LogEntry {
	entry := schema.LogEntry{
		Level:     eventLevel(eventType),
		Code:      eventType,
		Message:   p.Message,
		StepID:    p.StepID,
		Error:     p.Error,
		Data:      p.Data,
		Timestamp: time.Now().UTC(),
	}
	if entry.Message == "" {
		entry.Message = eventType
	}

	e.publish(ctx, eventType, executionID, workflowID, progress, entry)
	e.log(ctx, entry)
	return entry
}

// Log publishes a structured log line (no dedicated event type) and
// returns the entry.
func (e *Emitter) Log(ctx context.Context, level, executionID, workflowID string, progress float64, p EventParams) schema.LogEntry {
	entry := schema.LogEntry{
		Level:     level,
		Code:      "execution_log",
		Message:   p.Message,
		StepID:    p.StepID,
		Error:     p.Error,
		Data:      p.Data,
		Timestamp: time.Now().UTC(),
	}

	e.publish(ctx, entry.Code, executionID, workflowID, progress, entry)
	e.log(ctx, entry)
	return entry
}

func (e *Emitter) publish(ctx context.Context, eventType, executionID, workflowID string, progress float64, entry schema.LogEntry) {
	if e.hub == nil {
		return
	}
	// Best-effort: drop the notification on error.
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      entry.StepID,
		EventType:   eventType,
		Progress:    progress,
		Payload:     entry,
	})
}

func (e *Emitter) log(ctx context.Context, entry schema.LogEntry) {
	attrs := []any{slog.String("code", entry.Code)}
	if entry.StepID != "" {
		attrs = append(attrs, slog.String("step_id", entry.StepID))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	switch entry.Level {
	case "error":
		e.logger.ErrorContext(ctx, entry.Message, attrs...)
	case "warn":
		e.logger.WarnContext(ctx, entry.Message, attrs...)
	default:
		e.logger.InfoContext(ctx, entry.Message, attrs...)
	}
}

func eventLevel(eventType string) string {
	switch eventType {
	case schema.EventStepFailed, schema.EventExecutionFailed:
		return "error"
	case schema.EventExecutionCancelled:
		return "warn"
	default:
		return "info"
	}
}
