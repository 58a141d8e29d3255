package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestEmitter_EventPublishesToHub(t *testing.T) {
	hub := streaming.NewMemoryHub()
	emitter := NewEmitter(hub, testLogger())

	ctx := context.Background()
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: "ex-1"})
	require.NoError(t, err)
	defer cancel()

	entry := emitter.Event(ctx, schema.EventStepCompleted, "ex-1", "wf-1", 0.5, EventParams{
		StepID:  "A",
		Message: "step A completed",
		Data:    map[string]any{"a": 1},
	})

	assert.Equal(t, "info", entry.Level)
	assert.Equal(t, schema.EventStepCompleted, entry.Code)
	assert.Equal(t, "A", entry.StepID)
	assert.False(t, entry.Timestamp.IsZero())

	select {
	case ev := <-events:
		assert.Equal(t, "ex-1", ev.ExecutionID)
		assert.Equal(t, "wf-1", ev.WorkflowID)
		assert.Equal(t, schema.EventStepCompleted, ev.EventType)
		assert.Equal(t, 0.5, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestEmitter_EventLevels(t *testing.T) {
	emitter := NewEmitter(nil, testLogger())
	ctx := context.Background()

	tests := []struct {
		eventType string
		level     string
	}{
		{schema.EventExecutionStarted, "info"},
		{schema.EventStepStarted, "info"},
		{schema.EventStepCompleted, "info"},
		{schema.EventStepFailed, "error"},
		{schema.EventExecutionFailed, "error"},
		{schema.EventExecutionCancelled, "warn"},
	}
	for _, tt := range tests {
		entry := emitter.Event(ctx, tt.eventType, "ex", "wf", 0, EventParams{})
		assert.Equal(t, tt.level, entry.Level, tt.eventType)
	}
}

func TestEmitter_EventDefaultsMessageToType(t *testing.T) {
	emitter := NewEmitter(nil, testLogger())
	entry := emitter.Event(context.Background(), schema.EventExecutionProgress, "ex", "wf", 0, EventParams{})
	assert.Equal(t, schema.EventExecutionProgress, entry.Message)
}

func TestEmitter_LogEntry(t *testing.T) {
	emitter := NewEmitter(nil, testLogger())
	entry := emitter.Log(context.Background(), "warn", "ex", "wf", 0, EventParams{
		StepID:  "A",
		Message: "retrying step A (attempt 1/3)",
		Error:   "transient",
	})

	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "execution_log", entry.Code)
	assert.Equal(t, "transient", entry.Error)
}

func TestEmitter_NilHubIsSafe(t *testing.T) {
	emitter := NewEmitter(nil, testLogger())
	assert.NotPanics(t, func() {
		emitter.Event(context.Background(), schema.EventExecutionStarted, "ex", "wf", 0, EventParams{})
	})
}
