package streaming

import "context"

// StreamEvent is a real-time event emitted during workflow execution.
type StreamEvent struct {
	ExecutionID string  `json:"execution_id"`
	WorkflowID  string  `json:"workflow_id"`
	StepID      string  `json:"step_id,omitempty"`
	EventType   string  `json:"event_type"`
	Progress    float64 `json:"progress"`
	Payload     any     `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
// Publishing is best-effort: a slow or absent subscriber never blocks
// or fails the publishing run.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
