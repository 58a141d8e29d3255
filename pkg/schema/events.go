package schema

import "time"

// Event type constants emitted to the event sink during a run.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionProgress  = "execution_progress"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
)

// ExecutionStatus represents the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. A record with a terminal
// status is immutable and its pause/cancel flags are cleared.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepState is the mutable run-time state of a single step.
// Status moves pending→running→{completed|failed}, pending→skipped
// (optional step behind a failed dependency), or failed→completed
// (fallback promotion). Output is never mutated once set.
type StepState struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"` // attempts made, not the configured budget
}

// LogEntry is a structured log line appended to an execution record.
type LogEntry struct {
	Level     string         `json:"level"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	StepID    string         `json:"step_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionRecord is the persisted snapshot of one workflow run.
// Every persisted record is a full, consistent snapshot: a reader never
// observes a step marked completed whose output is still missing.
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	StepStates  []*StepState    `json:"step_states"`
	Logs        []LogEntry      `json:"logs"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	TriggerID   string          `json:"trigger_id,omitempty"`
	IsReplay    bool            `json:"is_replay,omitempty"`
}

// StepStateFor returns the state entry for the given step id, or nil.
func (r *ExecutionRecord) StepStateFor(stepID string) *StepState {
	for _, ss := range r.StepStates {
		if ss.StepID == stepID {
			return ss
		}
	}
	return nil
}
