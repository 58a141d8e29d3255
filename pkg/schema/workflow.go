package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable, immutable workflow format.
// Step order is significant: within a tick the orchestrator scans steps
// in definition order, so it is the tie-break between equally ready steps.
type WorkflowDefinition struct {
	ID       string           `json:"id"`
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID             string          `json:"id"`
	DependsOn      []string        `json:"depends_on,omitempty"`      // step IDs that must complete (or skip) first
	Retry          int             `json:"retry,omitempty"`           // extra attempts after the first failure
	Optional       bool            `json:"optional,omitempty"`        // skip instead of fail when a dependency failed
	ContinueOnFail bool            `json:"continue_on_fail,omitempty"`
	OnError        string          `json:"on_error,omitempty"`        // stop | continue | fallback (default: stop)
	FallbackOutput map[string]any  `json:"fallback_output,omitempty"` // substituted output for the fallback branch
	Action         string          `json:"action,omitempty"`          // executor-specific action name
	Params         json.RawMessage `json:"params,omitempty"`          // executor-specific payload, opaque to the engine
}

// ErrorBranch is the parsed error-recovery policy of a step.
type ErrorBranch int

const (
	// BranchStop aborts the whole run on step failure. Default.
	BranchStop ErrorBranch = iota
	// BranchContinue registers the failed step as satisfied without output.
	BranchContinue
	// BranchFallback promotes the failed step to completed with FallbackOutput.
	BranchFallback
)

func (b ErrorBranch) String() string {
	switch b {
	case BranchContinue:
		return "continue"
	case BranchFallback:
		return "fallback"
	default:
		return "stop"
	}
}

// ParseErrorBranch resolves a step's error-recovery branch from its
// on_error tag and continue_on_fail flag. Any explicit non-empty tag
// other than "continue"/"fallback" maps to continue, matching the
// permissive tag handling of the source format. Parse once at run
// initialization rather than re-comparing strings per failure.
func ParseErrorBranch(step *StepDefinition) ErrorBranch {
	switch step.OnError {
	case "continue":
		return BranchContinue
	case "fallback":
		return BranchFallback
	case "":
		if step.ContinueOnFail {
			return BranchContinue
		}
		return BranchStop
	default:
		return BranchContinue
	}
}

// RunOptions are immutable per-run settings.
type RunOptions struct {
	// ExecutionID pre-assigns the execution id, letting callers track
	// an asynchronous run from submission. Empty means generate one.
	ExecutionID string `json:"execution_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	TriggerID   string `json:"trigger_id,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"` // wall-clock budget; 0 = unlimited
	IsReplay    bool   `json:"is_replay,omitempty"`
}

// RunRequest is the input to Orchestrator.Run.
type RunRequest struct {
	Definition *WorkflowDefinition `json:"definition"`
	Input      map[string]any      `json:"input,omitempty"`
	Options    RunOptions          `json:"options"`
}

// RunResult is the structured outcome of a run. It is always returned,
// including for runs that end failed or cancelled; partial step outputs
// are preserved.
type RunResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Output      map[string]any  `json:"output,omitempty"`
	StepStates  []*StepState    `json:"step_states"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
