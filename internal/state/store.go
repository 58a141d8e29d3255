package state

import (
	"context"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Store is the execution state persistence contract.
// All implementations must be safe for concurrent use; state for
// different execution IDs is fully independent, and an operation on one
// execution never blocks or corrupts another.
type Store interface {
	// Executions. PersistExecution upserts the whole record atomically:
	// readers never observe a partially written snapshot.
	PersistExecution(ctx context.Context, record *schema.ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error)

	// Pause/cancel flags. Set by an external caller (API surface), polled
	// by the orchestrator at tick boundaries. Reads are non-blocking and
	// best-effort: a failed read reports false rather than aborting a run.
	SetPaused(ctx context.Context, executionID string, paused bool) error
	SetCancelled(ctx context.Context, executionID string) error
	IsPaused(ctx context.Context, executionID string) bool
	IsCancelled(ctx context.Context, executionID string) bool

	// ClearExecutionFlags removes pause/cancel bookkeeping once a run
	// reaches a terminal status.
	ClearExecutionFlags(ctx context.Context, executionID string) error

	// Cron triggers.
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	DeleteTrigger(ctx context.Context, id string) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// Trigger is a cron-scheduled workflow execution.
type Trigger struct {
	ID             string                     `json:"id"`
	CronExpression string                     `json:"cron_expression"`
	Definition     *schema.WorkflowDefinition `json:"definition"`
	Input          map[string]any             `json:"input,omitempty"`
	Enabled        bool                       `json:"enabled"`
	LastRunAt      *time.Time                 `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                 `json:"next_run_at,omitempty"`
	LastRunStatus  string                     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
