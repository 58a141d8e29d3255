package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// ActionFunc is an executable unit of work bound to a step's action
// name. input is the merged step input; params is the step's raw
// params payload (may be nil).
type ActionFunc func(ctx context.Context, input map[string]any, params json.RawMessage) (map[string]any, error)

// ActionExecutor is a registry-backed StepExecutor: each step's Action
// field selects a registered ActionFunc. Safe for concurrent use.
type ActionExecutor struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewActionExecutor creates an empty ActionExecutor.
func NewActionExecutor() *ActionExecutor {
	return &ActionExecutor{actions: make(map[string]ActionFunc)}
}

// Register adds an action. Returns an error on duplicate or empty name.
func (e *ActionExecutor) Register(name string, fn ActionFunc) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "action func is nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	e.actions[name] = fn
	return nil
}

// Has checks if an action is registered.
func (e *ActionExecutor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.actions[name]
	return ok
}

// List returns the registered action names, sorted.
func (e *ActionExecutor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteStep implements StepExecutor. A step with an empty Action is a
// structural no-op that completes with an empty output, so workflows
// can use bare steps as join points.
func (e *ActionExecutor) ExecuteStep(ctx context.Context, executionID string, step *schema.StepDefinition, input map[string]any) (map[string]any, error) {
	if step.Action == "" {
		return map[string]any{}, nil
	}

	e.mu.RLock()
	fn, ok := e.actions[step.Action]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "action %q not registered", step.Action).WithStep(step.ID)
	}

	output, err := fn(ctx, input, step.Params)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = map[string]any{}
	}
	return output, nil
}

// RegisterBuiltins registers the built-in actions: small, dependency
// free primitives for writing and exercising workflows.
func RegisterBuiltins(e *ActionExecutor) error {
	builtins := map[string]ActionFunc{
		"noop": func(ctx context.Context, input map[string]any, params json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
		// emit returns its params object as the step output.
		"emit": func(ctx context.Context, input map[string]any, params json.RawMessage) (map[string]any, error) {
			if len(params) == 0 {
				return map[string]any{}, nil
			}
			var out map[string]any
			if err := json.Unmarshal(params, &out); err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "emit params must be a JSON object").WithCause(err)
			}
			return out, nil
		},
		// echo passes the merged step input through as the output.
		"echo": func(ctx context.Context, input map[string]any, params json.RawMessage) (map[string]any, error) {
			out := make(map[string]any, len(input))
			for k, v := range input {
				out[k] = v
			}
			return out, nil
		},
		// fail always errors; used to exercise retry and error branches.
		"fail": func(ctx context.Context, input map[string]any, params json.RawMessage) (map[string]any, error) {
			msg := "action failed"
			if len(params) > 0 {
				var p struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal(params, &p); err == nil && p.Message != "" {
					msg = p.Message
				}
			}
			return nil, schema.NewError(schema.ErrCodeExecution, msg)
		},
	}

	for name, fn := range builtins {
		if err := e.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
