package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestActionExecutor_Register(t *testing.T) {
	e := NewActionExecutor()

	err := e.Register("double", func(_ context.Context, input map[string]any, _ json.RawMessage) (map[string]any, error) {
		return map[string]any{"v": input["v"].(int) * 2}, nil
	})
	require.NoError(t, err)
	assert.True(t, e.Has("double"))

	// Duplicate registration is rejected.
	err = e.Register("double", func(context.Context, map[string]any, json.RawMessage) (map[string]any, error) {
		return nil, nil
	})
	require.Error(t, err)

	require.Error(t, e.Register("", nil))
	require.Error(t, e.Register("nilfn", nil))
}

func TestActionExecutor_ExecuteStep(t *testing.T) {
	e := NewActionExecutor()
	require.NoError(t, RegisterBuiltins(e))

	t.Run("empty action is a no-op join point", func(t *testing.T) {
		out, err := e.ExecuteStep(context.Background(), "ex-1", &schema.StepDefinition{ID: "join"}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, out)
	})

	t.Run("unregistered action fails the step", func(t *testing.T) {
		_, err := e.ExecuteStep(context.Background(), "ex-1",
			&schema.StepDefinition{ID: "s", Action: "missing"}, nil)
		require.Error(t, err)

		var ferr *schema.FlowError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, schema.ErrCodeExecution, ferr.Code)
		assert.Equal(t, "s", ferr.StepID)
	})

	t.Run("emit returns its params", func(t *testing.T) {
		out, err := e.ExecuteStep(context.Background(), "ex-1", &schema.StepDefinition{
			ID:     "s",
			Action: "emit",
			Params: json.RawMessage(`{"a": 2}`),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(2)}, out)
	})

	t.Run("echo passes input through", func(t *testing.T) {
		input := map[string]any{"x": 1}
		out, err := e.ExecuteStep(context.Background(), "ex-1",
			&schema.StepDefinition{ID: "s", Action: "echo"}, input)
		require.NoError(t, err)
		assert.Equal(t, input, out)
	})

	t.Run("fail uses configured message", func(t *testing.T) {
		_, err := e.ExecuteStep(context.Background(), "ex-1", &schema.StepDefinition{
			ID:     "s",
			Action: "fail",
			Params: json.RawMessage(`{"message": "service unavailable"}`),
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service unavailable")
	})
}

func TestActionExecutor_List(t *testing.T) {
	e := NewActionExecutor()
	require.NoError(t, RegisterBuiltins(e))

	names := e.List()
	assert.Equal(t, []string{"echo", "emit", "fail", "noop"}, names)
}
