package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestBuildStepInput(t *testing.T) {
	tests := []struct {
		name          string
		step          schema.StepDefinition
		workflowInput map[string]any
		outputs       map[string]map[string]any
		want          map[string]any
	}{
		{
			name: "no deps copies workflow input",
			step: schema.StepDefinition{ID: "A"},
			workflowInput: map[string]any{
				"x": 1,
			},
			want: map[string]any{"x": 1},
		},
		{
			name:          "nil workflow input yields empty map",
			step:          schema.StepDefinition{ID: "A"},
			workflowInput: nil,
			want:          map[string]any{},
		},
		{
			name:          "dependency output wins over workflow input",
			step:          schema.StepDefinition{ID: "B", DependsOn: []string{"A"}},
			workflowInput: map[string]any{"k": "workflow", "x": 1},
			outputs: map[string]map[string]any{
				"A": {"k": "step"},
			},
			want: map[string]any{"k": "step", "x": 1},
		},
		{
			name:          "later dependency wins over earlier",
			step:          schema.StepDefinition{ID: "C", DependsOn: []string{"A", "B"}},
			workflowInput: nil,
			outputs: map[string]map[string]any{
				"A": {"k": "first"},
				"B": {"k": "second"},
			},
			want: map[string]any{"k": "second"},
		},
		{
			name:          "dependency without recorded output contributes nothing",
			step:          schema.StepDefinition{ID: "B", DependsOn: []string{"A", "ghost"}},
			workflowInput: map[string]any{"x": 1},
			outputs: map[string]map[string]any{
				"A": {"a": 2},
			},
			want: map[string]any{"x": 1, "a": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildStepInput(&tt.step, tt.workflowInput, tt.outputs)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildStepInput_DoesNotMutateSources(t *testing.T) {
	workflowInput := map[string]any{"k": "workflow"}
	outputs := map[string]map[string]any{"A": {"k": "step"}}
	step := schema.StepDefinition{ID: "B", DependsOn: []string{"A"}}

	got := BuildStepInput(&step, workflowInput, outputs)
	got["k"] = "mutated"
	got["new"] = true

	assert.Equal(t, map[string]any{"k": "workflow"}, workflowInput)
	assert.Equal(t, map[string]any{"k": "step"}, outputs["A"])
}
