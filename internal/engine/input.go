package engine

import "github.com/stepflow-io/stepflow/pkg/schema"

// BuildStepInput merges the workflow-level input with the recorded
// outputs of the step's dependencies into the input map for one step.
// Pure and deterministic: no I/O, no error conditions. Dependencies
// without a recorded output (continue-branch failures, skipped optional
// steps) simply contribute nothing. Dependency outputs are merged in
// DependsOn order, after the workflow input, so a dependency key wins
// over a workflow input key and a later dependency wins over an earlier
// one.
func BuildStepInput(step *schema.StepDefinition, workflowInput map[string]any, outputsByStep map[string]map[string]any) map[string]any {
	input := make(map[string]any, len(workflowInput))
	for k, v := range workflowInput {
		input[k] = v
	}
	for _, dep := range step.DependsOn {
		for k, v := range outputsByStep[dep] {
			input[k] = v
		}
	}
	return input
}
