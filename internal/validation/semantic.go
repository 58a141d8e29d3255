package validation

import (
	"fmt"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// validateSemantic performs reference and policy analysis on the
// workflow definition: duplicate step ids, depends_on references,
// error-branch tag sanity, retry-budget warnings.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		for j, dep := range step.DependsOn {
			depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
			if dep == step.ID {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if !stepIDs[dep] {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", dep))
			}
		}

		switch step.OnError {
		case "", "continue", "fallback":
		default:
			// Any other explicit tag executes as continue, including
			// "stop"; flag it so typos like "fallbck" do not silently
			// change recovery behavior.
			result.AddWarning(path+".on_error", schema.ErrCodeValidation,
				fmt.Sprintf("on_error tag %q is treated as continue", step.OnError))
		}

		if step.OnError == "fallback" && step.FallbackOutput == nil {
			result.AddWarning(path+".fallback_output", schema.ErrCodeValidation,
				fmt.Sprintf("step %q uses the fallback branch without a fallback_output; an empty output will be substituted", step.ID))
		}

		if step.Retry > 10 {
			result.AddWarning(path+".retry", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry))
		}
	}

	return result
}
