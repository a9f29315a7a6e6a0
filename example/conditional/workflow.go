package conditional

import (
	"fmt"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/builder"
)

// NewConditionalTemplate demonstrates guarded transitions. From each place the
// first transition whose guard renders "true" is taken, so the unguarded
// fallback is declared last.
func NewConditionalTemplate() (*placeflow.WorkflowTemplate, error) {
	value := map[string]any{"value": "{{ .arguments.value }}"}
	doubled := map[string]any{
		"value":   "{{ .state.double.value }}",
		"doubled": "{{ .state.double.doubled }}",
		"message": "{{ .state.double.message }}",
	}

	tmpl, err := builder.NewTemplate("conditional_example", "Conditional Execution Example").
		WithDescription("Demonstrates guarded transitions with fallbacks").
		Initial("start").
		Transition("double", "start", "doubled",
			builder.When("{{ .arguments.enable_doubling }}"),
			builder.Call("double", value)).
		Transition("skip_double", "start", "doubled",
			builder.Call("skip_double", value, builder.Output("double"))).
		Transition("format", "doubled", "formatted",
			builder.When("{{ .arguments.enable_formatting }}"),
			builder.Call("conditional_format", doubled, builder.Output("output"))).
		Transition("finish", "doubled", "done").
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build conditional template: %w", err)
	}
	return tmpl, nil
}
