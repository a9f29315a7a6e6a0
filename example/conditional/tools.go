package conditional

import (
	"fmt"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/registry"
)

// NewTools registers the tools the conditional template calls
func NewTools() (*registry.Registry, error) {
	return registry.NewBuilder(nil).
		Tool("double", registry.Typed(double), registry.WithDescription("Double the value")).
		Tool("skip_double", registry.Typed(skipDouble), registry.WithDescription("Pass the value through")).
		Tool("conditional_format", registry.Typed(format), registry.WithDescription("Format result")).
		Build()
}

func double(tc *placeflow.ToolContext, input DoubleInput) (DoubleOutput, error) {
	doubled := input.Value * 2
	tc.Logger.Info().
		Int("original", input.Value).
		Int("doubled", doubled).
		Msg("Doubling value")
	return DoubleOutput{
		Value:   doubled,
		Doubled: true,
		Message: fmt.Sprintf("Doubled %d to %d", input.Value, doubled),
	}, nil
}

func skipDouble(tc *placeflow.ToolContext, input DoubleInput) (DoubleOutput, error) {
	tc.Logger.Info().Int("value", input.Value).Msg("Doubling disabled")
	return DoubleOutput{Value: input.Value, Message: "Doubling was skipped"}, nil
}

func format(tc *placeflow.ToolContext, input ConditionalFormatInput) (ConditionalFormatOutput, error) {
	formatted := fmt.Sprintf("Final value: %d (doubled: %v)", input.Value, input.Doubled)
	if input.Message != "" {
		formatted = fmt.Sprintf("%s | %s", formatted, input.Message)
	}
	tc.Logger.Info().
		Str("formatted", formatted).
		Msg("Formatting conditional result")
	return ConditionalFormatOutput{
		Value:     input.Value,
		Formatted: formatted,
		Doubled:   input.Doubled,
	}, nil
}
