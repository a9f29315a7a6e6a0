package registry

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/sicko7947/placeflow"
)

// Handler is a tool with typed input and output
type Handler[TIn, TOut any] func(tc *placeflow.ToolContext, input TIn) (TOut, error)

// EffectHandler is a typed tool that also requests effects
type EffectHandler[TIn, TOut any] func(tc *placeflow.ToolContext, input TIn) (TOut, []placeflow.Effect, error)

// Typed adapts a typed handler into a ToolFunc. Arguments are decoded with
// DecodeArgs.
func Typed[TIn, TOut any](handler Handler[TIn, TOut]) placeflow.ToolFunc {
	return TypedWithEffects(func(tc *placeflow.ToolContext, input TIn) (TOut, []placeflow.Effect, error) {
		out, err := handler(tc, input)
		return out, nil, err
	})
}

// TypedWithEffects adapts a typed handler that returns effects
func TypedWithEffects[TIn, TOut any](handler EffectHandler[TIn, TOut]) placeflow.ToolFunc {
	return func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
		input, err := DecodeArgs[TIn](args)
		if err != nil {
			return nil, err
		}

		output, effects, err := handler(tc, input)
		if err != nil {
			return nil, err
		}
		return &placeflow.ToolResult{Data: output, Effects: effects}, nil
	}
}

// DecodeArgs decodes call arguments into T. Field names are matched through
// json tags; numeric and string values are converted where unambiguous.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc("2006-01-02T15:04:05Z07:00"),
		),
	})
	if err != nil {
		return out, fmt.Errorf("failed to create argument decoder: %w", err)
	}

	if err := decoder.Decode(args); err != nil {
		return out, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "invalid tool arguments").Wrap(err)
	}
	return out, nil
}
