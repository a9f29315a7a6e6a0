package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/expression"
	"github.com/sicko7947/placeflow/ordering"
	"github.com/sicko7947/placeflow/schema"
)

// executeCalls runs the calls of t in order against inst. The first failing
// call aborts the transition; the caller rolls back partial state.
func (e *Engine) executeCalls(
	ctx context.Context,
	tmpl *placeflow.WorkflowTemplate,
	inst *placeflow.WorkflowInstance,
	t *placeflow.TransitionDefinition,
	scope *runScope,
	logger zerolog.Logger,
) error {
	step := inst.StepIndex()
	attempt := e.attemptOf(inst, t.ID)
	callLogger := placeflow.TransitionLogger(logger, t.ID, step.String(), attempt)

	for i, call := range t.Calls {
		if err := e.executeCall(ctx, tmpl, inst, t, call, step, attempt, scope, callLogger); err != nil {
			callLogger.Error().
				Err(err).
				Str("tool", call.Tool).
				Int("call_index", i).
				Msg("Call failed")
			return err
		}
	}
	return nil
}

func (e *Engine) executeCall(
	ctx context.Context,
	tmpl *placeflow.WorkflowTemplate,
	inst *placeflow.WorkflowInstance,
	t *placeflow.TransitionDefinition,
	call placeflow.ToolInvocation,
	step ordering.Index,
	attempt int,
	scope *runScope,
	logger zerolog.Logger,
) error {
	// Earlier calls of the same transition are visible through state
	args, err := e.resolveArgs(call, placeflow.NewExpressionContext(inst, t))
	if err != nil {
		return err
	}

	toolLogger := logger.With().Str("tool", call.Tool).Logger()
	tc := &placeflow.ToolContext{
		Context:         ctx,
		InstanceID:      inst.ID,
		TemplateID:      tmpl.ID,
		ProjectID:       inst.ProjectID,
		TransitionID:    t.ID,
		Step:            step,
		Attempt:         attempt,
		Logger:          toolLogger,
		Documents:       e.docs.Bind(inst, step, t.ID),
		Arguments:       inst.Arguments,
		ParentArguments: inst.ParentArguments,
		CustomContext:   e.app.CustomContext,
	}

	start := e.clock()
	result, err := e.invoke(tc, call.Tool, args)
	e.observer.ToolCalled(call.Tool, e.elapsedSince(start), err)
	if err != nil {
		return err
	}

	for _, effect := range result.Effects {
		if err := e.applyEffect(ctx, inst, step, effect, scope, toolLogger); err != nil {
			return err
		}
	}

	data, err := schema.Normalize(result.Data)
	if err != nil {
		return placeflow.NewToolExecutionError(call.Tool, err)
	}
	if inst.State == nil {
		inst.State = map[string]any{}
	}
	inst.State[call.OutputKey()] = data

	toolLogger.Debug().
		Dur("duration", e.elapsedSince(start)).
		Int("effects", len(result.Effects)).
		Msg("Call completed")
	return nil
}

// invoke calls the tool through the registry with panic recovery
func (e *Engine) invoke(tc *placeflow.ToolContext, tool string, args map[string]any) (result *placeflow.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			tc.Logger.Error().Interface("panic", r).Msg("Tool panicked")
			result = nil
			err = placeflow.NewToolExecutionError(tool, fmt.Errorf("tool panicked: %v", r))
		}
	}()

	return e.tools.Invoke(tc, tool, args)
}

// resolveArgs evaluates expression arguments. A fully wrapped string with a
// declared schema is parsed into structured data; any other string holding an
// expression is rendered as text.
func (e *Engine) resolveArgs(call placeflow.ToolInvocation, ectx placeflow.ExpressionContext) (map[string]any, error) {
	out := make(map[string]any, len(call.Args))
	for name, raw := range call.Args {
		if s, ok := raw.(string); ok {
			if path, declared := call.ArgSchemas[name]; declared && expression.IsWrapped(s) {
				v, err := e.evaluator.Parse(s, path, ectx, expression.Secure)
				if err != nil {
					return nil, argError(call.Tool, name, err)
				}
				out[name] = v
				continue
			}
		}

		v, err := e.resolveValue(raw, ectx)
		if err != nil {
			return nil, argError(call.Tool, name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (e *Engine) resolveValue(raw any, ectx placeflow.ExpressionContext) (any, error) {
	switch v := raw.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		return e.evaluator.Render(v, ectx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := e.resolveValue(item, ectx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.resolveValue(item, ectx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return raw, nil
	}
}

func argError(tool, arg string, err error) error {
	werr := placeflow.ToWorkflowError(err)
	if werr.Details == nil {
		werr.Details = map[string]interface{}{}
	}
	werr.Details["tool"] = tool
	werr.Details["arg"] = arg
	return werr
}

func (e *Engine) applyEffect(ctx context.Context, inst *placeflow.WorkflowInstance, step ordering.Index, effect placeflow.Effect, scope *runScope, logger zerolog.Logger) error {
	switch effect.Kind {
	case placeflow.EffectCreateDocument:
		if effect.Create == nil {
			return placeflow.NewWorkflowError(placeflow.ErrCodeToolExecution, "create-document effect without request")
		}
		doc, err := e.docs.Create(ctx, inst, step, *effect.Create)
		if err != nil {
			return err
		}
		placeflow.LogDocumentCreated(logger, inst.ID, doc.MessageID, doc.ID, doc.Version)
		return nil

	case placeflow.EffectUpdateDocument:
		if effect.Update == nil {
			return placeflow.NewWorkflowError(placeflow.ErrCodeToolExecution, "update-document effect without request")
		}
		doc, err := e.docs.Update(ctx, inst, effect.Update.DocumentID, effect.Update.Content)
		if err != nil {
			return err
		}
		logger.Info().
			Str("event", placeflow.EventDocumentUpdated).
			Str("document_id", doc.ID).
			Str("message_id", doc.MessageID).
			Msg("Document updated")
		return nil

	case placeflow.EffectScheduleWorkflow:
		return e.schedule(ctx, inst, step, effect.Schedule, scope, logger)

	default:
		return placeflow.NewWorkflowError(placeflow.ErrCodeToolExecution,
			fmt.Sprintf("unknown effect kind %q", effect.Kind))
	}
}

// schedule hands a child workflow to the scheduler. The child index is
// reserved even if the transition later fails so that indices never repeat.
// The child is started once the run has saved the parent.
func (e *Engine) schedule(ctx context.Context, inst *placeflow.WorkflowInstance, step ordering.Index, req *placeflow.ScheduleRequest, scope *runScope, logger zerolog.Logger) error {
	if req == nil {
		return placeflow.NewWorkflowError(placeflow.ErrCodeToolExecution, "schedule-workflow effect without request")
	}
	if e.app.Scheduler == nil {
		return placeflow.NewWorkflowError(placeflow.ErrCodeToolExecution, "no sub-workflow scheduler configured")
	}

	inst.Children++
	r := *req
	r.Step = step.Child(inst.Children)

	handle, err := e.app.Scheduler.ScheduleSubWorkflow(ctx, inst, r)
	if err != nil {
		if placeflow.IsCallError(err) {
			return err
		}
		return placeflow.NewToolExecutionError("schedule:"+req.TemplateID, err)
	}

	scope.children = append(scope.children, *handle)
	placeflow.LogSubWorkflowScheduled(logger, inst.ID, handle.ChildID, req.TemplateID)
	return nil
}

// attemptOf counts earlier executions of a transition, so a transition
// re-entered after a failure sees a higher attempt number
func (e *Engine) attemptOf(inst *placeflow.WorkflowInstance, transitionID string) int {
	n := 1
	for _, rec := range inst.History {
		if rec.TransitionID == transitionID {
			n++
		}
	}
	return n
}
