package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
)

// Process advances one instance as far as it can go without external input.
//
// An existing instance whose stored arguments hash to the same fingerprint is
// resumed in place; different arguments restart it from the initial place
// while keeping its identity, ordering index and documents. A request that
// names no instance creates one.
func (e *Engine) Process(ctx context.Context, req placeflow.ProcessRequest) (*placeflow.RunResult, error) {
	instanceID := req.InstanceID
	if req.Instance != nil {
		instanceID = req.Instance.ID
	}

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release instance lock")
		}
	}()

	inst, err := e.loadInstance(ctx, req)
	if err != nil {
		return nil, err
	}

	tmpl, err := e.resolveTemplate(&req, inst)
	if err != nil {
		return nil, err
	}

	fingerprint, err := placeflow.Fingerprint(req.Args)
	if err != nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "arguments are not serializable").Wrap(err)
	}

	if inst == nil {
		inst, err = e.newInstance(ctx, tmpl, req, fingerprint)
		if err != nil {
			return nil, err
		}
	} else if inst.InputFingerprint != fingerprint {
		e.restart(inst, tmpl, req, fingerprint)
	} else if inst.Error && inst.Stop {
		// Halted on an error; only Unlock moves it again
		return placeflow.NewRunResult(inst), nil
	}

	if req.Payload != nil && req.Payload.WorkflowInstanceID == inst.ID {
		// Kept until the instance reaches the transition, so a payload may
		// arrive while another manual transition is still awaited
		if t, err := tmpl.Transition(req.Payload.TransitionID); err == nil && t.Trigger.IsManual() {
			inst.AddPendingPayload(*req.Payload)
		} else {
			logger := placeflow.InstanceLogger(e.logger, inst.ID, tmpl.ID, inst.ProjectID)
			logger.Warn().
				Str("transition_id", req.Payload.TransitionID).
				Msg("Ignoring payload for unknown or automatic transition")
		}
	}
	inst.Stop = false

	return e.run(ctx, tmpl, inst)
}

// Unlock clears the error and stop flags of a halted instance and processes it
// again with its stored arguments
func (e *Engine) Unlock(ctx context.Context, instanceID string, tmpl *placeflow.WorkflowTemplate) (*placeflow.RunResult, error) {
	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release instance lock")
		}
	}()

	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tmpl, err = e.resolveTemplate(&placeflow.ProcessRequest{Template: tmpl}, inst)
	if err != nil {
		return nil, err
	}

	inst.Error = false
	inst.Stop = false
	inst.LastError = nil

	e.logger.Info().
		Str("event", placeflow.EventInstanceUnlocked).
		Str("instance_id", inst.ID).
		Str("place", inst.Place).
		Msg("Instance unlocked")

	return e.run(ctx, tmpl, inst)
}

func (e *Engine) loadInstance(ctx context.Context, req placeflow.ProcessRequest) (*placeflow.WorkflowInstance, error) {
	if req.Instance != nil {
		return req.Instance.Clone(), nil
	}
	if req.InstanceID == "" {
		return nil, nil
	}
	inst, err := e.store.Load(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, placeflow.ErrInstanceNotFound) {
			return nil, placeflow.NewWorkflowError(placeflow.ErrCodeNotFound,
				fmt.Sprintf("instance %s not found", req.InstanceID)).Wrap(err)
		}
		return nil, fmt.Errorf("failed to load instance %s: %w", req.InstanceID, err)
	}
	return inst, nil
}

func (e *Engine) newInstance(ctx context.Context, tmpl *placeflow.WorkflowTemplate, req placeflow.ProcessRequest, fingerprint string) (*placeflow.WorkflowInstance, error) {
	index, err := e.store.AllocateRoot(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ordering index: %w", err)
	}

	now := e.clock()
	return &placeflow.WorkflowInstance{
		ID:               e.newID(),
		TemplateID:       tmpl.ID,
		ProjectID:        req.ProjectID,
		OrderingIndex:    index,
		Place:            tmpl.InitialPlace,
		History:          []placeflow.TransitionRecord{},
		InputFingerprint: fingerprint,
		Arguments:        req.Args,
		ParentArguments:  req.ParentArguments,
		State:            map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (e *Engine) restart(inst *placeflow.WorkflowInstance, tmpl *placeflow.WorkflowTemplate, req placeflow.ProcessRequest, fingerprint string) {
	placeflow.LogInstanceRestarted(e.logger, inst.ID, inst.InputFingerprint, fingerprint)

	inst.TemplateID = tmpl.ID
	inst.Place = tmpl.InitialPlace
	inst.History = []placeflow.TransitionRecord{}
	inst.Cursor = 0
	inst.Error = false
	inst.Stop = false
	inst.LastError = nil
	inst.PendingPayloads = nil
	inst.State = map[string]any{}
	inst.InputFingerprint = fingerprint
	inst.Arguments = req.Args
	if req.ParentArguments != nil {
		inst.ParentArguments = req.ParentArguments
	}
}

// run is the transition loop. It always persists the instance before
// returning a result.
func (e *Engine) run(ctx context.Context, tmpl *placeflow.WorkflowTemplate, inst *placeflow.WorkflowInstance) (*placeflow.RunResult, error) {
	logger := placeflow.InstanceLogger(e.logger, inst.ID, tmpl.ID, inst.ProjectID)
	placeflow.LogProcessStarted(logger, inst.ID, tmpl.ID, inst.Place)

	scope := &runScope{}
	taken := 0
	for {
		t := e.selectTransition(tmpl, inst, logger)
		if t == nil {
			break
		}

		if t.Trigger.IsManual() {
			if _, ok := inst.PendingPayload(t.ID); !ok {
				inst.Stop = true
				placeflow.LogInstanceSuspended(logger, inst.ID, t.ID)
				break
			}
		}

		if taken >= e.config.MaxTransitionsPerRun {
			err := placeflow.NewWorkflowError(placeflow.ErrCodeInternalError,
				fmt.Sprintf("transition limit of %d reached", e.config.MaxTransitionsPerRun))
			logger.Error().
				Str("event", placeflow.EventTransitionLoopHalt).
				Int("limit", e.config.MaxTransitionsPerRun).
				Msg("Transition limit reached")
			inst.Error = true
			inst.Stop = true
			inst.LastError = err
			break
		}

		taken++
		if halted := e.takeTransition(ctx, tmpl, inst, t, scope, logger); halted {
			break
		}
	}

	switch {
	case inst.Error && inst.Stop:
		placeflow.LogInstanceFailed(logger, inst.ID, inst.LastError)
	case !inst.Stop:
		placeflow.LogInstanceCompleted(logger, inst.ID, inst.Place, len(inst.History))
	}
	e.observer.InstanceHalted(tmpl.ID, placeflow.Outcome(inst))

	if err := e.save(ctx, inst, logger); err != nil {
		return nil, err
	}
	if err := e.startChildren(ctx, inst, scope, logger); err != nil {
		return nil, err
	}
	return placeflow.NewRunResult(inst), nil
}

// runScope collects what a run produces besides the instance itself
type runScope struct {
	children []placeflow.SubWorkflowHandle
}

// startChildren hands the children scheduled during the run to the scheduler.
// Children of rolled-back transitions are started too; their indices are
// already reserved.
func (e *Engine) startChildren(ctx context.Context, inst *placeflow.WorkflowInstance, scope *runScope, logger zerolog.Logger) error {
	if len(scope.children) == 0 {
		return nil
	}
	if err := e.app.Scheduler.StartSubWorkflows(ctx, scope.children); err != nil {
		logger.Error().Err(err).Int("children", len(scope.children)).Msg("Failed to start sub-workflows")
		return fmt.Errorf("failed to start sub-workflows of %s: %w", inst.ID, err)
	}
	return nil
}

// selectTransition returns the first outgoing transition, in declaration
// order, whose guard renders to "true"
func (e *Engine) selectTransition(tmpl *placeflow.WorkflowTemplate, inst *placeflow.WorkflowInstance, logger zerolog.Logger) *placeflow.TransitionDefinition {
	for _, t := range tmpl.Outgoing(inst.Place) {
		if t.Condition == "" {
			return t
		}
		out, err := e.evaluator.Render(t.Condition, placeflow.NewExpressionContext(inst, t))
		if err != nil {
			placeflow.LogGuardRenderFailed(logger, inst.ID, t.ID, err)
			continue
		}
		if strings.TrimSpace(out) == "true" {
			return t
		}
	}
	return nil
}

// takeTransition executes the calls of t and moves the instance. It reports
// whether the loop must halt.
func (e *Engine) takeTransition(ctx context.Context, tmpl *placeflow.WorkflowTemplate, inst *placeflow.WorkflowInstance, t *placeflow.TransitionDefinition, scope *runScope, logger zerolog.Logger) bool {
	start := e.clock()
	inst.Cursor++

	snapshot := inst.Clone()
	err := e.executeCalls(ctx, tmpl, inst, t, scope, logger)
	inst.ConsumePendingPayload(t.ID)

	elapsed := e.clock().Sub(start)
	e.observer.TransitionApplied(tmpl.ID, t.ID, elapsed, err != nil)

	if err != nil {
		// Calls of a failed transition leave no partial state behind
		inst.State = snapshot.State
		inst.Documents = snapshot.Documents
		inst.Imports = snapshot.Imports
		inst.DependencyFingerprint = snapshot.DependencyFingerprint

		werr := placeflow.ToWorkflowError(err)
		if werr.Transition == "" {
			werr.Transition = t.ID
		}
		inst.LastError = werr
		inst.Error = true

		if t.OnError != "" {
			placeflow.LogTransitionRouted(logger, inst.ID, t.ID, t.OnError, err)
			e.appendHistory(inst, t.ID, t.From, t.OnError, true)
			inst.Place = t.OnError
			return false
		}

		placeflow.LogTransitionFailed(logger, inst.ID, t.ID, err)
		inst.Stop = true
		return true
	}

	e.appendHistory(inst, t.ID, t.From, t.To, false)
	inst.Place = t.To
	placeflow.LogTransitionApplied(logger, inst.ID, t.ID, t.From, t.To, elapsed)
	return false
}

func (e *Engine) appendHistory(inst *placeflow.WorkflowInstance, transitionID, from, to string, failed bool) {
	inst.History = append(inst.History, placeflow.TransitionRecord{
		TransitionID: transitionID,
		From:         from,
		To:           to,
		At:           e.clock(),
		Error:        failed,
	})
}

func (e *Engine) save(ctx context.Context, inst *placeflow.WorkflowInstance, logger zerolog.Logger) error {
	inst.UpdatedAt = e.clock()
	if err := e.store.Save(ctx, inst); err != nil {
		placeflow.LogPersistenceError(logger, inst.ID, "save", err)
		if placeflow.IsStateConflict(err) {
			return err
		}
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}
	return nil
}

// elapsedSince measures against the engine clock
func (e *Engine) elapsedSince(t time.Time) time.Duration {
	return e.clock().Sub(t)
}
