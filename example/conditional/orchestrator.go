package conditional

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/engine"
	"github.com/sicko7947/placeflow/registry"
)

// Orchestrator handles the execution of conditional workflows
type Orchestrator struct {
	template *placeflow.WorkflowTemplate
	engine   *engine.Engine
	logger   zerolog.Logger
}

// NewOrchestrator creates a new conditional workflow orchestrator
func NewOrchestrator(
	store placeflow.InstanceStore,
	logger zerolog.Logger,
	config placeflow.EngineConfig,
) (*Orchestrator, error) {
	tmpl, err := NewConditionalTemplate()
	if err != nil {
		return nil, err
	}

	tools, err := NewTools()
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	eng, err := engine.NewEngine(engine.ApplicationContext{Tools: tools, Store: store},
		engine.WithLogger(logger),
		engine.WithConfig(config),
	)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		template: tmpl,
		engine:   eng,
		logger:   logger,
	}, nil
}

// StartWorkflow runs a new instance to completion and returns its id
func (o *Orchestrator) StartWorkflow(
	ctx context.Context,
	input ConditionalInput,
) (string, error) {
	o.logger.Info().
		Int("value", input.Value).
		Bool("enable_doubling", input.EnableDoubling).
		Bool("enable_formatting", input.EnableFormatting).
		Msg("Starting conditional workflow")

	res, err := o.engine.Process(ctx, placeflow.NewProcessRequest(o.template, input.Args()))
	if err != nil {
		return "", fmt.Errorf("failed to start workflow: %w", err)
	}

	o.logger.Info().
		Str("instance_id", res.InstanceID).
		Str("place", res.Place).
		Msg("Conditional workflow finished")

	return res.InstanceID, nil
}

// GetWorkflowStatus retrieves the status and results of an instance
func (o *Orchestrator) GetWorkflowStatus(
	ctx context.Context,
	instanceID string,
) (*WorkflowStatus, error) {
	inst, err := o.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	status := &WorkflowStatus{Instance: inst}

	if o.template.IsTerminal(inst.Place) && !inst.Error {
		double, err := registry.DecodeArgs[DoubleOutput](stateMap(inst, "double"))
		if err != nil {
			return nil, err
		}
		status.Double = &double

		if raw := stateMap(inst, "output"); raw != nil {
			output, err := registry.DecodeArgs[ConditionalFormatOutput](raw)
			if err != nil {
				return nil, err
			}
			status.Output = &output
		}
	}

	return status, nil
}

func stateMap(inst *placeflow.WorkflowInstance, key string) map[string]any {
	m, _ := inst.State[key].(map[string]any)
	return m
}

// WorkflowStatus represents the current status of a conditional instance
type WorkflowStatus struct {
	Instance *placeflow.WorkflowInstance `json:"instance"`
	Double   *DoubleOutput               `json:"double,omitempty"`
	Output   *ConditionalFormatOutput    `json:"output,omitempty"`
}
