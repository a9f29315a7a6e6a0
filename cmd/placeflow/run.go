package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sicko7947/placeflow"
)

type runOptions struct {
	args       string
	project    string
	instance   string
	transition string
	payload    string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run TEMPLATE",
		Short: "Process one instance and its sub-workflows to completion",
		Long: `Processes an instance of TEMPLATE, then handles every queued sub-workflow
until the queue is empty, and prints the resulting instance as JSON.

Pass --instance to continue an existing instance and --transition with
--payload to fire a manual transition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			return runInstance(cmd, app, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.args, "args", "{}", "Instance arguments as a JSON object")
	cmd.Flags().StringVar(&opts.project, "project", "", "Project id of a new instance")
	cmd.Flags().StringVar(&opts.instance, "instance", "", "Existing instance id")
	cmd.Flags().StringVar(&opts.transition, "transition", "", "Manual transition to fire")
	cmd.Flags().StringVar(&opts.payload, "payload", "{}", "Transition payload as a JSON object")
	return cmd
}

func runInstance(cmd *cobra.Command, app *application, templateID string, opts runOptions) error {
	ctx := cmd.Context()

	tmpl, err := app.catalog.templates.Template(templateID)
	if err != nil {
		return err
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(opts.args), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	req := placeflow.NewProcessRequest(tmpl, args,
		placeflow.WithProjectID(opts.project),
		placeflow.WithInstanceID(opts.instance),
	)

	if opts.transition != "" {
		if opts.instance == "" {
			return fmt.Errorf("--transition requires --instance")
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(opts.payload), &payload); err != nil {
			return fmt.Errorf("--payload must be a JSON object: %w", err)
		}
		inst, err := app.engine.GetInstance(ctx, opts.instance)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("args") {
			req.Args = args
		} else {
			req.Args = inst.Arguments
		}
		req.ParentArguments = inst.ParentArguments
		req.ProjectID = inst.ProjectID
		req.Payload = &placeflow.TransitionPayload{
			TransitionID:       opts.transition,
			WorkflowInstanceID: opts.instance,
			Payload:            payload,
		}
	}

	res, err := app.engine.Process(ctx, req)
	if err != nil {
		return err
	}
	if err := app.bridge.AfterRun(ctx, res.InstanceID); err != nil {
		return err
	}
	if err := app.worker.Drain(ctx); err != nil {
		return err
	}

	inst, err := app.engine.GetInstance(ctx, res.InstanceID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(inst)
}
