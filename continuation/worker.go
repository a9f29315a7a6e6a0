package continuation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/queue"
)

// Worker drains the task queue, processing queued instances and forwarding
// finished children to their parents
type Worker struct {
	bridge  *Bridge
	workers int
	logger  zerolog.Logger
}

// NewWorker creates a worker over the bridge's queue
func NewWorker(bridge *Bridge, workers int, logger zerolog.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		bridge:  bridge,
		workers: workers,
		logger:  logger,
	}
}

// Run processes tasks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("workers", w.workers).Msg("Continuation worker started")
	defer w.logger.Info().Msg("Continuation worker stopped")
	return queue.Serve(ctx, w.bridge.queue, w.workers, w.Handle, w.logger)
}

// Drain handles queued tasks until the queue is empty. Tasks enqueued while
// draining are handled too.
func (w *Worker) Drain(ctx context.Context) error {
	for w.bridge.queue.Len() > 0 {
		task, err := w.bridge.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := w.Handle(ctx, *task); err != nil {
			return err
		}
	}
	return nil
}

// Handle processes one task
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	if w.bridge.processor == nil {
		return fmt.Errorf("continuation bridge has no processor attached")
	}

	inst, err := w.bridge.store.Load(ctx, task.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", task.InstanceID, err)
	}

	req := placeflow.ProcessRequest{
		InstanceID:      inst.ID,
		Args:            inst.Arguments,
		ParentArguments: inst.ParentArguments,
		ProjectID:       inst.ProjectID,
	}

	switch task.Type {
	case queue.TaskRunInstance:
	case queue.TaskResumeInstance:
		if task.Payload == nil {
			return fmt.Errorf("resume task %s has no payload", task.ID)
		}
		req.Payload = task.Payload
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}

	res, err := w.bridge.processor.Process(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to process instance %s: %w", inst.ID, err)
	}

	w.logger.Debug().
		Str("task_id", task.ID).
		Str("instance_id", res.InstanceID).
		Str("place", res.Place).
		Bool("stop", res.Stop).
		Bool("error", res.Error).
		Msg("Instance processed")

	return w.bridge.AfterRun(ctx, inst.ID)
}
