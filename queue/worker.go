package queue

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one task. Returned errors are logged; the task is not
// requeued.
type Handler func(ctx context.Context, t Task) error

// Serve runs workers goroutines that dequeue from q and call handle until
// ctx is cancelled. It returns nil on cancellation and the first dequeue
// error otherwise.
func Serve(ctx context.Context, q Queue, workers int, handle Handler, logger zerolog.Logger) error {
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			wlog := logger.With().Int("worker", worker).Logger()
			for {
				task, err := q.Dequeue(gctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					wlog.Error().Err(err).Msg("Dequeue failed")
					return err
				}

				if err := handle(gctx, *task); err != nil {
					wlog.Error().
						Err(err).
						Str("task_id", task.ID).
						Str("task_type", string(task.Type)).
						Str("instance_id", task.InstanceID).
						Msg("Task failed")
					continue
				}

				wlog.Debug().
					Str("task_id", task.ID).
					Str("task_type", string(task.Type)).
					Msg("Task done")
			}
		})
	}
	return g.Wait()
}
