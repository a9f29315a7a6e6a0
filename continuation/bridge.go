// Package continuation connects parent workflows to the child workflows they
// schedule. Children run asynchronously through a task queue; when a child
// halts without needing intervention its result is delivered to the parent as
// the payload of the manual transition named at schedule time.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/queue"
)

// Payload keys delivered to the parent's callback transition
const (
	PayloadChildID = "child_id"
	PayloadPlace   = "place"
	PayloadError   = "error"
	PayloadState   = "state"
)

// Bridge schedules child instances and resumes their parents
type Bridge struct {
	store     placeflow.InstanceStore
	queue     queue.Queue
	templates placeflow.TemplateSource
	processor placeflow.Processor

	logger     zerolog.Logger
	clock      func() time.Time
	newID      func() string
	attempts   int
	retryDelay time.Duration
}

// Verify interface compliance
var _ placeflow.SubWorkflowScheduler = (*Bridge)(nil)

// Option configures the bridge
type Option func(*Bridge)

// WithLogger sets the bridge logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(b *Bridge) {
		b.clock = clock
	}
}

// WithIDGenerator replaces uuid generation for child instances and tasks
func WithIDGenerator(gen func() string) Option {
	return func(b *Bridge) {
		b.newID = gen
	}
}

// WithRetry sets how often a parent resume is attempted when the parent is
// missing or was modified concurrently, and the base delay between attempts
func WithRetry(attempts int, delay time.Duration) Option {
	return func(b *Bridge) {
		if attempts > 0 {
			b.attempts = attempts
		}
		b.retryDelay = delay
	}
}

// NewBridge creates a bridge. The processor is attached separately with
// Attach because the engine itself needs the bridge as its scheduler.
func NewBridge(store placeflow.InstanceStore, q queue.Queue, templates placeflow.TemplateSource, opts ...Option) *Bridge {
	b := &Bridge{
		store:      store,
		queue:      q,
		templates:  templates,
		logger:     zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel),
		clock:      time.Now,
		newID:      uuid.NewString,
		attempts:   5,
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach sets the processor used to run children and resume parents
func (b *Bridge) Attach(p placeflow.Processor) {
	b.processor = p
}

// ScheduleSubWorkflow creates and saves the child instance. The child is
// linked to its parent through its callback subscription and is queued by
// StartSubWorkflows.
func (b *Bridge) ScheduleSubWorkflow(ctx context.Context, parent *placeflow.WorkflowInstance, req placeflow.ScheduleRequest) (*placeflow.SubWorkflowHandle, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent instance is required")
	}
	if req.CallbackTransitionID == "" {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "callback transition is required")
	}
	if len(req.Step) == 0 {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "child ordering index is required")
	}

	tmpl, err := b.templates.Template(req.TemplateID)
	if err != nil {
		return nil, err
	}

	fingerprint, err := placeflow.Fingerprint(req.Args)
	if err != nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "child arguments are not serializable").Wrap(err)
	}

	now := b.clock()
	child := &placeflow.WorkflowInstance{
		ID:               b.newID(),
		TemplateID:       tmpl.ID,
		ProjectID:        parent.ProjectID,
		ParentID:         parent.ID,
		OrderingIndex:    req.Step,
		Place:            tmpl.InitialPlace,
		History:          []placeflow.TransitionRecord{},
		InputFingerprint: fingerprint,
		Arguments:        req.Args,
		ParentArguments:  parent.Arguments,
		State:            map[string]any{},
		Callback: &placeflow.CallbackSubscription{
			ParentID:     parent.ID,
			TransitionID: req.CallbackTransitionID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := b.store.Save(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to save child instance: %w", err)
	}

	b.logger.Debug().
		Str("parent_id", parent.ID).
		Str("child_id", child.ID).
		Str("step", req.Step.String()).
		Str("callback_transition", req.CallbackTransitionID).
		Msg("Child instance created")

	return &placeflow.SubWorkflowHandle{
		ChildID:              child.ID,
		TemplateID:           tmpl.ID,
		ParentID:             parent.ID,
		CallbackTransitionID: req.CallbackTransitionID,
	}, nil
}

// StartSubWorkflows queues the children created during one parent run. A
// child queued before its parent is saved could finish and find no parent to
// resume, so the engine calls this after the save.
func (b *Bridge) StartSubWorkflows(ctx context.Context, handles []placeflow.SubWorkflowHandle) error {
	var errs []error
	for _, h := range handles {
		task := queue.Task{
			ID:         b.newID(),
			Type:       queue.TaskRunInstance,
			InstanceID: h.ChildID,
			TemplateID: h.TemplateID,
			EnqueuedAt: b.clock(),
		}
		if err := b.queue.Enqueue(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("failed to enqueue child instance %s: %w", h.ChildID, err))
			continue
		}
		b.logger.Debug().
			Str("parent_id", h.ParentID).
			Str("child_id", h.ChildID).
			Msg("Child instance queued")
	}
	return errors.Join(errs...)
}

// AfterRun delivers the result of a child that halted without needing
// intervention to its parent. Suspended or errored children, and instances
// without a parent, are left alone.
func (b *Bridge) AfterRun(ctx context.Context, instanceID string) error {
	inst, err := b.store.Load(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}
	if inst.Callback == nil || inst.Stop {
		return nil
	}
	return b.Complete(ctx, inst)
}

// Complete resumes the parent of child through the callback transition
func (b *Bridge) Complete(ctx context.Context, child *placeflow.WorkflowInstance) error {
	if b.processor == nil {
		return fmt.Errorf("continuation bridge has no processor attached")
	}
	cb := child.Callback
	if cb == nil {
		return fmt.Errorf("instance %s has no parent subscription", child.ID)
	}

	payload := &placeflow.TransitionPayload{
		TransitionID:       cb.TransitionID,
		WorkflowInstanceID: cb.ParentID,
		Payload: map[string]any{
			PayloadChildID: child.ID,
			PayloadPlace:   child.Place,
			PayloadError:   child.Error,
			PayloadState:   child.State,
		},
	}

	var (
		res *placeflow.RunResult
		err error
	)
	for attempt := 0; attempt < b.attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(b.retryDelay, attempt)); err != nil {
				return err
			}
		}

		res, err = b.resume(ctx, cb.ParentID, payload)
		if err == nil || !retryable(err) {
			break
		}
		b.logger.Warn().
			Err(err).
			Str("parent_id", cb.ParentID).
			Str("child_id", child.ID).
			Int("attempt", attempt+1).
			Msg("Parent resume failed, retrying")
	}
	if err != nil {
		return fmt.Errorf("failed to resume parent %s of %s: %w", cb.ParentID, child.ID, err)
	}

	b.logger.Info().
		Str("event", placeflow.EventSubWorkflowCompleted).
		Str("parent_id", cb.ParentID).
		Str("child_id", child.ID).
		Str("callback_transition", cb.TransitionID).
		Str("parent_place", res.Place).
		Msg("Sub-workflow completed")

	// The parent may itself be a child that has now finished
	return b.AfterRun(ctx, cb.ParentID)
}

// resume processes the parent with its own stored arguments so that its
// fingerprint matches and it continues where it suspended
func (b *Bridge) resume(ctx context.Context, parentID string, payload *placeflow.TransitionPayload) (*placeflow.RunResult, error) {
	parent, err := b.store.Load(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return b.processor.Process(ctx, placeflow.ProcessRequest{
		InstanceID:      parent.ID,
		Args:            parent.Arguments,
		ParentArguments: parent.ParentArguments,
		ProjectID:       parent.ProjectID,
		Payload:         payload,
	})
}

// A parent that is not saved yet or that another worker is saving becomes
// resumable shortly
func retryable(err error) bool {
	return placeflow.IsStateConflict(err) || errors.Is(err, placeflow.ErrInstanceNotFound)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
