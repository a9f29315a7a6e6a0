package continuation_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/builder"
	"github.com/sicko7947/placeflow/continuation"
	"github.com/sicko7947/placeflow/engine"
	"github.com/sicko7947/placeflow/lock"
	"github.com/sicko7947/placeflow/ordering"
	"github.com/sicko7947/placeflow/queue"
	"github.com/sicko7947/placeflow/registry"
	"github.com/sicko7947/placeflow/schema"
	"github.com/sicko7947/placeflow/store"
)

type countInput struct {
	N int `json:"n"`
}

type doubled struct {
	Value int `json:"value"`
}

func testTools(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewBuilder(nil).
		Tool("spawn", registry.TypedWithEffects(func(tc *placeflow.ToolContext, in countInput) (map[string]any, []placeflow.Effect, error) {
			return map[string]any{"spawned": in.N}, []placeflow.Effect{
				placeflow.ScheduleWorkflow("child", map[string]any{"n": in.N}, "child_done"),
			}, nil
		})).
		Tool("spawn_failing", registry.TypedWithEffects(func(tc *placeflow.ToolContext, in countInput) (bool, []placeflow.Effect, error) {
			return true, []placeflow.Effect{
				placeflow.ScheduleWorkflow("broken_child", nil, "child_done"),
			}, nil
		})).
		Tool("double", registry.Typed(func(tc *placeflow.ToolContext, in countInput) (doubled, error) {
			return doubled{Value: in.N * 2}, nil
		})).
		Tool("explode", func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
			return nil, errors.New("child tool failed")
		}).
		Tool("collect", func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
			return placeflow.Result(args), nil
		}).
		Tool("hold", func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
			time.Sleep(300 * time.Millisecond)
			return placeflow.Result(true), nil
		}).
		Build()
	require.NoError(t, err)
	return reg
}

func testTemplates() placeflow.TemplateMap {
	parent := builder.NewTemplate("parent", "Parent").
		Transition("spawn", "start", "waiting",
			builder.Call("spawn", map[string]any{"n": "{{ .arguments.n }}"})).
		Transition("child_done", "waiting", "done",
			builder.Manual(),
			builder.Call("collect", map[string]any{
				"value": "{{ .transition.payload.state.double.value }}",
				"child": "{{ .transition.payload.child_id }}",
				"error": "{{ .transition.payload.error }}",
			})).
		MustBuild()

	failingParent := builder.NewTemplate("failing_parent", "Failing parent").
		Transition("spawn", "start", "waiting", builder.Call("spawn_failing", nil)).
		Transition("child_done", "waiting", "done",
			builder.Manual(),
			builder.Call("collect", map[string]any{"error": "{{ .transition.payload.error }}"})).
		MustBuild()

	slowParent := builder.NewTemplate("slow_parent", "Slow parent").
		Transition("spawn", "start", "spawned",
			builder.Call("spawn", map[string]any{"n": "{{ .arguments.n }}"})).
		Transition("hold", "spawned", "waiting", builder.Call("hold", nil)).
		Transition("child_done", "waiting", "done",
			builder.Manual(),
			builder.Call("collect", map[string]any{"value": "{{ .transition.payload.state.double.value }}"})).
		MustBuild()

	child := builder.NewTemplate("child", "Child").
		Transition("compute", "start", "end",
			builder.Call("double", map[string]any{"n": "{{ .arguments.n }}"})).
		MustBuild()

	brokenChild := builder.NewTemplate("broken_child", "Broken child").
		Transition("compute", "start", "end", builder.Call("explode", nil)).
		MustBuild()

	approval := builder.NewTemplate("approval", "Approval").
		Transition("approve", "start", "done",
			builder.Manual(),
			builder.Call("collect", map[string]any{"by": "{{ .transition.payload.by }}"})).
		MustBuild()

	return placeflow.TemplateMap{
		parent.ID:        parent,
		failingParent.ID: failingParent,
		slowParent.ID:    slowParent,
		child.ID:         child,
		brokenChild.ID:   brokenChild,
		approval.ID:      approval,
	}
}

type fixture struct {
	engine *engine.Engine
	bridge *continuation.Bridge
	worker *continuation.Worker
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
}

func newFixture(t *testing.T, opts ...continuation.Option) *fixture {
	t.Helper()

	memStore := store.NewMemoryStore()
	q := queue.NewMemoryQueue(64)
	templates := testTemplates()

	var seq atomic.Int64
	nextID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	base := []continuation.Option{
		continuation.WithLogger(zerolog.Nop()),
		continuation.WithIDGenerator(nextID),
		continuation.WithRetry(5, 10*time.Millisecond),
	}
	bridge := continuation.NewBridge(memStore, q, templates, append(base, opts...)...)

	eng, err := engine.NewEngine(engine.ApplicationContext{
		Schemas:   schema.NewRegistry().Freeze(),
		Tools:     testTools(t),
		Store:     memStore,
		Scheduler: bridge,
		Locker:    lock.NewMemoryLocker(),
		Templates: templates,
	}, engine.WithLogger(zerolog.Nop()), engine.WithIDGenerator(nextID))
	require.NoError(t, err)
	bridge.Attach(eng)

	return &fixture{
		engine: eng,
		bridge: bridge,
		worker: continuation.NewWorker(bridge, 1, zerolog.Nop()),
		store:  memStore,
		queue:  q,
	}
}

func (f *fixture) start(t *testing.T, templateID string, args map[string]any) *placeflow.RunResult {
	t.Helper()
	tmpl, err := testTemplates().Template(templateID)
	require.NoError(t, err)
	res, err := f.engine.Process(context.Background(),
		placeflow.NewProcessRequest(tmpl, args, placeflow.WithProjectID("proj")))
	require.NoError(t, err)
	return res
}

func TestBridge_ParentChildRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.start(t, "parent", map[string]any{"n": 3})
	assert.Equal(t, "waiting", res.Place)
	assert.True(t, res.Stop)
	assert.False(t, res.Error)
	require.Equal(t, 1, f.queue.Len())

	children, err := f.store.ListInstances(ctx, placeflow.InstanceFilter{ParentID: res.InstanceID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]

	assert.Equal(t, "child", child.TemplateID)
	assert.Equal(t, "proj", child.ProjectID)
	assert.Equal(t, "start", child.Place)
	assert.Equal(t, "1.1.1", child.OrderingIndex.String())
	assert.True(t, ordering.MustParse("1").IsAncestorOf(child.OrderingIndex))
	assert.EqualValues(t, 3, child.Arguments["n"])
	assert.Equal(t, map[string]any{"n": 3}, child.ParentArguments)
	require.NotNil(t, child.Callback)
	assert.Equal(t, res.InstanceID, child.Callback.ParentID)
	assert.Equal(t, "child_done", child.Callback.TransitionID)

	require.NoError(t, f.worker.Drain(ctx))
	assert.Equal(t, 0, f.queue.Len())

	child, err = f.store.Load(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "end", child.Place)
	assert.False(t, child.Stop)

	parent, err := f.store.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "done", parent.Place)
	assert.False(t, parent.Stop)
	assert.False(t, parent.Error)
	assert.Empty(t, parent.PendingPayloads)
	require.Len(t, parent.History, 2)
	assert.Equal(t, "child_done", parent.History[1].TransitionID)
	assert.Equal(t, map[string]any{
		"value": "6",
		"child": child.ID,
		"error": "false",
	}, parent.State["collect"])
}

func TestBridge_ErroredChildDoesNotResumeParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.start(t, "failing_parent", nil)
	require.Equal(t, "waiting", res.Place)

	require.NoError(t, f.worker.Drain(ctx))

	children, err := f.store.ListInstances(ctx, placeflow.InstanceFilter{ParentID: res.InstanceID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.True(t, children[0].Error)
	assert.True(t, children[0].Stop)

	parent, err := f.store.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "waiting", parent.Place)
	assert.True(t, parent.IsSuspended())
}

func TestBridge_ResumeTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.start(t, "approval", nil)
	require.True(t, res.Stop)

	require.NoError(t, f.queue.Enqueue(ctx, queue.Task{
		ID:         "task-1",
		Type:       queue.TaskResumeInstance,
		InstanceID: res.InstanceID,
		Payload: &placeflow.TransitionPayload{
			TransitionID:       "approve",
			WorkflowInstanceID: res.InstanceID,
			Payload:            map[string]any{"by": "alice"},
		},
	}))
	require.NoError(t, f.worker.Drain(ctx))

	inst, err := f.store.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "done", inst.Place)
	assert.Equal(t, map[string]any{"by": "alice"}, inst.State["collect"])
}

func TestWorker_HandleErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.worker.Handle(ctx, queue.Task{ID: "t", Type: queue.TaskRunInstance, InstanceID: "missing"})
	assert.ErrorIs(t, err, placeflow.ErrInstanceNotFound)

	res := f.start(t, "approval", nil)
	err = f.worker.Handle(ctx, queue.Task{ID: "t", Type: queue.TaskResumeInstance, InstanceID: res.InstanceID})
	assert.ErrorContains(t, err, "no payload")

	err = f.worker.Handle(ctx, queue.Task{ID: "t", Type: "bogus", InstanceID: res.InstanceID})
	assert.ErrorContains(t, err, "unknown task type")
}

func TestBridge_ScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := &placeflow.WorkflowInstance{ID: "p", ProjectID: "proj"}
	step := ordering.MustParse("1.1.1")

	_, err := f.bridge.ScheduleSubWorkflow(ctx, nil, placeflow.ScheduleRequest{TemplateID: "child", CallbackTransitionID: "cb", Step: step})
	assert.Error(t, err)

	_, err = f.bridge.ScheduleSubWorkflow(ctx, parent, placeflow.ScheduleRequest{TemplateID: "child", Step: step})
	assert.Error(t, err)

	_, err = f.bridge.ScheduleSubWorkflow(ctx, parent, placeflow.ScheduleRequest{TemplateID: "child", CallbackTransitionID: "cb"})
	assert.Error(t, err)

	_, err = f.bridge.ScheduleSubWorkflow(ctx, parent, placeflow.ScheduleRequest{TemplateID: "nope", CallbackTransitionID: "cb", Step: step})
	var werr *placeflow.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, placeflow.ErrCodeNotFound, werr.Code)

	handle, err := f.bridge.ScheduleSubWorkflow(ctx, parent, placeflow.ScheduleRequest{TemplateID: "child", CallbackTransitionID: "cb", Step: step})
	require.NoError(t, err)
	assert.Equal(t, "p", handle.ParentID)
	assert.Equal(t, "child", handle.TemplateID)
	assert.Equal(t, "cb", handle.CallbackTransitionID)
	assert.Equal(t, 0, f.queue.Len())

	require.NoError(t, f.bridge.StartSubWorkflows(ctx, []placeflow.SubWorkflowHandle{*handle}))
	require.Equal(t, 1, f.queue.Len())
	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskRunInstance, task.Type)
	assert.Equal(t, handle.ChildID, task.InstanceID)
	assert.Equal(t, "child", task.TemplateID)
}

func TestBridge_CompleteMissingParent(t *testing.T) {
	f := newFixture(t, continuation.WithRetry(2, 0))

	err := f.bridge.Complete(context.Background(), &placeflow.WorkflowInstance{
		ID:       "orphan",
		Callback: &placeflow.CallbackSubscription{ParentID: "ghost", TransitionID: "cb"},
	})
	assert.ErrorIs(t, err, placeflow.ErrInstanceNotFound)
}

func TestBridge_CompleteWithoutProcessor(t *testing.T) {
	b := continuation.NewBridge(store.NewMemoryStore(), queue.NewMemoryQueue(1), placeflow.TemplateMap{},
		continuation.WithLogger(zerolog.Nop()))
	err := b.Complete(context.Background(), &placeflow.WorkflowInstance{
		ID:       "c",
		Callback: &placeflow.CallbackSubscription{ParentID: "p", TransitionID: "cb"},
	})
	assert.Error(t, err)
}

func TestWorker_Run(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Run(ctx) }()

	res := f.start(t, "parent", map[string]any{"n": 5})

	require.Eventually(t, func() bool {
		inst, err := f.store.Load(context.Background(), res.InstanceID)
		return err == nil && inst.Place == "done"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	parent, err := f.store.Load(context.Background(), res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "10", parent.State["collect"].(map[string]any)["value"])
}

func TestWorker_ChildQueuedAfterParentSaved(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Run(ctx) }()

	// The parent keeps running well past the bridge's retry window after
	// scheduling its child
	res := f.start(t, "slow_parent", map[string]any{"n": 4})
	assert.Equal(t, "waiting", res.Place)

	require.Eventually(t, func() bool {
		inst, err := f.store.Load(context.Background(), res.InstanceID)
		return err == nil && inst.Place == "done"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)

	parent, err := f.store.Load(context.Background(), res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "8"}, parent.State["collect"])
}
