package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/registry"
)

func TestEngine_FailureWithoutOnErrorStops(t *testing.T) {
	engine, memStore := createTestEngine(t, ApplicationContext{})
	ctx := context.Background()

	tmpl := linearTemplate(
		placeflow.ToolInvocation{Tool: "record"},
		placeflow.ToolInvocation{Tool: "write_doc", Args: map[string]any{"message_id": "m1", "content": "partial"}},
		placeflow.ToolInvocation{Tool: "fail"},
	)

	res, err := engine.Process(ctx, placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	assert.Equal(t, "start", res.Place)
	assert.True(t, res.Error)
	assert.True(t, res.Stop)
	assert.Empty(t, res.History)
	require.NotNil(t, res.LastError)
	assert.Equal(t, placeflow.ErrCodeToolExecution, res.LastError.Code)
	assert.Equal(t, "finish", res.LastError.Transition)

	// Calls of the failed transition leave nothing behind
	inst, err := memStore.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.NotContains(t, inst.State, "record")
	assert.Empty(t, inst.Documents)

	// Errored and stopped instances are returned unchanged on resume
	again, err := engine.Process(ctx, placeflow.NewProcessRequest(tmpl, nil, placeflow.WithInstanceID(res.InstanceID)))
	require.NoError(t, err)
	assert.Equal(t, res.Place, again.Place)
	assert.True(t, again.Error)
	assert.True(t, again.Stop)

	unchanged, err := memStore.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.Revision, unchanged.Revision)
}

func TestEngine_OnErrorRoutes(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{})

	tmpl := &placeflow.WorkflowTemplate{
		ID:           "routed",
		Places:       []string{"start", "end", "failed", "reported"},
		InitialPlace: "start",
		Transitions: []placeflow.TransitionDefinition{
			{ID: "work", From: "start", To: "end", OnError: "failed", Calls: []placeflow.ToolInvocation{{Tool: "fail"}}},
			{ID: "report", From: "failed", To: "reported", Calls: []placeflow.ToolInvocation{{Tool: "record"}}},
		},
	}

	res, err := engine.Process(context.Background(), placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)

	assert.Equal(t, "reported", res.Place)
	assert.True(t, res.Error)
	assert.False(t, res.Stop)
	require.Len(t, res.History, 2)
	assert.Equal(t, placeflow.TransitionRecord{TransitionID: "work", From: "start", To: "failed", At: testNow, Error: true}, res.History[0])
	assert.False(t, res.History[1].Error)
	require.NotNil(t, res.LastError)
	assert.Equal(t, "work", res.LastError.Transition)
}

func TestEngine_PanickingToolIsToolError(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{})

	res, err := engine.Process(context.Background(), placeflow.NewProcessRequest(linearTemplate(placeflow.ToolInvocation{Tool: "panic"}), nil))
	require.NoError(t, err)
	assert.True(t, res.Error)
	assert.Equal(t, placeflow.ErrCodeToolExecution, res.LastError.Code)
	assert.Contains(t, res.LastError.Message, "panicked")
}

func TestEngine_ExpressionErrorInArgs(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{})

	tmpl := linearTemplate(placeflow.ToolInvocation{Tool: "record", Args: map[string]any{"x": `{{ printf "%d" 1 }}`}})
	res, err := engine.Process(context.Background(), placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	assert.True(t, res.Error)
	assert.Equal(t, placeflow.ErrCodeExpression, res.LastError.Code)
}

func TestEngine_DependencyNotFoundRoutes(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{})

	tmpl := &placeflow.WorkflowTemplate{
		ID:           "needs_spec",
		Places:       []string{"start", "end", "missing"},
		InitialPlace: "start",
		Transitions: []placeflow.TransitionDefinition{
			{ID: "read", From: "start", To: "end", OnError: "missing", Calls: []placeflow.ToolInvocation{{Tool: "read_doc"}}},
		},
	}

	res, err := engine.Process(context.Background(), placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	assert.Equal(t, "missing", res.Place)
	assert.Equal(t, placeflow.ErrCodeDependency, res.LastError.Code)
}

func TestEngine_UnlockRetries(t *testing.T) {
	var calls atomic.Int32
	schemas := testSchemas(t)
	tools := testTools(t, schemas, func(b *registry.Builder) {
		b.Tool("flaky", func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("temporary outage")
			}
			return placeflow.Result(map[string]any{"attempt": tc.Attempt}), nil
		})
	})
	engine, memStore := createTestEngine(t, ApplicationContext{Schemas: schemas, Tools: tools})
	ctx := context.Background()

	tmpl := linearTemplate(placeflow.ToolInvocation{Tool: "flaky"})
	res, err := engine.Process(ctx, placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	require.True(t, res.Error)
	require.True(t, res.Stop)

	res, err = engine.Unlock(ctx, res.InstanceID, tmpl)
	require.NoError(t, err)
	assert.Equal(t, "end", res.Place)
	assert.False(t, res.Error)
	assert.False(t, res.Stop)
	assert.Nil(t, res.LastError)
	assert.Equal(t, int32(2), calls.Load())

	inst, err := memStore.Load(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Cursor)
}

func TestEngine_UnlockUnknownInstance(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{})

	_, err := engine.Unlock(context.Background(), "missing", linearTemplate())
	assert.ErrorIs(t, err, placeflow.ErrInstanceNotFound)
}

func TestEngine_TransitionLimit(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{}, WithConfig(placeflow.EngineConfig{MaxTransitionsPerRun: 5}))

	tmpl := &placeflow.WorkflowTemplate{
		ID:           "loop",
		Places:       []string{"a", "b"},
		InitialPlace: "a",
		Transitions: []placeflow.TransitionDefinition{
			{ID: "ab", From: "a", To: "b"},
			{ID: "ba", From: "b", To: "a"},
		},
	}

	res, err := engine.Process(context.Background(), placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	assert.True(t, res.Error)
	assert.True(t, res.Stop)
	assert.Len(t, res.History, 5)
	assert.Equal(t, placeflow.ErrCodeInternalError, res.LastError.Code)
}

func TestEngine_TransitionLimitNotHitByExactPath(t *testing.T) {
	engine, _ := createTestEngine(t, ApplicationContext{}, WithConfig(placeflow.EngineConfig{MaxTransitionsPerRun: 2}))

	res, err := engine.Process(context.Background(),
		placeflow.NewProcessRequest(branchingTemplate(), map[string]any{"value": 150}))
	require.NoError(t, err)
	assert.Equal(t, "placeD", res.Place)
	assert.False(t, res.Error)
}
