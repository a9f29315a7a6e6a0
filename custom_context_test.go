package placeflow_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/builder"
	"github.com/sicko7947/placeflow/engine"
	"github.com/sicko7947/placeflow/registry"
	"github.com/sicko7947/placeflow/store"
)

type AppContext struct {
	UserID string
	Config map[string]string
}

type processInput struct {
	Label string `json:"label"`
}

func TestWorkflowWithCustomContext(t *testing.T) {
	// Define a tool that uses the custom context
	handler := func(tc *placeflow.ToolContext, in processInput) (string, error) {
		appCtx, err := placeflow.GetContext[*AppContext](tc)
		if err != nil {
			return "", err
		}

		if appCtx.UserID != "user-123" {
			return "", fmt.Errorf("unexpected user ID: %s", appCtx.UserID)
		}

		val, ok := appCtx.Config["env"]
		if !ok || val != "production" {
			return "", fmt.Errorf("unexpected config value: %v", appCtx.Config)
		}

		return fmt.Sprintf("Processed %s for %s in %s", in.Label, appCtx.UserID, val), nil
	}

	tools := registry.NewBuilder(nil).
		Tool("process", registry.Typed(handler)).
		MustBuild()

	tmpl := builder.NewTemplate("test-wf", "Test Workflow").
		Initial("start").
		Then("process", "done", builder.Call("process", map[string]any{"label": "{{ .arguments.label }}"})).
		MustBuild()
	require.NoError(t, builder.ValidateToolReferences(tmpl, tools))

	// Setup engine with custom context
	appCtx := &AppContext{
		UserID: "user-123",
		Config: map[string]string{"env": "production"},
	}
	memStore := store.NewMemoryStore()
	eng, err := engine.NewEngine(engine.ApplicationContext{
		Tools:         tools,
		Store:         memStore,
		CustomContext: appCtx,
	}, engine.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	// Run workflow
	res, err := eng.Process(context.Background(), placeflow.NewProcessRequest(tmpl, map[string]any{"label": "order-7"}))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Place)
	assert.False(t, res.Error)

	// Verify tool output
	inst, err := eng.GetInstance(context.Background(), res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "Processed order-7 for user-123 in production", inst.State["process"])
}

func TestWorkflowWithoutCustomContext(t *testing.T) {
	tools := registry.NewBuilder(nil).
		Tool("needs_ctx", func(tc *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
			_, err := placeflow.GetContext[*AppContext](tc)
			return nil, err
		}).
		MustBuild()

	tmpl := builder.NewTemplate("test-wf", "Test Workflow").
		Sequence("start").
		Then("run", "done", builder.Call("needs_ctx", nil)).
		MustBuild()

	eng, err := engine.NewEngine(engine.ApplicationContext{Tools: tools, Store: store.NewMemoryStore()},
		engine.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	res, err := eng.Process(context.Background(), placeflow.NewProcessRequest(tmpl, nil))
	require.NoError(t, err)
	assert.True(t, res.Error)
	assert.Equal(t, placeflow.ErrCodeToolExecution, res.LastError.Code)
	assert.Contains(t, res.LastError.Message, "custom context is nil")
}
