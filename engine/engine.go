package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/documents"
	"github.com/sicko7947/placeflow/expression"
	"github.com/sicko7947/placeflow/registry"
	"github.com/sicko7947/placeflow/schema"
)

// ApplicationContext bundles the collaborators built once at boot and shared
// by every Process call
type ApplicationContext struct {
	Schemas schema.Registry
	Tools   *registry.Registry
	Store   placeflow.InstanceStore

	// Optional; built from Schemas and Store when nil
	Documents *documents.Store
	Evaluator *expression.Evaluator

	// Optional collaborators
	Scheduler placeflow.SubWorkflowScheduler
	Locker    placeflow.InstanceLocker
	Observer  placeflow.Observer
	Templates placeflow.TemplateSource

	// Handed to tools through ToolContext.CustomContext
	CustomContext any
}

// Engine advances workflow instances through their templates
type Engine struct {
	app       ApplicationContext
	store     placeflow.InstanceStore
	tools     *registry.Registry
	evaluator *expression.Evaluator
	docs      *documents.Store
	observer  placeflow.Observer
	logger    zerolog.Logger
	config    placeflow.EngineConfig
	clock     func() time.Time
	newID     func() string
}

// Verify interface compliance
var _ placeflow.Processor = (*Engine)(nil)

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config placeflow.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config.WithDefaults()
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithIDGenerator replaces uuid generation for new instances
func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) {
		e.newID = gen
	}
}

// NewEngine creates a new engine with optional configuration
// If no logger is provided, a default stdout logger with Info level is used
// If no config is provided, DefaultEngineConfig is used
func NewEngine(app ApplicationContext, opts ...EngineOption) (*Engine, error) {
	if app.Store == nil {
		return nil, fmt.Errorf("instance store is required")
	}
	if app.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}

	// Default logger: pretty console output, Info level
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		app:    app,
		store:  app.Store,
		tools:  app.Tools,
		logger: defaultLogger,
		config: placeflow.DefaultEngineConfig,
		clock:  time.Now,
		newID:  uuid.NewString,
	}

	for _, opt := range opts {
		opt(eng)
	}

	eng.observer = app.Observer
	if eng.observer == nil {
		eng.observer = placeflow.NopObserver{}
	}

	eng.evaluator = app.Evaluator
	if eng.evaluator == nil {
		eng.evaluator = expression.New(app.Schemas, expression.WithConfig(eng.config), expression.WithClock(eng.clock))
	}

	eng.docs = app.Documents
	if eng.docs == nil {
		eng.docs = documents.New(app.Schemas, app.Store,
			documents.WithValidationMode(eng.config.DefaultValidationMode),
			documents.WithLogger(eng.logger),
			documents.WithObserver(eng.observer),
			documents.WithClock(eng.clock),
		)
	}

	return eng, nil
}

// Store returns the instance store the engine persists to
func (e *Engine) Store() placeflow.InstanceStore {
	return e.store
}

// Config returns the effective configuration
func (e *Engine) Config() placeflow.EngineConfig {
	return e.config
}

// GetInstance loads an instance by id
func (e *Engine) GetInstance(ctx context.Context, id string) (*placeflow.WorkflowInstance, error) {
	return e.store.Load(ctx, id)
}

// ListInstances lists instances matching filter
func (e *Engine) ListInstances(ctx context.Context, filter placeflow.InstanceFilter) ([]*placeflow.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

func (e *Engine) lock(ctx context.Context, instanceID string) (placeflow.UnlockFunc, error) {
	if e.app.Locker == nil || instanceID == "" {
		return func(context.Context) error { return nil }, nil
	}
	release, err := e.app.Locker.Lock(ctx, "placeflow:instance:"+instanceID, e.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance %s: %w", instanceID, err)
	}
	return release, nil
}

func (e *Engine) resolveTemplate(req *placeflow.ProcessRequest, inst *placeflow.WorkflowInstance) (*placeflow.WorkflowTemplate, error) {
	if req.Template != nil {
		if inst != nil && inst.TemplateID != "" && inst.TemplateID != req.Template.ID {
			return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation,
				fmt.Sprintf("instance %s belongs to template %s, not %s", inst.ID, inst.TemplateID, req.Template.ID))
		}
		return req.Template, nil
	}
	if inst != nil && e.app.Templates != nil {
		return e.app.Templates.Template(inst.TemplateID)
	}
	return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "a template is required")
}
