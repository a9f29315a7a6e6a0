package placeflow

import "time"

// EngineConfig holds engine-level configuration
type EngineConfig struct {
	// Evaluator limits
	MaxTemplateSize  int
	MaxOutputSize    int
	MaxSanitizeDepth int

	// Document validation mode used when a document does not set one
	DefaultValidationMode ValidationMode

	// Upper bound on transitions taken by one Process call
	MaxTransitionsPerRun int

	// TTL of the per-instance lock
	LockTTL time.Duration
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	MaxTemplateSize:       50000,
	MaxOutputSize:         10000,
	MaxSanitizeDepth:      50,
	DefaultValidationMode: ValidationStrict,
	MaxTransitionsPerRun:  1000,
	LockTTL:               30 * time.Second,
}

// WithDefaults fills zero fields from DefaultEngineConfig
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.MaxTemplateSize <= 0 {
		c.MaxTemplateSize = DefaultEngineConfig.MaxTemplateSize
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = DefaultEngineConfig.MaxOutputSize
	}
	if c.MaxSanitizeDepth <= 0 {
		c.MaxSanitizeDepth = DefaultEngineConfig.MaxSanitizeDepth
	}
	if c.DefaultValidationMode == "" {
		c.DefaultValidationMode = DefaultEngineConfig.DefaultValidationMode
	}
	if c.MaxTransitionsPerRun <= 0 {
		c.MaxTransitionsPerRun = DefaultEngineConfig.MaxTransitionsPerRun
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultEngineConfig.LockTTL
	}
	return c
}

// ProcessOption allows functional configuration of a Process request
type ProcessOption func(*ProcessRequest)

// WithProjectID scopes a new instance to a project
func WithProjectID(id string) ProcessOption {
	return func(r *ProcessRequest) {
		r.ProjectID = id
	}
}

// WithInstanceID addresses an existing instance by id
func WithInstanceID(id string) ProcessOption {
	return func(r *ProcessRequest) {
		r.InstanceID = id
	}
}

// WithPayload attaches a manual transition payload
func WithPayload(p *TransitionPayload) ProcessOption {
	return func(r *ProcessRequest) {
		r.Payload = p
	}
}

// WithInstance supplies a loaded instance
func WithInstance(inst *WorkflowInstance) ProcessOption {
	return func(r *ProcessRequest) {
		r.Instance = inst
	}
}

// ProcessRequest addresses one Process invocation
type ProcessRequest struct {
	// Either Instance or InstanceID selects an existing instance. Both empty
	// starts a new one.
	Instance   *WorkflowInstance
	InstanceID string

	Template  *WorkflowTemplate
	Args      map[string]any
	Payload   *TransitionPayload
	ProjectID string

	// Set by the continuation bridge for child instances
	ParentArguments map[string]any
}

// NewProcessRequest builds a request for template with the given arguments
func NewProcessRequest(tmpl *WorkflowTemplate, args map[string]any, opts ...ProcessOption) ProcessRequest {
	req := ProcessRequest{
		Template: tmpl,
		Args:     args,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}
