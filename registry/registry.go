// Package registry is the static tool table the engine dispatches calls to.
//
// Tools are registered explicitly through a Builder at boot. Build checks
// every declared schema reference and returns an immutable Registry that is
// safe for concurrent use.
package registry

import (
	"fmt"
	"sort"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/schema"
)

// Descriptor describes one registered tool
type Descriptor struct {
	Name        string
	Description string
	Fn          placeflow.ToolFunc

	// Optional schema paths validated around each call
	ArgsSchema   string
	ResultSchema string
}

// Registry is an immutable tool table
type Registry struct {
	tools   map[string]Descriptor
	schemas schema.Registry
}

// Lookup retrieves a tool by name
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// Names lists registered tools in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools
func (r *Registry) Len() int {
	return len(r.tools)
}

// Invoke validates args, calls the tool and validates its data. Any failure
// is returned as a call-level WorkflowError.
func (r *Registry) Invoke(tc *placeflow.ToolContext, name string, args map[string]any) (*placeflow.ToolResult, error) {
	d, ok := r.tools[name]
	if !ok {
		return nil, placeflow.NewToolExecutionError(name, fmt.Errorf("tool is not registered"))
	}

	if d.ArgsSchema != "" {
		if _, err := r.schemas.Validate(d.ArgsSchema, args); err != nil {
			return nil, placeflow.NewSchemaValidationError(d.ArgsSchema, err)
		}
	}

	result, err := d.Fn(tc, args)
	if err != nil {
		if placeflow.IsCallError(err) {
			return nil, err
		}
		return nil, placeflow.NewToolExecutionError(name, err)
	}
	if result == nil {
		result = &placeflow.ToolResult{}
	}

	if d.ResultSchema != "" {
		validated, err := r.schemas.Validate(d.ResultSchema, result.Data)
		if err != nil {
			return nil, placeflow.NewSchemaValidationError(d.ResultSchema, err)
		}
		result.Data = validated
	}

	return result, nil
}

// Builder collects tool registrations
type Builder struct {
	schemas schema.Registry
	tools   map[string]Descriptor
	order   []string
	errs    []error
}

// ToolOption configures a Descriptor
type ToolOption func(*Descriptor)

// WithDescription sets the tool description
func WithDescription(description string) ToolOption {
	return func(d *Descriptor) {
		d.Description = description
	}
}

// WithArgsSchema validates call arguments against path
func WithArgsSchema(path string) ToolOption {
	return func(d *Descriptor) {
		d.ArgsSchema = path
	}
}

// WithResultSchema validates tool data against path
func WithResultSchema(path string) ToolOption {
	return func(d *Descriptor) {
		d.ResultSchema = path
	}
}

// NewBuilder creates a builder. schemas may be nil when no tool declares a
// schema.
func NewBuilder(schemas schema.Registry) *Builder {
	return &Builder{
		schemas: schemas,
		tools:   make(map[string]Descriptor),
	}
}

// Tool registers fn under name
func (b *Builder) Tool(name string, fn placeflow.ToolFunc, opts ...ToolOption) *Builder {
	d := Descriptor{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&d)
	}

	switch {
	case name == "":
		b.errs = append(b.errs, fmt.Errorf("tool name is required"))
		return b
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("tool %s has no function", name))
		return b
	}
	if _, exists := b.tools[name]; exists {
		b.errs = append(b.errs, fmt.Errorf("tool %s registered twice", name))
		return b
	}

	b.tools[name] = d
	b.order = append(b.order, name)
	return b
}

// Build validates the registrations and returns the immutable table
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("invalid tool registry: %w", b.errs[0])
	}

	for _, name := range b.order {
		d := b.tools[name]
		for _, ref := range []string{d.ArgsSchema, d.ResultSchema} {
			if ref == "" {
				continue
			}
			if b.schemas == nil || !b.schemas.HasSchema(ref) {
				return nil, fmt.Errorf("tool %s references unknown schema %s", name, ref)
			}
		}
	}

	tools := make(map[string]Descriptor, len(b.tools))
	for k, v := range b.tools {
		tools[k] = v
	}
	return &Registry{tools: tools, schemas: b.schemas}, nil
}

// MustBuild is Build that panics on error
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
