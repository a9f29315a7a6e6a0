// Package schema provides the path-addressed schema registry consulted by the
// expression evaluator, the tool registry and the document store.
//
// Schemas are OpenAPI 3 schema objects (kin-openapi). The registry is built
// once at boot; after Freeze it is an immutable snapshot that may be read
// concurrently without coordination.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Registry resolves schema paths to validators.
type Registry interface {
	// HasSchema reports whether a validator is registered at path.
	HasSchema(path string) bool

	// Validate checks value against the schema at path. On success it returns
	// the JSON-normalized value.
	Validate(path string, value any) (any, error)
}

// ErrFrozen is returned by Register after Freeze.
var ErrFrozen = errors.New("schema registry is frozen")

// OpenAPIRegistry is a Registry backed by OpenAPI 3 schema objects.
type OpenAPIRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*openapi3.Schema
	frozen  bool
}

// Verify interface compliance
var _ Registry = (*OpenAPIRegistry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *OpenAPIRegistry {
	return &OpenAPIRegistry{
		schemas: make(map[string]*openapi3.Schema),
	}
}

// Register stores s under path after checking that s is itself well formed.
func (r *OpenAPIRegistry) Register(path string, s *openapi3.Schema) error {
	if path == "" {
		return fmt.Errorf("schema path is required")
	}
	if s == nil {
		return fmt.Errorf("schema for %s is nil", path)
	}
	if err := s.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid schema for %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	r.schemas[path] = s
	return nil
}

// RegisterJSON decodes a JSON schema document and registers it.
func (r *OpenAPIRegistry) RegisterJSON(path string, data []byte) error {
	var s openapi3.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode schema for %s: %w", path, err)
	}
	return r.Register(path, &s)
}

// MustRegister is Register that panics on error. Intended for boot code.
func (r *OpenAPIRegistry) MustRegister(path string, s *openapi3.Schema) *OpenAPIRegistry {
	if err := r.Register(path, s); err != nil {
		panic(err)
	}
	return r
}

// Freeze turns the registry into a read-only snapshot.
func (r *OpenAPIRegistry) Freeze() *OpenAPIRegistry {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
	return r
}

// Paths lists registered schema paths in sorted order.
func (r *OpenAPIRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.schemas))
	for p := range r.schemas {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *OpenAPIRegistry) HasSchema(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.schemas[path]
	return ok
}

func (r *OpenAPIRegistry) Validate(path string, value any) (any, error) {
	r.mu.RLock()
	s, ok := r.schemas[path]
	r.mu.RUnlock()

	if !ok {
		return nil, &ValidationError{Path: path, Reasons: []string{"no schema registered"}}
	}

	normalized, err := Normalize(value)
	if err != nil {
		return nil, &ValidationError{Path: path, Reasons: []string{err.Error()}, Err: err}
	}

	if err := s.VisitJSON(normalized, openapi3.MultiErrors()); err != nil {
		return nil, newValidationError(path, err)
	}

	return normalized, nil
}

// Normalize converts an arbitrary Go value into the generic JSON shape
// (map[string]any, []any, float64, string, bool, nil) that schema validation
// expects.
func Normalize(value any) (any, error) {
	switch value.(type) {
	case nil, string, bool, float64:
		return value, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON serializable: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}
