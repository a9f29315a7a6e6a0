// Package documents versions the documents a workflow instance produces and
// resolves the documents a transition reads.
//
// Every Create appends a new version of a logical document identified by its
// message id and, unless the caller opts out, invalidates the earlier live
// versions of that message id within the instance. Loads only ever see
// non-invalidated documents placed at or before the reading step in the
// ordering index, and record what they saw so the instance can tell whether
// its inputs changed since the previous run.
package documents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
	"github.com/sicko7947/placeflow/schema"
)

// Querier finds documents owned by other instances
type Querier interface {
	QueryDocuments(ctx context.Context, criteria placeflow.DocumentCriteria, scope placeflow.OrderingScope) ([]placeflow.DocumentVersion, error)
}

// Store applies document operations to in-memory instances. Persisting the
// instance persists its documents.
type Store struct {
	schemas     schema.Registry
	querier     Querier
	defaultMode placeflow.ValidationMode
	logger      zerolog.Logger
	observer    placeflow.Observer
	clock       func() time.Time
	newID       func() string
}

// Option configures a Store
type Option func(*Store)

// WithValidationMode sets the mode used when a document does not choose one
func WithValidationMode(mode placeflow.ValidationMode) Option {
	return func(s *Store) {
		if mode != "" {
			s.defaultMode = mode
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithObserver reports document events
func WithObserver(o placeflow.Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithIDGenerator replaces uuid generation
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// New creates a document store. querier may be nil when documents of other
// instances are never read.
func New(schemas schema.Registry, querier Querier, opts ...Option) *Store {
	s := &Store{
		schemas:     schemas,
		querier:     querier,
		defaultMode: placeflow.DefaultEngineConfig.DefaultValidationMode,
		logger:      zerolog.Nop(),
		observer:    placeflow.NopObserver{},
		clock:       time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create appends a new version of req.MessageID to inst at step
func (s *Store) Create(ctx context.Context, inst *placeflow.WorkflowInstance, step ordering.Index, req placeflow.CreateDocumentRequest) (*placeflow.DocumentVersion, error) {
	if req.MessageID == "" {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "document message id is required")
	}

	mode := req.Meta.ValidationMode
	if mode == "" {
		mode = s.defaultMode
	}

	content, validationErr, err := s.validate(req.SchemaRef, req.Content, mode)
	if err != nil {
		return nil, err
	}

	version := 1
	for _, d := range inst.Documents {
		if d.MessageID == req.MessageID {
			version++
		}
	}

	if req.Meta.ShouldInvalidatePrevious() {
		invalidated := false
		for i := range inst.Documents {
			if inst.Documents[i].MessageID == req.MessageID && !inst.Documents[i].IsInvalidated {
				inst.Documents[i].IsInvalidated = true
				invalidated = true
			}
		}
		if invalidated && len(inst.Imports) > 0 {
			inst.RefreshDependencyFingerprint()
		}
	}

	scope := req.Scope
	if scope == "" {
		scope = placeflow.ScopeProjectLocal
	}

	meta := req.Meta
	meta.ValidationMode = mode

	doc := placeflow.DocumentVersion{
		ID:              s.newID(),
		InstanceID:      inst.ID,
		ProjectID:       inst.ProjectID,
		MessageID:       req.MessageID,
		Version:         version,
		Content:         content,
		SchemaRef:       req.SchemaRef,
		OrderingIndex:   append(ordering.Index(nil), step...),
		Labels:          uniqueLabels(req.Labels),
		Scope:           scope,
		Meta:            meta,
		ValidationError: validationErr,
		CreatedAt:       s.clock(),
	}
	inst.Documents = append(inst.Documents, doc)

	placeflow.LogDocumentCreated(s.logger, inst.ID, doc.MessageID, doc.ID, doc.Version)
	s.observer.DocumentCreated(doc.SchemaRef, validationErr != "")

	created := inst.Documents[len(inst.Documents)-1]
	return &created, nil
}

// Update merges partial into the content of document id. Object content is
// merged key by key with partial taking precedence; anything else is
// replaced. The result is validated again under the document's mode.
func (s *Store) Update(ctx context.Context, inst *placeflow.WorkflowInstance, id string, partial any) (*placeflow.DocumentVersion, error) {
	doc, ok := inst.FindDocument(id)
	if !ok {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeNotFound, fmt.Sprintf("document %s not found", id))
	}
	if doc.IsInvalidated {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, fmt.Sprintf("document %s is invalidated", id))
	}

	merged, err := mergeContent(doc.Content, partial)
	if err != nil {
		return nil, err
	}

	mode := doc.Meta.ValidationMode
	if mode == "" {
		mode = s.defaultMode
	}

	content, validationErr, err := s.validate(doc.SchemaRef, merged, mode)
	if err != nil {
		return nil, err
	}

	doc.Content = content
	doc.ValidationError = validationErr

	s.logger.Debug().
		Str("event", placeflow.EventDocumentUpdated).
		Str("instance_id", inst.ID).
		Str("document_id", doc.ID).
		Msg("Document updated")

	return doc, nil
}

// validate returns the content to store and, in safe mode, the recorded
// validation failure
func (s *Store) validate(schemaRef string, content any, mode placeflow.ValidationMode) (any, string, error) {
	normalized, err := schema.Normalize(content)
	if err != nil {
		return nil, "", placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "document content is not serializable").Wrap(err)
	}

	if schemaRef == "" || mode == placeflow.ValidationSkip {
		return normalized, "", nil
	}

	if s.schemas == nil {
		if mode == placeflow.ValidationSafe {
			return normalized, "no schema registry configured", nil
		}
		return nil, "", placeflow.NewSchemaValidationError(schemaRef, fmt.Errorf("no schema registry configured"))
	}

	validated, err := s.schemas.Validate(schemaRef, normalized)
	if err != nil {
		if mode == placeflow.ValidationSafe {
			return normalized, err.Error(), nil
		}
		return nil, "", placeflow.NewSchemaValidationError(schemaRef, err)
	}
	return validated, "", nil
}

func mergeContent(current, partial any) (any, error) {
	src, err := schema.Normalize(partial)
	if err != nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "document update is not serializable").Wrap(err)
	}

	srcMap, srcIsMap := src.(map[string]any)
	if !srcIsMap {
		return src, nil
	}

	// Normalizing copies, so the stored content is never mutated in place
	dst, err := schema.Normalize(current)
	if err != nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeInternalError, "stored document content is not serializable").Wrap(err)
	}
	dstMap, dstIsMap := dst.(map[string]any)
	if !dstIsMap {
		return srcMap, nil
	}

	if err := mergo.Merge(&dstMap, srcMap, mergo.WithOverride); err != nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeInternalError, "failed to merge document content").Wrap(err)
	}
	return dstMap, nil
}

func uniqueLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
