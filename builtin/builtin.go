// Package builtin provides generic tools that make templates loaded from
// files runnable without Go code: storing values, writing documents, reading
// documents and scheduling sub-workflows.
package builtin

import (
	"errors"
	"fmt"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/registry"
)

// Tool names
const (
	ToolSet            = "set"
	ToolCreateDocument = "create_document"
	ToolUpdateDocument = "update_document"
	ToolLoadDocuments  = "load_documents"
	ToolSchedule       = "schedule"
	ToolFail           = "fail"
)

// Register adds every builtin tool to b
func Register(b *registry.Builder) *registry.Builder {
	return b.
		Tool(ToolSet, Set, registry.WithDescription("returns its arguments as data")).
		Tool(ToolCreateDocument, registry.TypedWithEffects(CreateDocument),
			registry.WithDescription("creates a document version")).
		Tool(ToolUpdateDocument, registry.TypedWithEffects(UpdateDocument),
			registry.WithDescription("merges content into a document version")).
		Tool(ToolLoadDocuments, registry.Typed(LoadDocuments),
			registry.WithDescription("loads the documents visible from the current step")).
		Tool(ToolSchedule, registry.TypedWithEffects(Schedule),
			registry.WithDescription("schedules a sub-workflow")).
		Tool(ToolFail, registry.Typed(Fail), registry.WithDescription("always fails"))
}

// Set returns its arguments unchanged
func Set(_ *placeflow.ToolContext, args map[string]any) (*placeflow.ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	return placeflow.Result(args), nil
}

// CreateDocumentArgs are the arguments of create_document
type CreateDocumentArgs struct {
	MessageID          string   `json:"message_id"`
	Content            any      `json:"content"`
	Schema             string   `json:"schema"`
	Labels             []string `json:"labels"`
	Scope              string   `json:"scope"`
	ValidationMode     string   `json:"validation_mode"`
	InvalidatePrevious *bool    `json:"invalidate_previous"`
}

// CreateDocument requests a new document version
func CreateDocument(_ *placeflow.ToolContext, in CreateDocumentArgs) (map[string]any, []placeflow.Effect, error) {
	if in.MessageID == "" {
		return nil, nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "message_id is required")
	}

	scope := placeflow.VisibilityScope(in.Scope)
	switch scope {
	case "", placeflow.ScopeProjectLocal, placeflow.ScopeGlobal:
	default:
		return nil, nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation,
			fmt.Sprintf("unknown scope %q", in.Scope))
	}

	mode := placeflow.ValidationMode(in.ValidationMode)
	switch mode {
	case "", placeflow.ValidationStrict, placeflow.ValidationSafe, placeflow.ValidationSkip:
	default:
		return nil, nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation,
			fmt.Sprintf("unknown validation mode %q", in.ValidationMode))
	}

	effect := placeflow.CreateDocument(placeflow.CreateDocumentRequest{
		MessageID: in.MessageID,
		Content:   in.Content,
		SchemaRef: in.Schema,
		Labels:    in.Labels,
		Scope:     scope,
		Meta: placeflow.DocumentMeta{
			InvalidatePrevious: in.InvalidatePrevious,
			ValidationMode:     mode,
		},
	})
	return map[string]any{"message_id": in.MessageID}, []placeflow.Effect{effect}, nil
}

// UpdateDocumentArgs are the arguments of update_document
type UpdateDocumentArgs struct {
	DocumentID string `json:"document_id"`
	Content    any    `json:"content"`
}

// UpdateDocument requests a merge into an existing version
func UpdateDocument(_ *placeflow.ToolContext, in UpdateDocumentArgs) (map[string]any, []placeflow.Effect, error) {
	if in.DocumentID == "" {
		return nil, nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "document_id is required")
	}
	return map[string]any{"document_id": in.DocumentID},
		[]placeflow.Effect{placeflow.UpdateDocument(in.DocumentID, in.Content)}, nil
}

// LoadDocumentsArgs are the arguments of load_documents
type LoadDocumentsArgs struct {
	Key           string   `json:"key"`
	MessageID     string   `json:"message_id"`
	Schema        string   `json:"schema"`
	Labels        []string `json:"labels"`
	IncludeGlobal bool     `json:"include_global"`
	Optional      bool     `json:"optional"`
}

// LoadDocuments returns the contents of the matching visible documents, in
// ordering order. The read is recorded as a dependency under Key.
func LoadDocuments(tc *placeflow.ToolContext, in LoadDocumentsArgs) ([]any, error) {
	if tc.Documents == nil {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeInternalError, "no document loader available")
	}

	key := in.Key
	if key == "" {
		key = in.MessageID
	}
	res, err := tc.Documents.Load(tc, placeflow.DocumentQuery{
		Key:           key,
		MessageID:     in.MessageID,
		SchemaRef:     in.Schema,
		Labels:        in.Labels,
		IncludeGlobal: in.IncludeGlobal,
		Optional:      in.Optional,
	})
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(res.Documents))
	for _, doc := range res.Documents {
		out = append(out, doc.Content)
	}
	return out, nil
}

// ScheduleArgs are the arguments of schedule
type ScheduleArgs struct {
	Template string         `json:"template"`
	Args     map[string]any `json:"args"`
	Callback string         `json:"callback"`
}

// Schedule requests a child instance of Template. Its completion fires the
// manual transition Callback on the parent.
func Schedule(_ *placeflow.ToolContext, in ScheduleArgs) (map[string]any, []placeflow.Effect, error) {
	if in.Template == "" || in.Callback == "" {
		return nil, nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "template and callback are required")
	}
	return map[string]any{"template": in.Template},
		[]placeflow.Effect{placeflow.ScheduleWorkflow(in.Template, in.Args, in.Callback)}, nil
}

// FailArgs are the arguments of fail
type FailArgs struct {
	Message string `json:"message"`
}

// Fail always returns an error, for routing tests and placeholders
func Fail(_ *placeflow.ToolContext, in FailArgs) (any, error) {
	msg := in.Message
	if msg == "" {
		msg = "failed on purpose"
	}
	return nil, errors.New(msg)
}
