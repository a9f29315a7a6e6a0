package placeflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow/ordering"
)

// ToolContext provides rich context to tool functions
type ToolContext struct {
	context.Context

	// Execution metadata
	InstanceID   string
	TemplateID   string
	ProjectID    string
	TransitionID string
	Step         ordering.Index
	Attempt      int

	// Logger (enriched with instance and transition context)
	Logger zerolog.Logger

	// Read access to documents visible from Step
	Documents DocumentLoader

	// Read-only view of the instance inputs
	Arguments       map[string]any
	ParentArguments map[string]any

	// Custom context (user-defined)
	CustomContext any
}

// GetContext retrieves the custom context from the tool context
func GetContext[T any](tc *ToolContext) (T, error) {
	var zero T
	if tc.CustomContext == nil {
		return zero, fmt.Errorf("custom context is nil")
	}

	val, ok := tc.CustomContext.(T)
	if !ok {
		return zero, fmt.Errorf("custom context is not of type %T", zero)
	}
	return val, nil
}

// ToolFunc is the signature of every registered tool
type ToolFunc func(tc *ToolContext, args map[string]any) (*ToolResult, error)

// ToolResult is what a tool hands back to the engine. Effects are applied in
// order after the call returns.
type ToolResult struct {
	Data    any
	Effects []Effect
}

// Result is shorthand for a ToolResult without effects
func Result(data any, effects ...Effect) *ToolResult {
	return &ToolResult{Data: data, Effects: effects}
}

// EffectKind names a state change requested by a tool
type EffectKind string

const (
	EffectCreateDocument   EffectKind = "create-document"
	EffectUpdateDocument   EffectKind = "update-document"
	EffectScheduleWorkflow EffectKind = "schedule-workflow"
)

// Effect is a single state change requested by a tool
type Effect struct {
	Kind     EffectKind
	Create   *CreateDocumentRequest
	Update   *UpdateDocumentRequest
	Schedule *ScheduleRequest
}

// CreateDocumentRequest describes a new document version
type CreateDocumentRequest struct {
	MessageID string
	Content   any
	SchemaRef string
	Meta      DocumentMeta
	Labels    []string
	Scope     VisibilityScope
}

// UpdateDocumentRequest modifies the content of an existing version
type UpdateDocumentRequest struct {
	DocumentID string
	Content    any
}

// ScheduleRequest asks for a child workflow whose completion resumes the
// parent through CallbackTransitionID
type ScheduleRequest struct {
	TemplateID           string
	Args                 map[string]any
	CallbackTransitionID string

	// Step is filled by the engine with the ordering index reserved for the
	// child
	Step ordering.Index
}

// SubWorkflowHandle identifies a scheduled child
type SubWorkflowHandle struct {
	ChildID              string `json:"childId"`
	TemplateID           string `json:"templateId"`
	ParentID             string `json:"parentId"`
	CallbackTransitionID string `json:"callbackTransitionId"`
}

// CreateDocument builds a create-document effect
func CreateDocument(req CreateDocumentRequest) Effect {
	return Effect{Kind: EffectCreateDocument, Create: &req}
}

// UpdateDocument builds an update-document effect
func UpdateDocument(documentID string, content any) Effect {
	return Effect{Kind: EffectUpdateDocument, Update: &UpdateDocumentRequest{DocumentID: documentID, Content: content}}
}

// ScheduleWorkflow builds a schedule-workflow effect
func ScheduleWorkflow(templateID string, args map[string]any, callbackTransitionID string) Effect {
	return Effect{
		Kind: EffectScheduleWorkflow,
		Schedule: &ScheduleRequest{
			TemplateID:           templateID,
			Args:                 args,
			CallbackTransitionID: callbackTransitionID,
		},
	}
}

// DocumentQuery selects documents for a tool. Key names the dependency
// record; loads with the same key in the same transition replace each other.
type DocumentQuery struct {
	Key string

	// Criteria; empty fields match everything
	MessageID string
	SchemaRef string
	Labels    []string

	// Include global-scope documents of other projects
	IncludeGlobal bool

	Filter func(DocumentVersion) bool
	Less   func(a, b DocumentVersion) bool
	Map    func([]DocumentVersion) (any, error)

	Optional     bool
	NoDependency bool
}

// LoadResult is the outcome of one DocumentQuery
type LoadResult struct {
	Documents []DocumentVersion
	Value     any
	Record    DependencyImportRecord
}

// DocumentLoader gives tools synchronous reads of visible documents
type DocumentLoader interface {
	Load(ctx context.Context, q DocumentQuery) (*LoadResult, error)
}

// ExpressionContext is the read-only data an expression sees
type ExpressionContext struct {
	Arguments          map[string]any
	WorkflowState      map[string]any
	TransitionMetadata map[string]any
	ParentArguments    map[string]any
}

// Data returns the template root
func (c ExpressionContext) Data() map[string]any {
	return map[string]any{
		"arguments":  c.Arguments,
		"state":      c.WorkflowState,
		"transition": c.TransitionMetadata,
		"parent":     c.ParentArguments,
	}
}

// NewExpressionContext snapshots the parts of an instance an expression may read
func NewExpressionContext(inst *WorkflowInstance, t *TransitionDefinition) ExpressionContext {
	meta := map[string]any{}
	if t != nil {
		meta["id"] = t.ID
		meta["from"] = t.From
		meta["to"] = t.To
	}
	if inst != nil {
		meta["instance_id"] = inst.ID
		meta["place"] = inst.Place
		meta["step"] = inst.StepIndex().String()
		if t != nil {
			if p, ok := inst.PendingPayload(t.ID); ok {
				meta["payload"] = p.Payload
			}
		}
		return ExpressionContext{
			Arguments:          inst.Arguments,
			WorkflowState:      inst.State,
			TransitionMetadata: meta,
			ParentArguments:    inst.ParentArguments,
		}
	}
	return ExpressionContext{TransitionMetadata: meta}
}
