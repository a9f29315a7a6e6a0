package placeflow

import (
	"time"

	"github.com/sicko7947/placeflow/ordering"
)

// TriggerType decides whether a transition fires on its own or waits for an
// external payload
type TriggerType string

const (
	TriggerAutomatic TriggerType = "automatic"
	TriggerManual    TriggerType = "manual"
)

// String returns the string representation
func (t TriggerType) String() string {
	return string(t)
}

// IsManual returns true if the transition needs an external payload
func (t TriggerType) IsManual() bool {
	return t == TriggerManual
}

// VisibilityScope controls which projects may read a document
type VisibilityScope string

const (
	ScopeProjectLocal VisibilityScope = "project"
	ScopeGlobal       VisibilityScope = "global"
)

// ValidationMode selects how schema failures are handled for documents and
// tool arguments
type ValidationMode string

const (
	// ValidationStrict rejects content that fails validation
	ValidationStrict ValidationMode = "strict"
	// ValidationSafe keeps best-effort content and records the failure
	ValidationSafe ValidationMode = "safe"
	// ValidationSkip bypasses validation
	ValidationSkip ValidationMode = "skip"
)

// ToolInvocation is one ordered call inside a transition
type ToolInvocation struct {
	Tool string `json:"tool" yaml:"tool"`

	// Args values that are strings may contain expressions
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// ArgSchemas maps an argument name to the schema path used to parse a
	// fully wrapped expression into structured data
	ArgSchemas map[string]string `json:"argSchemas,omitempty" yaml:"arg_schemas,omitempty"`

	// Output is the workflow state key that receives the tool data.
	// Defaults to the tool name.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// OutputKey returns the state key for the call result
func (c ToolInvocation) OutputKey() string {
	if c.Output != "" {
		return c.Output
	}
	return c.Tool
}

// TransitionDefinition is a directed, optionally guarded edge between places
type TransitionDefinition struct {
	ID        string           `json:"id" yaml:"id"`
	From      string           `json:"from" yaml:"from"`
	To        string           `json:"to" yaml:"to"`
	Condition string           `json:"condition,omitempty" yaml:"condition,omitempty"`
	Calls     []ToolInvocation `json:"calls,omitempty" yaml:"calls,omitempty"`
	OnError   string           `json:"onError,omitempty" yaml:"on_error,omitempty"`
	Trigger   TriggerType      `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// TransitionRecord is one append-only history entry
type TransitionRecord struct {
	TransitionID string    `json:"transitionId" dynamodbav:"transition_id"`
	From         string    `json:"from" dynamodbav:"from"`
	To           string    `json:"to" dynamodbav:"to"`
	At           time.Time `json:"at" dynamodbav:"at"`
	Error        bool      `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

// TransitionPayload satisfies a suspended manual transition
type TransitionPayload struct {
	TransitionID       string `json:"transitionId" dynamodbav:"transition_id"`
	WorkflowInstanceID string `json:"workflowInstanceId" dynamodbav:"workflow_instance_id"`
	Payload            any    `json:"payload,omitempty" dynamodbav:"payload,omitempty"`
}

// Matches reports whether the payload addresses the given transition of the
// given instance
func (p *TransitionPayload) Matches(transitionID, instanceID string) bool {
	return p != nil && p.TransitionID == transitionID && p.WorkflowInstanceID == instanceID
}

// CallbackSubscription links a child instance back to its parent
type CallbackSubscription struct {
	ParentID     string `json:"parentId" dynamodbav:"parent_id"`
	TransitionID string `json:"transitionId" dynamodbav:"transition_id"`
}

// DocumentMeta carries per-document behaviour flags
type DocumentMeta struct {
	// InvalidatePrevious defaults to true when nil
	InvalidatePrevious *bool          `json:"invalidatePrevious,omitempty" dynamodbav:"invalidate_previous,omitempty"`
	ValidationMode     ValidationMode `json:"validationMode,omitempty" dynamodbav:"validation_mode,omitempty"`
}

// ShouldInvalidatePrevious resolves the default
func (m DocumentMeta) ShouldInvalidatePrevious() bool {
	return m.InvalidatePrevious == nil || *m.InvalidatePrevious
}

// DocumentVersion is one version of a logical document
type DocumentVersion struct {
	ID              string          `json:"id" dynamodbav:"id"`
	InstanceID      string          `json:"instanceId" dynamodbav:"instance_id"`
	ProjectID       string          `json:"projectId,omitempty" dynamodbav:"project_id,omitempty"`
	MessageID       string          `json:"messageId" dynamodbav:"message_id"`
	Version         int             `json:"version" dynamodbav:"version"`
	Content         any             `json:"content,omitempty" dynamodbav:"content,omitempty"`
	SchemaRef       string          `json:"schemaRef,omitempty" dynamodbav:"schema_ref,omitempty"`
	IsInvalidated   bool            `json:"isInvalidated" dynamodbav:"is_invalidated"`
	OrderingIndex   ordering.Index  `json:"orderingIndex" dynamodbav:"ordering_index"`
	Labels          []string        `json:"labels,omitempty" dynamodbav:"labels,omitempty"`
	Scope           VisibilityScope `json:"scope" dynamodbav:"scope"`
	Meta            DocumentMeta    `json:"meta" dynamodbav:"meta"`
	ValidationError string          `json:"validationError,omitempty" dynamodbav:"validation_error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt" dynamodbav:"created_at"`
}

// HasLabel reports whether the document carries label
func (d DocumentVersion) HasLabel(label string) bool {
	for _, l := range d.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DependencyImportRecord captures the outcome of one document load
type DependencyImportRecord struct {
	IDs          []string                `json:"ids" dynamodbav:"ids"`
	Previous     *DependencyImportRecord `json:"previous,omitempty" dynamodbav:"previous,omitempty"`
	Current      any                     `json:"current,omitempty" dynamodbav:"current,omitempty"`
	IsNew        bool                    `json:"isNew" dynamodbav:"is_new"`
	IsChanged    bool                    `json:"isChanged" dynamodbav:"is_changed"`
	NoDependency bool                    `json:"noDependency,omitempty" dynamodbav:"no_dependency,omitempty"`
}

// WorkflowInstance is one resumable execution of a template and the unit of
// persistence
type WorkflowInstance struct {
	// Identity
	ID            string         `json:"id" dynamodbav:"id"`
	TemplateID    string         `json:"templateId" dynamodbav:"template_id"`
	ProjectID     string         `json:"projectId,omitempty" dynamodbav:"project_id,omitempty"`
	ParentID      string         `json:"parentId,omitempty" dynamodbav:"parent_id,omitempty"`
	OrderingIndex ordering.Index `json:"orderingIndex" dynamodbav:"ordering_index"`

	// Position
	Place   string             `json:"place" dynamodbav:"place"`
	History []TransitionRecord `json:"history" dynamodbav:"history"`
	Cursor  int                `json:"cursor" dynamodbav:"cursor"`

	// Fingerprints
	InputFingerprint      string `json:"inputFingerprint" dynamodbav:"input_fingerprint"`
	DependencyFingerprint string `json:"dependencyFingerprint,omitempty" dynamodbav:"dependency_fingerprint,omitempty"`

	// Data
	Arguments       map[string]any                    `json:"arguments,omitempty" dynamodbav:"arguments,omitempty"`
	ParentArguments map[string]any                    `json:"parentArguments,omitempty" dynamodbav:"parent_arguments,omitempty"`
	State           map[string]any                    `json:"state,omitempty" dynamodbav:"state,omitempty"`
	Documents       []DocumentVersion                 `json:"documents,omitempty" dynamodbav:"-"`
	Imports         map[string]DependencyImportRecord `json:"imports,omitempty" dynamodbav:"imports,omitempty"`

	// Status
	Error           bool                         `json:"error" dynamodbav:"error"`
	Stop            bool                         `json:"stop" dynamodbav:"stop"`
	LastError       *WorkflowError               `json:"lastError,omitempty" dynamodbav:"last_error,omitempty"`
	PendingPayloads map[string]TransitionPayload `json:"pendingPayloads,omitempty" dynamodbav:"pending_payloads,omitempty"`

	// Sub-workflows
	Callback *CallbackSubscription `json:"callback,omitempty" dynamodbav:"callback,omitempty"`
	Children int                   `json:"children,omitempty" dynamodbav:"children,omitempty"`

	// Optimistic concurrency; incremented by stores on every Save
	Revision int64 `json:"revision" dynamodbav:"revision"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// IsSuspended reports whether the instance waits for external input
func (w *WorkflowInstance) IsSuspended() bool {
	return w.Stop && !w.Error
}

// StepIndex returns the ordering index of the current step
func (w *WorkflowInstance) StepIndex() ordering.Index {
	return w.OrderingIndex.Child(w.Cursor)
}

// FindDocument returns the document with the given id
func (w *WorkflowInstance) FindDocument(id string) (*DocumentVersion, bool) {
	for i := range w.Documents {
		if w.Documents[i].ID == id {
			return &w.Documents[i], true
		}
	}
	return nil, false
}

// AddPendingPayload keeps p until its transition is taken. A later payload
// for the same transition replaces it; payloads for other transitions are
// kept.
func (w *WorkflowInstance) AddPendingPayload(p TransitionPayload) {
	if w.PendingPayloads == nil {
		w.PendingPayloads = make(map[string]TransitionPayload)
	}
	w.PendingPayloads[p.TransitionID] = p
}

// PendingPayload returns the payload waiting for transitionID
func (w *WorkflowInstance) PendingPayload(transitionID string) (*TransitionPayload, bool) {
	p, ok := w.PendingPayloads[transitionID]
	if !ok || !p.Matches(transitionID, w.ID) {
		return nil, false
	}
	return &p, true
}

// ConsumePendingPayload drops the payload of a transition that was taken
func (w *WorkflowInstance) ConsumePendingPayload(transitionID string) {
	delete(w.PendingPayloads, transitionID)
	if len(w.PendingPayloads) == 0 {
		w.PendingPayloads = nil
	}
}

// HasLiveDocument is false for ids of w's own documents that have been
// invalidated. Documents of other instances are taken as live.
func (w *WorkflowInstance) HasLiveDocument(id string) bool {
	doc, ok := w.FindDocument(id)
	return !ok || !doc.IsInvalidated
}

// RefreshDependencyFingerprint recomputes the fingerprint over the imports
// whose documents are still live
func (w *WorkflowInstance) RefreshDependencyFingerprint() {
	w.DependencyFingerprint = DependencyFingerprint(w.Imports, w.HasLiveDocument)
}

// ActiveDocuments returns the non-invalidated documents
func (w *WorkflowInstance) ActiveDocuments() []DocumentVersion {
	out := make([]DocumentVersion, 0, len(w.Documents))
	for _, d := range w.Documents {
		if !d.IsInvalidated {
			out = append(out, d)
		}
	}
	return out
}

// Clone returns a copy that shares no slices or top-level maps with w
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.OrderingIndex = append(ordering.Index(nil), w.OrderingIndex...)
	c.History = append([]TransitionRecord(nil), w.History...)
	c.Documents = make([]DocumentVersion, len(w.Documents))
	for i, d := range w.Documents {
		d.Labels = append([]string(nil), d.Labels...)
		d.OrderingIndex = append(ordering.Index(nil), d.OrderingIndex...)
		c.Documents[i] = d
	}
	c.Arguments = copyMap(w.Arguments)
	c.ParentArguments = copyMap(w.ParentArguments)
	c.State = copyMap(w.State)
	if w.Imports != nil {
		c.Imports = make(map[string]DependencyImportRecord, len(w.Imports))
		for k, v := range w.Imports {
			c.Imports[k] = v
		}
	}
	if w.PendingPayloads != nil {
		c.PendingPayloads = make(map[string]TransitionPayload, len(w.PendingPayloads))
		for k, v := range w.PendingPayloads {
			c.PendingPayloads[k] = v
		}
	}
	if w.Callback != nil {
		cb := *w.Callback
		c.Callback = &cb
	}
	if w.LastError != nil {
		e := *w.LastError
		c.LastError = &e
	}
	return &c
}

// RunResult is the externally observable outcome of Process
type RunResult struct {
	InstanceID string             `json:"instanceId"`
	Place      string             `json:"place"`
	History    []TransitionRecord `json:"history"`
	Error      bool               `json:"error"`
	Stop       bool               `json:"stop"`
	Documents  []DocumentVersion  `json:"documents,omitempty"`
	LastError  *WorkflowError     `json:"lastError,omitempty"`
}

// NewRunResult snapshots an instance
func NewRunResult(w *WorkflowInstance) *RunResult {
	c := w.Clone()
	return &RunResult{
		InstanceID: c.ID,
		Place:      c.Place,
		History:    c.History,
		Error:      c.Error,
		Stop:       c.Stop,
		Documents:  c.Documents,
		LastError:  c.LastError,
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
