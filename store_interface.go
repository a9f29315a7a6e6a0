package placeflow

import (
	"context"
	"time"

	"github.com/sicko7947/placeflow/ordering"
)

// InstanceStore defines the persistence interface for workflow instances
type InstanceStore interface {
	// Load returns ErrInstanceNotFound when no instance has id
	Load(ctx context.Context, id string) (*WorkflowInstance, error)

	// Save persists the instance and its documents atomically. The stored
	// revision must equal inst.Revision; on success inst.Revision is
	// incremented. A mismatch returns a STATE_CONFLICT error.
	Save(ctx context.Context, inst *WorkflowInstance) error

	// QueryDocuments returns non-invalidated documents matching criteria
	// that are visible from scope.Reader
	QueryDocuments(ctx context.Context, criteria DocumentCriteria, scope OrderingScope) ([]DocumentVersion, error)

	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	// AllocateRoot hands out the next root ordering index for a project
	AllocateRoot(ctx context.Context, projectID string) (ordering.Index, error)

	// Delete is administrative and removes the instance and its documents
	Delete(ctx context.Context, id string) error
}

// DocumentCriteria filters documents across instances
type DocumentCriteria struct {
	ProjectID         string
	MessageID         string
	SchemaRef         string
	Labels            []string
	IncludeGlobal     bool
	ExcludeInstanceID string
}

// Matches applies the criteria to one document
func (c DocumentCriteria) Matches(d DocumentVersion) bool {
	if d.IsInvalidated {
		return false
	}
	if c.ExcludeInstanceID != "" && d.InstanceID == c.ExcludeInstanceID {
		return false
	}
	if c.MessageID != "" && d.MessageID != c.MessageID {
		return false
	}
	if c.SchemaRef != "" && d.SchemaRef != c.SchemaRef {
		return false
	}
	for _, l := range c.Labels {
		if !d.HasLabel(l) {
			return false
		}
	}
	if d.ProjectID == c.ProjectID {
		return true
	}
	return c.IncludeGlobal && d.Scope == ScopeGlobal
}

// OrderingScope restricts results to what Reader may see
type OrderingScope struct {
	Reader ordering.Index
}

// Allows reports whether a document at idx is visible
func (s OrderingScope) Allows(idx ordering.Index) bool {
	return ordering.Visible(s.Reader, idx)
}

// InstanceFilter defines filtering criteria for instance listings
type InstanceFilter struct {
	TemplateID string
	ProjectID  string
	ParentID   string
	Limit      int
}

// Matches applies the filter to one instance
func (f InstanceFilter) Matches(inst *WorkflowInstance) bool {
	if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.ProjectID != "" && inst.ProjectID != f.ProjectID {
		return false
	}
	if f.ParentID != "" && inst.ParentID != f.ParentID {
		return false
	}
	return true
}

// UnlockFunc releases a lock obtained from an InstanceLocker
type UnlockFunc func(ctx context.Context) error

// InstanceLocker serializes processing of a single instance across workers
type InstanceLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Processor advances instances. The engine implements it; the continuation
// bridge depends on it to resume parents.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (*RunResult, error)
}

// TemplateSource resolves template ids
type TemplateSource interface {
	Template(id string) (*WorkflowTemplate, error)
}

// SubWorkflowScheduler starts child workflows on behalf of a parent.
// ScheduleSubWorkflow creates the child; StartSubWorkflows hands the children
// of a run to their workers and is only called once the parent is saved.
type SubWorkflowScheduler interface {
	ScheduleSubWorkflow(ctx context.Context, parent *WorkflowInstance, req ScheduleRequest) (*SubWorkflowHandle, error)
	StartSubWorkflows(ctx context.Context, handles []SubWorkflowHandle) error
}

// Observer receives engine events; metrics backends implement it
type Observer interface {
	TransitionApplied(templateID, transitionID string, elapsed time.Duration, failed bool)
	ToolCalled(tool string, elapsed time.Duration, err error)
	InstanceHalted(templateID string, outcome string)
	DocumentCreated(schemaRef string, validationFailed bool)
}

// Outcome labels passed to Observer.InstanceHalted
const (
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
)

// Outcome classifies a halted instance
func Outcome(inst *WorkflowInstance) string {
	switch {
	case inst.Error:
		return OutcomeFailed
	case inst.Stop:
		return OutcomeSuspended
	default:
		return OutcomeCompleted
	}
}

// NopObserver discards all events
type NopObserver struct{}

func (NopObserver) TransitionApplied(string, string, time.Duration, bool) {}
func (NopObserver) ToolCalled(string, time.Duration, error) {}
func (NopObserver) InstanceHalted(string, string) {}
func (NopObserver) DocumentCreated(string, bool) {}
