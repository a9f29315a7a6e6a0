package placeflow

import "fmt"

// WorkflowTemplate is the immutable blueprint of places and transitions
type WorkflowTemplate struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Places       []string               `json:"places" yaml:"places"`
	InitialPlace string                 `json:"initialPlace" yaml:"initial_place"`
	Transitions  []TransitionDefinition `json:"transitions" yaml:"transitions"`
}

// HasPlace reports whether place is declared
func (w *WorkflowTemplate) HasPlace(place string) bool {
	for _, p := range w.Places {
		if p == place {
			return true
		}
	}
	return false
}

// Outgoing returns the transitions leaving place in declaration order
func (w *WorkflowTemplate) Outgoing(place string) []*TransitionDefinition {
	var out []*TransitionDefinition
	for i := range w.Transitions {
		if w.Transitions[i].From == place {
			out = append(out, &w.Transitions[i])
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves place
func (w *WorkflowTemplate) IsTerminal(place string) bool {
	for i := range w.Transitions {
		if w.Transitions[i].From == place {
			return false
		}
	}
	return true
}

// Transition retrieves a transition by ID
func (w *WorkflowTemplate) Transition(id string) (*TransitionDefinition, error) {
	for i := range w.Transitions {
		if w.Transitions[i].ID == id {
			return &w.Transitions[i], nil
		}
	}
	return nil, fmt.Errorf("transition %s not found in template %s", id, w.ID)
}

// Tools lists every tool referenced by the template, in first-use order
func (w *WorkflowTemplate) Tools() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range w.Transitions {
		for _, c := range t.Calls {
			if !seen[c.Tool] {
				seen[c.Tool] = true
				out = append(out, c.Tool)
			}
		}
	}
	return out
}

// TemplateMap is a TemplateSource over a fixed set of templates
type TemplateMap map[string]*WorkflowTemplate

// Template implements TemplateSource
func (m TemplateMap) Template(id string) (*WorkflowTemplate, error) {
	t, ok := m[id]
	if !ok {
		return nil, NewWorkflowError(ErrCodeNotFound, fmt.Sprintf("template %s not found", id))
	}
	return t, nil
}
