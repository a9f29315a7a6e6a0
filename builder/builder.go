package builder

import (
	"fmt"

	"github.com/sicko7947/placeflow"
)

// TemplateBuilder provides a fluent API for building workflow templates
type TemplateBuilder struct {
	template  *placeflow.WorkflowTemplate
	lastPlace string
	errs      []error
}

// NewTemplate creates a new template builder
func NewTemplate(id, name string) *TemplateBuilder {
	return &TemplateBuilder{
		template: &placeflow.WorkflowTemplate{
			ID:   id,
			Name: name,
		},
	}
}

// WithDescription sets the template description
func (b *TemplateBuilder) WithDescription(description string) *TemplateBuilder {
	b.template.Description = description
	return b
}

// Places declares places. The first place ever declared becomes the initial
// place unless Initial is called.
func (b *TemplateBuilder) Places(places ...string) *TemplateBuilder {
	for _, p := range places {
		b.addPlace(p)
	}
	return b
}

// Initial sets the initial place explicitly
func (b *TemplateBuilder) Initial(place string) *TemplateBuilder {
	b.addPlace(place)
	b.template.InitialPlace = place
	b.lastPlace = place
	return b
}

// Transition adds a transition between two places, declaring both
func (b *TemplateBuilder) Transition(id, from, to string, opts ...TransitionOption) *TemplateBuilder {
	b.addPlace(from)
	b.addPlace(to)

	t := placeflow.TransitionDefinition{
		ID:      id,
		From:    from,
		To:      to,
		Trigger: placeflow.TriggerAutomatic,
	}
	for _, opt := range opts {
		opt(&t)
	}
	if t.OnError != "" {
		b.addPlace(t.OnError)
	}

	b.template.Transitions = append(b.template.Transitions, t)
	b.lastPlace = to
	return b
}

// Then chains a transition from the place the previous call ended at
func (b *TemplateBuilder) Then(id, to string, opts ...TransitionOption) *TemplateBuilder {
	from := b.lastPlace
	if from == "" {
		from = b.template.InitialPlace
	}
	if from == "" {
		b.errs = append(b.errs, fmt.Errorf("transition %s has no source place; declare one first", id))
		return b
	}
	return b.Transition(id, from, to, opts...)
}

// Sequence chains places with unguarded automatic transitions named
// "<from>_to_<to>"
func (b *TemplateBuilder) Sequence(places ...string) *TemplateBuilder {
	for _, p := range places {
		if b.lastPlace == "" && b.template.InitialPlace == "" {
			b.Initial(p)
			continue
		}
		from := b.lastPlace
		if from == "" {
			from = b.template.InitialPlace
		}
		b.Transition(from+"_to_"+p, from, p)
	}
	return b
}

// Build finalizes and validates the template
func (b *TemplateBuilder) Build() (*placeflow.WorkflowTemplate, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("invalid template %s: %w", b.template.ID, b.errs[0])
	}
	if err := ValidateTemplate(b.template); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", b.template.ID, err)
	}
	return b.template, nil
}

// MustBuild finalizes and validates the template, panics on error
func (b *TemplateBuilder) MustBuild() *placeflow.WorkflowTemplate {
	tmpl, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build template: %v", err))
	}
	return tmpl
}

func (b *TemplateBuilder) addPlace(place string) {
	if place == "" || b.template.HasPlace(place) {
		return
	}
	b.template.Places = append(b.template.Places, place)
	if b.template.InitialPlace == "" {
		b.template.InitialPlace = place
	}
}
