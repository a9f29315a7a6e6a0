package builder

import (
	"fmt"
	"strings"

	"github.com/sicko7947/placeflow"
)

// ToolLookup is satisfied by registry.Registry
type ToolLookup interface {
	Names() []string
}

// ValidateTemplate performs structural validation on a template
func ValidateTemplate(tmpl *placeflow.WorkflowTemplate) error {
	if tmpl == nil {
		return fmt.Errorf("template is nil")
	}
	if tmpl.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if err := ValidatePlaces(tmpl); err != nil {
		return err
	}
	if err := ValidateTransitions(tmpl); err != nil {
		return err
	}
	if err := ValidateReachability(tmpl); err != nil {
		return err
	}
	return ValidateNoRunawayCycles(tmpl)
}

// ValidatePlaces checks place declarations and the initial place
func ValidatePlaces(tmpl *placeflow.WorkflowTemplate) error {
	if len(tmpl.Places) == 0 {
		return fmt.Errorf("template declares no places")
	}

	seen := make(map[string]bool, len(tmpl.Places))
	for _, p := range tmpl.Places {
		if p == "" {
			return fmt.Errorf("place name is empty")
		}
		if seen[p] {
			return fmt.Errorf("place %s declared twice", p)
		}
		seen[p] = true
	}

	if tmpl.InitialPlace == "" {
		return fmt.Errorf("no initial place set")
	}
	if !seen[tmpl.InitialPlace] {
		return fmt.Errorf("initial place %s is not declared", tmpl.InitialPlace)
	}
	return nil
}

// ValidateTransitions checks ids, endpoints and triggers of every transition
func ValidateTransitions(tmpl *placeflow.WorkflowTemplate) error {
	ids := make(map[string]bool, len(tmpl.Transitions))
	for _, t := range tmpl.Transitions {
		if t.ID == "" {
			return fmt.Errorf("transition %s->%s has no id", t.From, t.To)
		}
		if ids[t.ID] {
			return fmt.Errorf("transition %s declared twice", t.ID)
		}
		ids[t.ID] = true

		for _, p := range []string{t.From, t.To} {
			if !tmpl.HasPlace(p) {
				return fmt.Errorf("transition %s references undeclared place %q", t.ID, p)
			}
		}
		if t.OnError != "" && !tmpl.HasPlace(t.OnError) {
			return fmt.Errorf("transition %s routes errors to undeclared place %q", t.ID, t.OnError)
		}

		switch t.Trigger {
		case "", placeflow.TriggerAutomatic, placeflow.TriggerManual:
		default:
			return fmt.Errorf("transition %s has unknown trigger %q", t.ID, t.Trigger)
		}

		for i, c := range t.Calls {
			if c.Tool == "" {
				return fmt.Errorf("transition %s call %d has no tool", t.ID, i)
			}
			for arg := range c.ArgSchemas {
				if _, ok := c.Args[arg]; !ok {
					return fmt.Errorf("transition %s call %s declares a schema for unknown argument %s", t.ID, c.Tool, arg)
				}
			}
		}
	}
	return nil
}

// ValidateReachability ensures all places are reachable from the initial
// place through transitions or error routes
func ValidateReachability(tmpl *placeflow.WorkflowTemplate) error {
	reachable := make(map[string]bool)
	var visit func(string)
	visit = func(place string) {
		if reachable[place] {
			return
		}
		reachable[place] = true

		for _, t := range tmpl.Outgoing(place) {
			visit(t.To)
			if t.OnError != "" {
				visit(t.OnError)
			}
		}
	}

	visit(tmpl.InitialPlace)

	// Check if all places are reachable
	for _, p := range tmpl.Places {
		if !reachable[p] {
			return fmt.Errorf("place %s is not reachable from initial place", p)
		}
	}
	return nil
}

// ValidateNoRunawayCycles rejects cycles made only of unguarded automatic
// transitions without calls, which would spin until the transition limit.
// Guarded, manual or tool-driven cycles are legitimate loops.
func ValidateNoRunawayCycles(tmpl *placeflow.WorkflowTemplate) error {
	next := make(map[string][]string)
	for _, t := range tmpl.Transitions {
		if t.Condition != "" || t.Trigger.IsManual() || len(t.Calls) > 0 {
			continue
		}
		next[t.From] = append(next[t.From], t.To)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var hasCycle func(string) bool
	hasCycle = func(place string) bool {
		visited[place] = true
		recStack[place] = true
		path = append(path, place)

		for _, to := range next[place] {
			if !visited[to] {
				if hasCycle(to) {
					return true
				}
			} else if recStack[to] {
				path = append(path, to)
				return true
			}
		}

		recStack[place] = false
		path = path[:len(path)-1]
		return false
	}

	for _, p := range tmpl.Places {
		if !visited[p] && hasCycle(p) {
			return fmt.Errorf("unguarded cycle detected: %s", strings.Join(path, " -> "))
		}
	}
	return nil
}

// ValidateToolReferences ensures every tool a template calls is registered
func ValidateToolReferences(tmpl *placeflow.WorkflowTemplate, tools ToolLookup) error {
	registered := make(map[string]bool)
	for _, n := range tools.Names() {
		registered[n] = true
	}
	for _, name := range tmpl.Tools() {
		if !registered[name] {
			return fmt.Errorf("template %s calls unregistered tool %s", tmpl.ID, name)
		}
	}
	return nil
}
