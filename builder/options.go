package builder

import "github.com/sicko7947/placeflow"

// TransitionOption is a functional option for configuring transitions
type TransitionOption func(*placeflow.TransitionDefinition)

// When guards the transition with an expression that must render "true"
func When(condition string) TransitionOption {
	return func(t *placeflow.TransitionDefinition) {
		t.Condition = condition
	}
}

// Manual makes the transition wait for a matching payload
func Manual() TransitionOption {
	return func(t *placeflow.TransitionDefinition) {
		t.Trigger = placeflow.TriggerManual
	}
}

// OnError routes call failures to place instead of halting
func OnError(place string) TransitionOption {
	return func(t *placeflow.TransitionDefinition) {
		t.OnError = place
	}
}

// Call appends a tool invocation
func Call(tool string, args map[string]any, opts ...CallOption) TransitionOption {
	return func(t *placeflow.TransitionDefinition) {
		c := placeflow.ToolInvocation{Tool: tool, Args: args}
		for _, opt := range opts {
			opt(&c)
		}
		t.Calls = append(t.Calls, c)
	}
}

// CallOption configures a tool invocation
type CallOption func(*placeflow.ToolInvocation)

// Output stores the tool data under key instead of the tool name
func Output(key string) CallOption {
	return func(c *placeflow.ToolInvocation) {
		c.Output = key
	}
}

// ArgSchema parses the wrapped expression in arg into structured data
// validated against the schema at path
func ArgSchema(arg, path string) CallOption {
	return func(c *placeflow.ToolInvocation) {
		if c.ArgSchemas == nil {
			c.ArgSchemas = make(map[string]string)
		}
		c.ArgSchemas[arg] = path
	}
}
