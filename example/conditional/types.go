package conditional

// ConditionalInput is input for conditional workflow example
type ConditionalInput struct {
	Value            int  `json:"value"`
	EnableDoubling   bool `json:"enable_doubling"`
	EnableFormatting bool `json:"enable_formatting"`
}

// Args converts the input into instance arguments
func (in ConditionalInput) Args() map[string]any {
	return map[string]any{
		"value":             in.Value,
		"enable_doubling":   in.EnableDoubling,
		"enable_formatting": in.EnableFormatting,
	}
}

// DoubleInput for the double tool
type DoubleInput struct {
	Value int `json:"value"`
}

// DoubleOutput from the double and skip_double tools
type DoubleOutput struct {
	Value   int    `json:"value"`
	Doubled bool   `json:"doubled"`
	Message string `json:"message,omitempty"`
}

// ConditionalFormatInput for the format tool
type ConditionalFormatInput struct {
	Value   int    `json:"value"`
	Doubled bool   `json:"doubled"`
	Message string `json:"message,omitempty"`
}

// ConditionalFormatOutput final output
type ConditionalFormatOutput struct {
	Value     int    `json:"value"`
	Formatted string `json:"formatted"`
	Doubled   bool   `json:"doubled"`
}
