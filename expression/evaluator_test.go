package expression

import (
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register("user", openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("age", openapi3.NewIntegerSchema()).
		WithRequired([]string{"name"})))
	require.NoError(t, reg.Register("count", openapi3.NewIntegerSchema()))
	require.NoError(t, reg.Register("text", openapi3.NewStringSchema()))
	require.NoError(t, reg.Register("any", openapi3.NewSchema()))

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(reg.Freeze(), WithClock(func() time.Time { return fixed }))
}

func testContext() placeflow.ExpressionContext {
	return placeflow.ExpressionContext{
		Arguments: map[string]any{
			"value": 150,
			"name":  "ada lovelace",
			"tags":  []any{"math", "engines"},
		},
		WorkflowState: map[string]any{
			"user":  map[string]any{"name": "ada", "age": 36},
			"count": 3,
			"ready": true,
		},
		TransitionMetadata: map[string]any{"id": "t1"},
	}
}

func TestRender(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := testContext()

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text", "hello", "hello"},
		{"field", "{{ .arguments.name }}", "ada lovelace"},
		{"upper", "{{ upper .state.user.name }}", "ADA"},
		{"title", "{{ .arguments.name | title }}", "Ada Lovelace"},
		{"trim", "{{ trim \"  x  \" }}", "x"},
		{"comparison int literal vs int", "{{ gt .arguments.value 100 }}", "true"},
		{"comparison chain", "{{ and (gt .arguments.value 100) (le .arguments.value 200) }}", "true"},
		{"eq strings", "{{ eq .transition.id \"t1\" }}", "true"},
		{"eq multiple", "{{ eq .state.count 1 2 3 }}", "true"},
		{"not", "{{ not .state.ready }}", "false"},
		{"len", "{{ len .arguments.tags }}", "2"},
		{"range", "{{ range .arguments.tags }}[{{ . }}]{{ end }}", "[math][engines]"},
		{"if else", "{{ if .state.ready }}yes{{ else }}no{{ end }}", "yes"},
		{"with", "{{ with .state.user }}{{ .age }}{{ end }}", "36"},
		{"missing key renders empty", "a{{ .arguments.missing }}b", "ab"},
		{"deep missing renders empty", "{{ .state.nope.deeper }}", ""},
		{"default", "{{ .arguments.missing | default \"fallback\" }}", "fallback"},
		{"contains string", "{{ .arguments.name | contains \"love\" }}", "true"},
		{"contains list", "{{ .arguments.tags | contains \"math\" }}", "true"},
		{"formatDate", "{{ now | formatDate \"2006-01-02\" }}", "2025-06-01"},
		{"relativeTime", "{{ relativeTime \"2025-06-01T10:00:00Z\" }}", "2 hours ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_DisallowedHelpers(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := testContext()

	tests := []string{
		`{{ index .arguments.tags 0 }}`,
		`{{ slice .arguments.name 0 2 }}`,
		`{{ printf "%v" .state }}`,
		`{{ print .state }}`,
		`{{ println .state }}`,
		`{{ html .arguments.name }}`,
		`{{ js .arguments.name }}`,
		`{{ urlquery .arguments.name }}`,
		`{{ call .arguments.fn }}`,
		`{{ exec "rm" }}`,
		`{{ env "HOME" }}`,
		`{{ define "x" }}{{ end }}{{ template "x" }}`,
		`{{ template "expr" . }}`,
		`{{ range 1000000000 }}x{{ end }}`,
	}

	for _, tmpl := range tests {
		t.Run(tmpl, func(t *testing.T) {
			out, err := e.Render(tmpl, ctx)
			require.Error(t, err)
			assert.Empty(t, out)
			assert.True(t, placeflow.IsExpressionError(err))
		})
	}
}

func TestRender_DisallowedHelperKind(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Render(`{{ printf "%s" "x" }}`, testContext())
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprDisallowedHelper))

	_, err = e.Render(`{{ nope }}`, testContext())
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprDisallowedHelper))

	_, err = e.Render(`{{ .arguments.name `, testContext())
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprMalformed))
}

func TestRender_TemplateTooLarge(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Render(strings.Repeat("a", 50001), testContext())
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprTooLarge))

	_, err = e.Render(strings.Repeat("a", 50000), testContext())
	assert.NoError(t, err)
}

func TestRender_SanitizesContext(t *testing.T) {
	e := newTestEvaluator(t)

	type secret struct{ Token string }
	ctx := placeflow.ExpressionContext{
		WorkflowState: map[string]any{
			"fn":     func() string { return "called" },
			"struct": secret{Token: "s3cr3t"},
			"ch":     make(chan int),
			"ok":     "visible",
		},
	}

	out, err := e.Render(`{{ .state.fn }}{{ .state.struct }}{{ .state.ch }}{{ .state.ok }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "visible", out)
}

func TestParse_RoundTrip(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := testContext()

	tests := []struct {
		name   string
		expr   string
		schema string
		want   any
	}{
		{"object", "{{ .state.user }}", "user", map[string]any{"name": "ada", "age": float64(36)}},
		{"integer", "{{ .state.count }}", "count", float64(3)},
		{"string", "{{ .arguments.name }}", "text", "ada lovelace"},
		{"list", "{{ .arguments.tags }}", "any", []any{"math", "engines"}},
		{"pipeline", "{{ .arguments.name | upper }}", "text", "ADA LOVELACE"},
		{"trim markers", "{{- .state.count -}}", "count", float64(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Parse(tt.expr, tt.schema, ctx, Secure)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_UnregisteredSchemaReturnsExpression(t *testing.T) {
	e := newTestEvaluator(t)

	expr := "{{ .state.user }}"
	got, err := e.Parse(expr, "not/registered", testContext(), Secure)
	require.NoError(t, err)
	assert.Equal(t, expr, got)
}

func TestParse_Unsecure(t *testing.T) {
	e := newTestEvaluator(t)

	got, err := e.Parse("{{ .state.user }}", "not/registered", testContext(), Unsecure)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "age": float64(36)}, got)
}

func TestParse_Errors(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := testContext()

	_, err := e.Parse(".state.user", "user", ctx, Secure)
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprMalformed))

	_, err = e.Parse("{{ .a }} and {{ .b }}", "user", ctx, Secure)
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprMalformed))

	_, err = e.Parse("{{ .state.user }}", "", ctx, Secure)
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprMissingSchema))

	_, err = e.Parse("{{ .arguments.name }}", "user", ctx, Secure)
	assert.True(t, placeflow.IsSchemaValidationError(err))

	_, err = e.Parse("{{ index .arguments.tags 0 }}", "text", ctx, Secure)
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprDisallowedHelper))
}

func TestParse_OutputTooLarge(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := placeflow.ExpressionContext{
		WorkflowState: map[string]any{"blob": strings.Repeat("x", 10001)},
	}

	_, err := e.Parse("{{ .state.blob }}", "text", ctx, Secure)
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprTooLarge))
}

func TestWithConfig(t *testing.T) {
	cfg := placeflow.DefaultEngineConfig
	cfg.MaxTemplateSize = 10

	e := New(nil, WithConfig(cfg))
	_, err := e.Render("{{ .arguments.name }}", testContext())
	assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprTooLarge))
}

func TestIsWrapped(t *testing.T) {
	assert.True(t, IsWrapped("{{ .a }}"))
	assert.True(t, IsWrapped("  {{.a}}  "))
	assert.False(t, IsWrapped("x {{ .a }}"))
	assert.False(t, IsWrapped("{{ .a }}{{ .b }}"))
	assert.False(t, IsWrapped("{{ }}"))
}

func TestRender_RangeOverComputedInteger(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := testContext()

	tests := []string{
		`{{ range (len .arguments.tags) }}x{{ end }}`,
		`{{ range .state.count }}x{{ end }}`,
		`{{ range $i := .arguments.value }}{{ range $i }}x{{ end }}{{ end }}`,
		`{{ $n := .state.count }}{{ range $n }}x{{ end }}`,
	}
	for _, tmpl := range tests {
		t.Run(tmpl, func(t *testing.T) {
			out, err := e.Render(tmpl, ctx)
			require.Error(t, err)
			assert.Empty(t, out)
			assert.True(t, placeflow.IsExpressionErrorKind(err, placeflow.ExprDisallowedHelper))
		})
	}

	// Ranging over data held in a variable is still fine
	out, err := e.Render(`{{ $t := .arguments.tags }}{{ range $i, $v := $t }}{{ $i }}={{ $v }};{{ end }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "0=math;1=engines;", out)

	out, err = e.Render(`{{ range .arguments.missing }}x{{ else }}none{{ end }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", out)
}

func TestRender_NoValueText(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := placeflow.ExpressionContext{
		Arguments: map[string]any{
			"literal": "<no value>",
			"null":    nil,
			"nested":  map[string]any{"note": "a <no value> b"},
		},
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{"{{ .arguments.literal }}", "<no value>"},
		{"{{ .arguments.nested.note }}", "a <no value> b"},
		{"[{{ .arguments.null }}]", "[]"},
		{"[{{ .arguments.absent }}]", "[]"},
		{"{{ with .arguments.nested }}{{ .note }}|{{ .gone }}{{ end }}", "a <no value> b|"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	parsed, err := e.Parse("{{ .arguments.literal }}", "text", ctx, Secure)
	require.NoError(t, err)
	assert.Equal(t, "<no value>", parsed)
}
