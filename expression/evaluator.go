// Package expression is the sandboxed evaluator that binds transition
// guards, tool arguments and document content to workflow state.
//
// Expressions are text/template snippets run against a sanitized copy of a
// placeflow.ExpressionContext under the keys arguments, state, transition and
// parent. Only an allow-listed set of helpers exists: comparisons, boolean
// logic, len, string case helpers, date helpers, default and contains. The
// restricted text/template builtins are shadowed and fail when called;
// unknown functions fail at parse time. Template composition (define,
// template, block) is rejected.
package expression

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/schema"
)

// Mode selects whether Parse results must pass schema validation
type Mode int

const (
	// Secure validates parsed values against the schema registry
	Secure Mode = iota
	// Unsecure returns the decoded value as is
	Unsecure
)

// String returns the string representation
func (m Mode) String() string {
	if m == Unsecure {
		return "unsecure"
	}
	return "secure"
}

const (
	// maxRenderOutput caps rendered text independently of the parse output
	// limit so nested ranges cannot grow without bound.
	maxRenderOutput = 1 << 20
)

// Evaluator renders and parses expressions. It holds no per-call state and is
// safe for concurrent use when its schema registry is immutable.
type Evaluator struct {
	schemas schema.Registry

	maxTemplateSize  int
	maxOutputSize    int
	maxSanitizeDepth int

	clock func() time.Time
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithConfig applies the evaluator limits from cfg
func WithConfig(cfg placeflow.EngineConfig) Option {
	return func(e *Evaluator) {
		cfg = cfg.WithDefaults()
		e.maxTemplateSize = cfg.MaxTemplateSize
		e.maxOutputSize = cfg.MaxOutputSize
		e.maxSanitizeDepth = cfg.MaxSanitizeDepth
	}
}

// WithClock replaces time.Now for the now and relativeTime helpers
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) {
		e.clock = clock
	}
}

// New creates an evaluator backed by schemas
func New(schemas schema.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		schemas:          schemas,
		maxTemplateSize:  placeflow.DefaultEngineConfig.MaxTemplateSize,
		maxOutputSize:    placeflow.DefaultEngineConfig.MaxOutputSize,
		maxSanitizeDepth: placeflow.DefaultEngineConfig.MaxSanitizeDepth,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) now() time.Time {
	return e.clock()
}

// Render executes tmpl against ctx and returns the text output. Missing keys
// and null values render as the empty string.
func (e *Evaluator) Render(tmpl string, ctx placeflow.ExpressionContext) (string, error) {
	if len(tmpl) > e.maxTemplateSize {
		return "", placeflow.NewExpressionError(placeflow.ExprTooLarge,
			fmt.Sprintf("template is %d bytes, limit is %d", len(tmpl), e.maxTemplateSize))
	}
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := e.compile(tmpl)
	if err != nil {
		return "", err
	}

	data := Sanitize(ctx.Data(), e.maxSanitizeDepth)

	out := &limitedBuffer{limit: maxRenderOutput}
	if err := t.Execute(out, data); err != nil {
		return "", classifyExecError(err)
	}
	return out.String(), nil
}

// Parse evaluates a fully wrapped expression such as "{{ .state.user }}" to
// structured data. In Secure mode the value must satisfy the schema at
// schemaPath; if no schema is registered there the expression is returned
// unchanged.
func (e *Evaluator) Parse(expr, schemaPath string, ctx placeflow.ExpressionContext, mode Mode) (any, error) {
	inner, ok := unwrap(expr)
	if !ok {
		return nil, placeflow.NewExpressionError(placeflow.ExprMalformed,
			"expression must be a single {{ ... }} action")
	}
	if schemaPath == "" {
		return nil, placeflow.NewExpressionError(placeflow.ExprMissingSchema,
			"parse requires a schema path")
	}
	if mode == Secure && (e.schemas == nil || !e.schemas.HasSchema(schemaPath)) {
		return expr, nil
	}

	rendered, err := e.Render("{{ "+serializeFunc+" ("+inner+") }}", ctx)
	if err != nil {
		return nil, err
	}
	if len(rendered) > e.maxOutputSize {
		return nil, placeflow.NewExpressionError(placeflow.ExprTooLarge,
			fmt.Sprintf("parsed value is %d bytes, limit is %d", len(rendered), e.maxOutputSize))
	}

	var value any
	if err := json.Unmarshal([]byte(rendered), &value); err != nil {
		return nil, placeflow.NewExpressionError(placeflow.ExprRenderFailed, "parsed value is not valid JSON").Wrap(err)
	}

	if mode == Unsecure {
		return value, nil
	}

	validated, err := e.schemas.Validate(schemaPath, value)
	if err != nil {
		return nil, placeflow.NewSchemaValidationError(schemaPath, err)
	}
	return validated, nil
}

// IsWrapped reports whether s is a single {{ ... }} action suitable for Parse
func IsWrapped(s string) bool {
	_, ok := unwrap(s)
	return ok
}

func unwrap(expr string) (string, bool) {
	s := strings.TrimSpace(expr)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") || len(s) < 4 {
		return "", false
	}

	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}

	inner = strings.TrimSpace(inner)
	inner = strings.TrimSpace(strings.TrimPrefix(inner, "- "))
	inner = strings.TrimSpace(strings.TrimSuffix(inner, " -"))
	if inner == "" || strings.HasPrefix(inner, "/*") {
		return "", false
	}
	return inner, true
}

func (e *Evaluator) compile(tmpl string) (*template.Template, error) {
	t, err := template.New("expr").
		Option("missingkey=default").
		Funcs(e.funcMap()).
		Parse(tmpl)
	if err != nil {
		if strings.Contains(err.Error(), "not defined") {
			return nil, placeflow.NewExpressionError(placeflow.ExprDisallowedHelper, err.Error()).Wrap(err)
		}
		return nil, placeflow.NewExpressionError(placeflow.ExprMalformed, err.Error()).Wrap(err)
	}

	if len(t.Templates()) > 1 {
		return nil, placeflow.NewExpressionError(placeflow.ExprDisallowedHelper, "template definitions are not allowed")
	}
	if t.Tree != nil && t.Tree.Root != nil {
		if err := checkNode(t.Tree.Root); err != nil {
			return nil, err
		}
		instrument(t.Tree, t.Tree.Root)
	}
	return t, nil
}

// instrument appends the integer guard to every range pipeline and the
// missing value filter to every action that prints
func instrument(tree *parse.Tree, node parse.Node) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			instrument(tree, c)
		}
	case *parse.ActionNode:
		if len(n.Pipe.Decl) == 0 {
			appendCommand(tree, n.Pipe, printFunc)
		}
	case *parse.IfNode:
		instrumentBranch(tree, &n.BranchNode)
	case *parse.WithNode:
		instrumentBranch(tree, &n.BranchNode)
	case *parse.RangeNode:
		appendCommand(tree, n.Pipe, rangeFunc)
		instrumentBranch(tree, &n.BranchNode)
	}
}

func instrumentBranch(tree *parse.Tree, b *parse.BranchNode) {
	instrument(tree, b.List)
	if b.ElseList != nil {
		instrument(tree, b.ElseList)
	}
}

func appendCommand(tree *parse.Tree, pipe *parse.PipeNode, name string) {
	ident := parse.NewIdentifier(name).SetTree(tree).SetPos(pipe.Pos)
	pipe.Cmds = append(pipe.Cmds, &parse.CommandNode{
		NodeType: parse.NodeCommand,
		Pos:      pipe.Pos,
		Args:     []parse.Node{ident},
	})
}

// checkNode rejects template composition and ranges over integer literals
func checkNode(node parse.Node) error {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return nil
		}
		for _, c := range n.Nodes {
			if err := checkNode(c); err != nil {
				return err
			}
		}
	case *parse.TemplateNode:
		return placeflow.NewExpressionError(placeflow.ExprDisallowedHelper,
			fmt.Sprintf("template action %q is not allowed", n.Name))
	case *parse.IfNode:
		return checkBranch(&n.BranchNode)
	case *parse.WithNode:
		return checkBranch(&n.BranchNode)
	case *parse.RangeNode:
		if rangesOverInteger(n.Pipe) {
			return placeflow.NewExpressionError(placeflow.ExprDisallowedHelper,
				"range over an integer is not allowed")
		}
		return checkBranch(&n.BranchNode)
	}
	return nil
}

func checkBranch(b *parse.BranchNode) error {
	if err := checkNode(b.List); err != nil {
		return err
	}
	if b.ElseList != nil {
		return checkNode(b.ElseList)
	}
	return nil
}

func rangesOverInteger(pipe *parse.PipeNode) bool {
	if pipe == nil || len(pipe.Cmds) == 0 {
		return false
	}
	cmd := pipe.Cmds[len(pipe.Cmds)-1]
	if len(cmd.Args) != 1 {
		return false
	}
	_, ok := cmd.Args[0].(*parse.NumberNode)
	return ok
}

func classifyExecError(err error) error {
	if errors.Is(err, errDisallowedHelper) {
		return placeflow.NewExpressionError(placeflow.ExprDisallowedHelper, err.Error()).Wrap(err)
	}
	if errors.Is(err, errOutputLimit) {
		return placeflow.NewExpressionError(placeflow.ExprTooLarge, err.Error()).Wrap(err)
	}
	return placeflow.NewExpressionError(placeflow.ExprRenderFailed, err.Error()).Wrap(err)
}

var errOutputLimit = errors.New("rendered output exceeds limit")

type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		return 0, errOutputLimit
	}
	return b.Buffer.Write(p)
}
