package expression

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// errDisallowedHelper is returned by the shadows of restricted builtins
var errDisallowedHelper = errors.New("helper is not allowed")

// disallowedBuiltins are text/template builtins that are shadowed
var disallowedBuiltins = []string{
	"index", "slice", "call",
	"print", "printf", "println",
	"html", "js", "urlquery",
}

// Internal helpers. serializeFunc wraps Parse expressions; the other two are
// appended to pipelines by instrument.
const (
	serializeFunc = "_serialize"
	rangeFunc     = "_range"
	printFunc     = "_print"
)

func (e *Evaluator) funcMap() template.FuncMap {
	titler := cases.Title(language.Und)

	fm := template.FuncMap{
		"eq": equal,
		"ne": notEqual,
		"lt": less,
		"le": lessOrEqual,
		"gt": greater,
		"ge": greaterOrEqual,

		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titler.String,
		"trim":  strings.TrimSpace,

		"now":          e.now,
		"formatDate":   formatDate,
		"relativeTime": func(t any) (string, error) { return e.relativeTime(t) },

		"default":  defaultValue,
		"contains": contains,

		serializeFunc: serialize,
		rangeFunc:     rangeable,
		printFunc:     printable,
	}

	for _, name := range disallowedBuiltins {
		name := name
		fm[name] = func(...any) (string, error) {
			return "", fmt.Errorf("%s: %w", name, errDisallowedHelper)
		}
	}
	return fm
}

func serialize(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// rangeable passes v through unless it is an integer, which range would turn
// into a loop of that many iterations
func rangeable(v any) (any, error) {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return nil, fmt.Errorf("range over an integer: %w", errDisallowedHelper)
	}
	return v, nil
}

// printable renders missing and null values as empty text
func printable(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q: %w", t, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("cannot use %T as time", v)
}

func formatDate(layout string, v any) (string, error) {
	t, err := toTime(v)
	if err != nil {
		return "", err
	}
	return t.Format(layout), nil
}

func (e *Evaluator) relativeTime(v any) (string, error) {
	t, err := toTime(v)
	if err != nil {
		return "", err
	}
	return humanize.RelTime(t, e.now(), "ago", "from now"), nil
}

// defaultValue returns v unless it is empty
func defaultValue(def, v any) any {
	if truthy(v) {
		return v
	}
	return def
}

// contains reports whether haystack (string or list) contains needle
func contains(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains: cannot search string for %T", needle)
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if ok, _ := equal(item, needle); ok {
				return true, nil
			}
		}
		return false, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("contains: unsupported %T", haystack)
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Comparisons accept any numeric kind on either side so data decoded from
// JSON (float64) compares with integer literals in templates.

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("incompatible types for comparison: %T and %T", a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}

	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Compare(tb), nil
	}

	return 0, fmt.Errorf("incompatible types for comparison: %T and %T", a, b)
}

func equal(a any, others ...any) (bool, error) {
	if len(others) == 0 {
		return false, fmt.Errorf("missing argument for comparison")
	}
	for _, b := range others {
		eq, err := equalPair(a, b)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func equalPair(a, b any) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return false, fmt.Errorf("incompatible types for comparison: %T and %T", a, b)
		}
		return ba == bb, nil
	}
	c, err := compare(a, b)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}

func notEqual(a, b any) (bool, error) {
	eq, err := equalPair(a, b)
	return !eq, err
}

func less(a, b any) (bool, error) {
	c, err := compare(a, b)
	return c < 0, err
}

func lessOrEqual(a, b any) (bool, error) {
	c, err := compare(a, b)
	return c <= 0, err
}

func greater(a, b any) (bool, error) {
	c, err := compare(a, b)
	return c > 0, err
}

func greaterOrEqual(a, b any) (bool, error) {
	c, err := compare(a, b)
	return c >= 0, err
}
