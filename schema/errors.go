package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// ValidationError reports why a value does not conform to the schema at Path.
type ValidationError struct {
	Path    string
	Reasons []string
	Err     error
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 1 {
		return fmt.Sprintf("schema %q: %s", e.Path, e.Reasons[0])
	}
	return fmt.Sprintf("schema %q: %d validation errors: %s", e.Path, len(e.Reasons), strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(path string, err error) *ValidationError {
	var reasons []string

	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			reasons = append(reasons, e.Error())
		}
	}
	if len(reasons) == 0 {
		reasons = []string{err.Error()}
	}

	return &ValidationError{Path: path, Reasons: reasons, Err: err}
}
