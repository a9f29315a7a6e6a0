package placeflow

import (
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	ErrCodeExpression       = "EXPRESSION_ERROR"
	ErrCodeSchemaValidation = "SCHEMA_VALIDATION_ERROR"
	ErrCodeToolExecution    = "TOOL_EXECUTION_ERROR"
	ErrCodeDependency       = "DEPENDENCY_NOT_FOUND"
	ErrCodeStateConflict    = "STATE_CONFLICT"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// ExpressionErrorKind narrows an EXPRESSION_ERROR
type ExpressionErrorKind string

const (
	ExprTooLarge         ExpressionErrorKind = "TOO_LARGE"
	ExprMalformed        ExpressionErrorKind = "MALFORMED"
	ExprDisallowedHelper ExpressionErrorKind = "DISALLOWED_HELPER"
	ExprMissingSchema    ExpressionErrorKind = "MISSING_SCHEMA"
	ExprRenderFailed     ExpressionErrorKind = "RENDER_FAILED"
)

// ErrInstanceNotFound is returned by stores when no instance has the id
var ErrInstanceNotFound = errors.New("workflow instance not found")

// WorkflowError represents an error raised while processing an instance
type WorkflowError struct {
	Message    string                 `json:"message" dynamodbav:"message"`
	Code       string                 `json:"code" dynamodbav:"code"`
	Kind       string                 `json:"kind,omitempty" dynamodbav:"kind,omitempty"`
	Transition string                 `json:"transition,omitempty" dynamodbav:"transition,omitempty"`
	Timestamp  time.Time              `json:"timestamp" dynamodbav:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty" dynamodbav:"details,omitempty"`

	// Err is the wrapped cause; not persisted
	Err error `json:"-" dynamodbav:"-"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	code := e.Code
	if e.Kind != "" {
		code = e.Code + ":" + e.Kind
	}
	if e.Transition != "" {
		return fmt.Sprintf("[%s] %s (transition: %s)", code, e.Message, e.Transition)
	}
	return fmt.Sprintf("[%s] %s", code, e.Message)
}

// Unwrap returns the wrapped cause
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is matches another WorkflowError by code and, when set, kind
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewWorkflowErrorWithTransition creates a new workflow error bound to a transition
func NewWorkflowErrorWithTransition(code, message, transitionID string) *WorkflowError {
	e := NewWorkflowError(code, message)
	e.Transition = transitionID
	return e
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]interface{}) *WorkflowError {
	e.Details = details
	return e
}

// WithTransition binds the error to a transition
func (e *WorkflowError) WithTransition(transitionID string) *WorkflowError {
	e.Transition = transitionID
	return e
}

// Wrap records cause as the underlying error
func (e *WorkflowError) Wrap(cause error) *WorkflowError {
	e.Err = cause
	return e
}

// NewExpressionError creates an EXPRESSION_ERROR of the given kind
func NewExpressionError(kind ExpressionErrorKind, message string) *WorkflowError {
	e := NewWorkflowError(ErrCodeExpression, message)
	e.Kind = string(kind)
	return e
}

// NewSchemaValidationError wraps a validation failure for schemaPath
func NewSchemaValidationError(schemaPath string, cause error) *WorkflowError {
	return NewWorkflowError(ErrCodeSchemaValidation, fmt.Sprintf("value does not match schema %s", schemaPath)).
		WithDetails(map[string]interface{}{"schema": schemaPath}).
		Wrap(cause)
}

// NewToolExecutionError wraps a tool failure
func NewToolExecutionError(tool string, cause error) *WorkflowError {
	msg := fmt.Sprintf("tool %s failed", tool)
	if cause != nil {
		msg = fmt.Sprintf("tool %s failed: %v", tool, cause)
	}
	return NewWorkflowError(ErrCodeToolExecution, msg).
		WithDetails(map[string]interface{}{"tool": tool}).
		Wrap(cause)
}

// NewDependencyNotFoundError reports a required document load that matched nothing
func NewDependencyNotFoundError(key string) *WorkflowError {
	return NewWorkflowError(ErrCodeDependency, fmt.Sprintf("no document satisfies dependency %s", key)).
		WithDetails(map[string]interface{}{"key": key})
}

// NewStateConflictError reports a save against a stale revision
func NewStateConflictError(instanceID string, expected, actual int64) *WorkflowError {
	return NewWorkflowError(ErrCodeStateConflict, fmt.Sprintf("instance %s was modified concurrently", instanceID)).
		WithDetails(map[string]interface{}{
			"instance_id": instanceID,
			"expected":    expected,
			"actual":      actual,
		})
}

// ToWorkflowError converts any error into a WorkflowError
func ToWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}

	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}

	if errors.Is(err, ErrInstanceNotFound) {
		return NewWorkflowError(ErrCodeNotFound, err.Error()).Wrap(err)
	}

	return NewWorkflowError(ErrCodeInternalError, err.Error()).Wrap(err)
}

func hasCode(err error, code string) bool {
	var we *WorkflowError
	return errors.As(err, &we) && we.Code == code
}

// IsExpressionError checks if an error is an expression error
func IsExpressionError(err error) bool {
	return hasCode(err, ErrCodeExpression)
}

// IsExpressionErrorKind checks the expression error kind
func IsExpressionErrorKind(err error, kind ExpressionErrorKind) bool {
	var we *WorkflowError
	return errors.As(err, &we) && we.Code == ErrCodeExpression && we.Kind == string(kind)
}

// IsSchemaValidationError checks if an error is a schema validation error
func IsSchemaValidationError(err error) bool {
	return hasCode(err, ErrCodeSchemaValidation)
}

// IsToolExecutionError checks if an error is a tool execution error
func IsToolExecutionError(err error) bool {
	return hasCode(err, ErrCodeToolExecution)
}

// IsDependencyNotFound checks if an error is a missing dependency
func IsDependencyNotFound(err error) bool {
	return hasCode(err, ErrCodeDependency)
}

// IsStateConflict checks if an error is a revision conflict
func IsStateConflict(err error) bool {
	return hasCode(err, ErrCodeStateConflict)
}

// IsCallError reports whether err is one of the errors routed at the tool
// call boundary instead of escaping to the driver
func IsCallError(err error) bool {
	return IsExpressionError(err) ||
		IsSchemaValidationError(err) ||
		IsToolExecutionError(err) ||
		IsDependencyNotFound(err)
}
