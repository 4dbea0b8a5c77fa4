package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for reporting and exit codes.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later run.
	// Examples: lock contention, unreachable lock service.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassUser indicates a problem with the input supplied by the user.
	// Examples: a model failing schema validation, a missing template file.
	ErrorClassUser ErrorClass = "user"

	// ErrorClassPermanent indicates a non-recoverable failure inside the engine or a plugin.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes used across the engine.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeCompose      = "COMPOSE_ERROR"
	ErrCodeTemplate     = "TEMPLATE_ERROR"
	ErrCodeDiff         = "DIFF_ERROR"
	ErrCodeHandler      = "HANDLER_ERROR"
	ErrCodeAction       = "ACTION_ERROR"
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeLock         = "LOCK_ERROR"
	ErrCodeStalePlan    = "STALE_PLAN"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConfig       = "CONFIG_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the taxonomy entry (see the ErrCode constants).
	Code string `json:"code,omitempty"`

	// Resource is the plugin, matcher, file or action the error is about, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports an application model rejected by the merged schema.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeValidation, message, err)
}

// NewComposeError reports a plugin name mismatch or an irreconcilable schema conflict.
func NewComposeError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeCompose, message, err)
}

// NewTemplateError reports a missing template file or a duplicate include.
func NewTemplateError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeTemplate, message, err)
}

// NewDiffError reports a matched subtree whose items cannot be identified.
func NewDiffError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeDiff, message, err)
}

// NewHandlerError reports a failure raised inside a plugin handler.
func NewHandlerError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeHandler, message, err)
}

// NewActionError reports a failure raised inside an apply-stage action.
func NewActionError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeAction, message, err)
}

// NewPolicyError reports a plan denied by policy.
func NewPolicyError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodePolicyDenied, message, err)
}

// NewLockError reports a lock that could not be acquired or released.
func NewLockError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeLock, message, err)
}

// NewStalePlanError reports a persisted plan that no longer matches what would be derived.
func NewStalePlanError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeStalePlan, message, err)
}

// NewNotFoundError reports a missing persisted record.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeNotFound, message, err)
}

// NewConfigError reports invalid engine configuration.
func NewConfigError(message string, err error) *EngineError {
	return newError(ErrorClassUser, ErrCodeConfig, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first EngineError in the chain, or "" if there is none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the first EngineError in the chain, or "" if there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidationError returns true if the error is a model validation failure.
func IsValidationError(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsComposeError returns true if plugin composition failed.
func IsComposeError(err error) bool { return CodeOf(err) == ErrCodeCompose }

// IsTemplateError returns true if template rendering failed.
func IsTemplateError(err error) bool { return CodeOf(err) == ErrCodeTemplate }

// IsDiffError returns true if a diff could not be computed.
func IsDiffError(err error) bool { return CodeOf(err) == ErrCodeDiff }

// IsHandlerError returns true if a plugin handler failed.
func IsHandlerError(err error) bool { return CodeOf(err) == ErrCodeHandler }

// IsActionError returns true if an apply-stage action failed.
func IsActionError(err error) bool { return CodeOf(err) == ErrCodeAction }

// IsPolicyDenied returns true if policy evaluation denied the plan.
func IsPolicyDenied(err error) bool { return CodeOf(err) == ErrCodePolicyDenied }

// IsStalePlan returns true if a persisted plan no longer matches its derivation.
func IsStalePlan(err error) bool { return CodeOf(err) == ErrCodeStalePlan }

// IsNotFound returns true if the error reports a missing record.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsUserError returns true if the error was caused by user input.
func IsUserError(err error) bool { return ClassOf(err) == ErrorClassUser }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }
