package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeTransform         = "TRANSFORM_ERROR"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// ErrorKind classifies a step failure for the retry controller.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindFatal       ErrorKind = "fatal"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// Retryable reports whether another attempt may follow a failure of this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindRateLimited
}

// MaestroError is the structured error type for all maestro operations.
type MaestroError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Cause     error          `json:"-"`
}

func (e *MaestroError) Error() string {
	if e.StepIndex != nil {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *MaestroError) Unwrap() error {
	return e.Cause
}

// NewError creates a new MaestroError.
func NewError(code, message string) *MaestroError {
	return &MaestroError{Code: code, Message: message}
}

// NewErrorf creates a new MaestroError with a formatted message.
func NewErrorf(code, format string, args ...any) *MaestroError {
	return &MaestroError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step index to the error.
func (e *MaestroError) WithStep(index int) *MaestroError {
	e.StepIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *MaestroError) WithCause(err error) *MaestroError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MaestroError) WithDetails(details map[string]any) *MaestroError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first MaestroError in err's chain, or "".
func ErrorCode(err error) string {
	var me *MaestroError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
