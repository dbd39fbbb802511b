package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeStore           = "STORE_ERROR"
)

// CascadeError is the structured error type for all coordination operations.
type CascadeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CascadeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CascadeError.
func NewError(code, message string) *CascadeError {
	return &CascadeError{Code: code, Message: message}
}

// NewErrorf creates a new CascadeError with a formatted message.
func NewErrorf(code, format string, args ...any) *CascadeError {
	return &CascadeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *CascadeError) WithCause(err error) *CascadeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CascadeError) WithDetails(details map[string]any) *CascadeError {
	e.Details = details
	return e
}

// CodeOf returns the machine code of a CascadeError anywhere in err's
// chain, or "" for any other error.
func CodeOf(err error) string {
	var ce *CascadeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err is a CascadeError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
