// Package errors provides the structured error system used across the export
// pipeline, with error codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure class. Codes are stable strings so they can
// be matched with errors.Is across package boundaries.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Request shaping and response decoding
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidFormat   ErrorCode = "INVALID_FORMAT"

	// Object store errors
	ErrCodeTransferFailed  ErrorCode = "TRANSFER_FAILED"
	ErrCodeCapExceeded     ErrorCode = "CAP_EXCEEDED"
	ErrCodeRootDelete      ErrorCode = "ROOT_DELETE"
	ErrCodeObjectNotFound  ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound  ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeAccessDenied    ErrorCode = "ACCESS_DENIED"
	ErrCodeStorageListing  ErrorCode = "STORAGE_LISTING"

	// Remote analytics API errors
	ErrCodeAPIRequestFailed     ErrorCode = "API_REQUEST_FAILED"
	ErrCodeAPIDecodeFailed      ErrorCode = "API_DECODE_FAILED"
	ErrCodeExperimentNotFound   ErrorCode = "EXPERIMENT_NOT_FOUND"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// Output errors
	ErrCodeSpreadsheetWrite ErrorCode = "SPREADSHEET_WRITE"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for logging and reporting.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRequest       ErrorCategory = "request"
	CategoryStorage       ErrorCategory = "storage"
	CategoryAPI           ErrorCategory = "api"
	CategoryOutput        ErrorCategory = "output"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with a code, category, and context.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so sentinel-style comparisons work.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates a structured error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error around a cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// GetCategory derives the category from a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeInvalidArgument, ErrCodeInvalidFormat:
		return CategoryRequest
	case ErrCodeTransferFailed, ErrCodeCapExceeded, ErrCodeRootDelete,
		ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeAccessDenied,
		ErrCodeStorageListing:
		return CategoryStorage
	case ErrCodeAPIRequestFailed, ErrCodeAPIDecodeFailed,
		ErrCodeExperimentNotFound, ErrCodeAuthenticationFailed:
		return CategoryAPI
	case ErrCodeSpreadsheetWrite:
		return CategoryOutput
	default:
		return CategoryInternal
	}
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the originating operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Code returns the code carried by err if it is a structured error,
// or ErrCodeInternalError otherwise.
func Code(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
