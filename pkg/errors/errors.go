// Package errors provides a structured error system for datakit with error codes, categories, and context.
package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for data-access operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Pool errors
	ErrCodeClientCreation ErrorCode = "CLIENT_CREATION"
	ErrCodeAcquireTimeout ErrorCode = "ACQUIRE_TIMEOUT"
	ErrCodePoolClosed     ErrorCode = "POOL_CLOSED"
	ErrCodePoolExhausted  ErrorCode = "POOL_EXHAUSTED"

	// Query errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeQueryTimeout     ErrorCode = "QUERY_TIMEOUT"
	ErrCodeQueryFailed      ErrorCode = "QUERY_FAILED"
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"

	// Cache errors
	ErrCodeCacheClosed    ErrorCode = "CACHE_CLOSED"
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Persistence errors
	ErrCodeEntryTooLarge  ErrorCode = "ENTRY_TOO_LARGE"
	ErrCodePersistenceIO  ErrorCode = "PERSISTENCE_IO"
	ErrCodeEntryCorrupted ErrorCode = "ENTRY_CORRUPTED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryPool          ErrorCategory = "pool"
	CategoryQuery         ErrorCategory = "query"
	CategoryCache         ErrorCategory = "cache"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// DataError represents a structured error with context and metadata.
type DataError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable hints to the caller's own retry layer; validation errors
	// are never retryable, saturation and timeouts are.
	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DataError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DataError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DataError) Is(target error) bool {
	if dataErr, ok := target.(*DataError); ok {
		return e.Code == dataErr.Code
	}
	return false
}

// NewError creates a new structured error with default values.
func NewError(code ErrorCode, message string) *DataError {
	return &DataError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DataError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeClientCreation, ErrCodeAcquireTimeout, ErrCodePoolClosed, ErrCodePoolExhausted:
		return CategoryPool
	case ErrCodeValidationFailed, ErrCodeQueryTimeout, ErrCodeQueryFailed, ErrCodeNotConnected:
		return CategoryQuery
	case ErrCodeCacheClosed, ErrCodeRetryExhausted:
		return CategoryCache
	case ErrCodeEntryTooLarge, ErrCodePersistenceIO, ErrCodeEntryCorrupted:
		return CategoryPersistence
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeAcquireTimeout: true,
		ErrCodeQueryTimeout:   true,
		ErrCodeClientCreation: true,
		ErrCodePoolExhausted:  true,
		ErrCodeInternalError:  true,
	}
	return retryableCodes[code]
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if dataErr, ok := err.(*DataError); ok && dataErr.Code == code {
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

// CaptureStack captures the current stack trace for diagnostics.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") { // Skip frames from this file
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithComponent sets the component for an error.
func (e *DataError) WithComponent(component string) *DataError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *DataError) WithOperation(operation string) *DataError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *DataError) WithCause(cause error) *DataError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace.
func (e *DataError) WithStack() *DataError {
	e.Stack = CaptureStack(2)
	return e
}
