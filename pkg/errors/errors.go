package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a call failure. Protocol errors are resolved locally
// and never surfaced; the rest shape what the UI shows.
type ErrorCode string

const (
	ErrCodeProtocol  ErrorCode = "PROTOCOL"
	ErrCodeResource  ErrorCode = "RESOURCE"
	ErrCodeTransport ErrorCode = "TRANSPORT"
	ErrCodeTimeout   ErrorCode = "TIMEOUT"
	ErrCodeInternal  ErrorCode = "INTERNAL"
)

// AppError carries a classification code and context alongside the cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Context: make(map[string]interface{})}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err, Context: make(map[string]interface{})}
}

func NewResourceError(message string) *AppError {
	return New(ErrCodeResource, message)
}

func NewTransportError(message string) *AppError {
	return New(ErrCodeTransport, message)
}

func NewTimeoutError(message string) *AppError {
	return New(ErrCodeTimeout, message)
}

// CodeOf extracts the classification from an error chain, defaulting to
// INTERNAL for unclassified errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsAppError checks whether err carries a classification.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}
