package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Handshake / gateway errors
	ErrCodeInvalidProject    ErrorCode = "INVALID_PROJECT"
	ErrCodeProjectNotFound   ErrorCode = "PROJECT_NOT_FOUND"
	ErrCodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	ErrCodeInvalidCredential ErrorCode = "INVALID_CREDENTIAL"

	// File tree errors
	ErrCodeTreeConflict ErrorCode = "TREE_CONFLICT"
	ErrCodeTreeInvalid  ErrorCode = "TREE_INVALID"

	// Assistant errors
	ErrCodeAssistantFailure ErrorCode = "ASSISTANT_FAILURE"
	ErrCodeAssistantTimeout ErrorCode = "ASSISTANT_TIMEOUT"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured application error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with error code context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	appErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return appErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	appErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}
	return appErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return appErr.Retryable
}
