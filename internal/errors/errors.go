package errors

import (
	"fmt"
)

// PipelineError is the structured error type used across the pipeline.
// It carries enough context for logging, per-row failure records, and
// API responses.
type PipelineError struct {
	// Code is the unique error code (e.g., "ERR_402_INVALID_PATH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, External, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with PipelineError.
func (e *PipelineError) Is(target error) bool {
	if t, ok := target.(*PipelineError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PipelineError) WithDetail(key, value string) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new PipelineError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a PipelineError from an existing error.
// The error's message becomes the PipelineError message.
func Wrap(code string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// TransientIO creates a stat/hash/read error. The watcher logs these and
// drops the event rather than retrying.
func TransientIO(message string, cause error) *PipelineError {
	return New(ErrCodeFileStat, message, cause)
}

// DigesterFailed creates a per-(file, digester) failure record error. The
// cause is folded into the message because failure records store a plain
// string.
func DigesterFailed(digester string, cause error) *PipelineError {
	msg := fmt.Sprintf("digester %s failed", digester)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return New(ErrCodeDigesterFailed, msg, cause).WithDetail("digester", digester)
}

// ClaimConflict signals that another worker won the optimistic task claim.
// The losing worker moves on to the next eligible task.
var ClaimConflict = New(ErrCodeClaimConflict, "task claimed by another worker", nil)

// EngineError creates an external search engine error.
func EngineError(engine, message string, cause error) *PipelineError {
	return New(ErrCodeEngineJobFailed, message, cause).WithDetail("engine", engine)
}

// ValidationError creates an input validation error. These are rejected at
// the API boundary and never reach the pipeline.
func ValidationError(message string) *PipelineError {
	return New(ErrCodeInvalidInput, message, nil)
}

// InvalidPath creates a malformed/unsafe path error.
func InvalidPath(path string) *PipelineError {
	return New(ErrCodeInvalidPath, fmt.Sprintf("invalid path: %s", path), nil).
		WithDetail("path", path)
}

// UnknownFile creates a file-not-tracked error (maps to a 404).
func UnknownFile(path string) *PipelineError {
	return New(ErrCodeUnknownFile, fmt.Sprintf("unknown file: %s", path), nil).
		WithDetail("path", path)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a PipelineError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*PipelineError); ok {
		return pe.Retryable
	}
	return false
}

// GetCode extracts the error code from a PipelineError.
// Returns empty string if not a PipelineError.
func GetCode(err error) string {
	if pe, ok := err.(*PipelineError); ok {
		return pe.Code
	}
	return ""
}

// GetCategory extracts the category from a PipelineError.
// Returns empty string if not a PipelineError.
func GetCategory(err error) Category {
	if pe, ok := err.(*PipelineError); ok {
		return pe.Category
	}
	return ""
}
