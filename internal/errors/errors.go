// Package errors provides unified error handling with structured error codes
// shared across the pipeline stages.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies a pipeline failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidInput
	CodeCanceled
	// CodeDeviceUnavailable: the audio capture device cannot be started.
	// Fatal to the session.
	CodeDeviceUnavailable
	// CodeEngineUnavailable: a transcription or inference engine is absent
	// or not ready. Recovered by falling back to the other source.
	CodeEngineUnavailable
	// CodeTimeout: an engine call exceeded its budget.
	CodeTimeout
	// CodeMalformedResponse: a cloud response could not be parsed.
	CodeMalformedResponse
	// CodeStorageWriteFailure: the storage collaborator rejected a write.
	// Logged and skipped, never blocks the live pipeline.
	CodeStorageWriteFailure
	CodeRateLimited
)

var codeNames = map[Code]string{
	CodeUnknown:             "UNKNOWN",
	CodeInternal:            "INTERNAL",
	CodeInvalidInput:        "INVALID_INPUT",
	CodeCanceled:            "CANCELED",
	CodeDeviceUnavailable:   "DEVICE_UNAVAILABLE",
	CodeEngineUnavailable:   "ENGINE_UNAVAILABLE",
	CodeTimeout:             "TIMEOUT",
	CodeMalformedResponse:   "MALFORMED_RESPONSE",
	CodeStorageWriteFailure: "STORAGE_WRITE_FAILURE",
	CodeRateLimited:         "RATE_LIMITED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// AppError is the base error type with structured code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the code from any error, walking the wrap chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable returns true if the error is potentially transient.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeEngineUnavailable, CodeTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}
