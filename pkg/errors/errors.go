package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call session errors
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeDeviceBusy        ErrorCode = "DEVICE_BUSY"
	ErrCodeRecordWriteFailed ErrorCode = "RECORD_WRITE_FAILED"
	ErrCodeSignalingChannel  ErrorCode = "SIGNALING_CHANNEL_ERROR"
	ErrCodeStaleState        ErrorCode = "STALE_STATE_CONFLICT"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

// DeviceUnavailableError means local capture failed (permission denied or
// no device). Fatal to call initiation, never retried.
func DeviceUnavailableError(err error) *AppError {
	return Wrap(ErrCodeDeviceUnavailable, "Local capture device unavailable", err)
}

// DeviceBusyError means a second media session tried to acquire the capture
// device before the previous session released it
func DeviceBusyError() *AppError {
	return New(ErrCodeDeviceBusy, "Capture device already owned by an active session")
}

// RecordWriteFailedError means a call/participant mutation failed after
// any retry budget was exhausted
func RecordWriteFailedError(err error) *AppError {
	return Wrap(ErrCodeRecordWriteFailed, "Call record write failed", err)
}

// SignalingChannelError means the signaling transport dropped
func SignalingChannelError(err error) *AppError {
	return Wrap(ErrCodeSignalingChannel, "Signaling channel failed", err)
}

// StaleStateError means the call or participant moved to a terminal state
// while an operation was in flight. Always resolved by abandoning the local
// operation, never by forcing state back.
func StaleStateError(message string) *AppError {
	return New(ErrCodeStaleState, message)
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

// IsCode reports whether err (or anything it wraps) is an AppError with
// the given code
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
