// Package apperrors provides error code definitions for the offline engine.
package apperrors

import "fmt"

// ErrorCode identifies a failure class surfaced to the embedding application.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors: the store is unavailable or a write was rejected.
	// These propagate synchronously to the caller; the UI falls back to
	// "cannot save offline" messaging.
	ErrStorage       ErrorCode = "STORAGE_ERROR"
	ErrStorageClosed ErrorCode = "STORAGE_UNAVAILABLE"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"

	// Delivery errors: never surfaced past the sync coordinator; the record
	// stays pending and the ambient indicator reflects it.
	ErrDeliveryFailed  ErrorCode = "DELIVERY_FAILED"
	ErrDeliveryTimeout ErrorCode = "DELIVERY_TIMEOUT"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"

	// Schema errors: unreadable local data is treated as empty rather than
	// blocking startup.
	ErrSchemaCorrupt ErrorCode = "SCHEMA_CORRUPT"

	// Bridge errors
	ErrBridgeUnavailable ErrorCode = "BRIDGE_UNAVAILABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
