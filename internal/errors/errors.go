// Package errors provides the error codes shared by the offline outbox,
// its replay transport and the admin API.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure class. Codes are stable strings so they can
// cross the websocket, REST and mobile bridge boundaries unchanged.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Persistence errors
	ErrStore     ErrorCode = "STORE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Outbox taxonomy
	ErrTransport           ErrorCode = "TRANSPORT_ERROR"
	ErrRemoteRejection     ErrorCode = "REMOTE_REJECTION"
	ErrUnsupportedBodyKind ErrorCode = "UNSUPPORTED_BODY_KIND"

	// Driver errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// StatusCode carries the HTTP status of a RemoteRejection. Zero otherwise.
	StatusCode int
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

// Rejection builds a REMOTE_REJECTION error for a response with the given status.
func Rejection(statusCode int, message string) *AppError {
	return &AppError{
		Code:       ErrRemoteRejection,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
