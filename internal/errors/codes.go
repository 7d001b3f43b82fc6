// Package errors defines the sync error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// General errors
	ErrorCodeUnknown        ErrorCode = "UNKNOWN"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeTimeout        ErrorCode = "TIMEOUT"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeServiceDown    ErrorCode = "SERVICE_UNAVAILABLE"

	// Auth errors
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Schema errors
	ErrorCodeVersionSkipExceeded      ErrorCode = "VERSION_SKIP_EXCEEDED"
	ErrorCodeUnsupportedSchemaVersion ErrorCode = "UNSUPPORTED_SCHEMA_VERSION"
	ErrorCodeMigrationLockContention  ErrorCode = "MIGRATION_LOCK_CONTENTION"

	// Pipeline errors
	ErrorCodeDecryptFailed ErrorCode = "DECRYPT_FAILED"
	ErrorCodeArchiveApply  ErrorCode = "ARCHIVE_APPLY_FAILED"
	ErrorCodeCorruptedData ErrorCode = "CORRUPTED_DATA"
)

// Sentinels for errors.Is matching by code
var (
	ErrValidation               = &SyncError{Code: ErrorCodeInvalidRequest}
	ErrUnauthorized             = &SyncError{Code: ErrorCodeUnauthorized}
	ErrNotFound                 = &SyncError{Code: ErrorCodeNotFound}
	ErrVersionSkipExceeded      = &SyncError{Code: ErrorCodeVersionSkipExceeded}
	ErrUnsupportedSchemaVersion = &SyncError{Code: ErrorCodeUnsupportedSchemaVersion}
	ErrMigrationLockContention  = &SyncError{Code: ErrorCodeMigrationLockContention}
	ErrDecryptFailed            = &SyncError{Code: ErrorCodeDecryptFailed}
	ErrArchiveApply             = &SyncError{Code: ErrorCodeArchiveApply}
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches any SyncError carrying the same code
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to an HTTP status
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeInvalidRequest, ErrorCodeVersionSkipExceeded, ErrorCodeUnsupportedSchemaVersion:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrorCodeServiceDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable reports whether the caller may retry after user action
func (e *SyncError) Recoverable() bool {
	switch e.Code {
	case ErrorCodeDecryptFailed, ErrorCodeMigrationLockContention, ErrorCodeArchiveApply:
		return true
	}
	return false
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func Validation(message string) *SyncError {
	return NewSyncError(ErrorCodeInvalidRequest, message, nil)
}

func Validationf(format string, args ...interface{}) *SyncError {
	return NewSyncError(ErrorCodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func Unauthorized(message string, cause error) *SyncError {
	return NewSyncError(ErrorCodeUnauthorized, message, cause)
}

func NotFound(what, id string) *SyncError {
	return NewSyncError(ErrorCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail("id", id)
}

func VersionSkipExceeded(from, to, maxSkip int) *SyncError {
	return NewSyncError(ErrorCodeVersionSkipExceeded,
		fmt.Sprintf("schema version skip from %d to %d exceeds maximum of %d; please update the app", from, to, maxSkip), nil).
		WithDetail("from_version", from).
		WithDetail("to_version", to).
		WithDetail("max_skip", maxSkip)
}

func UnsupportedSchemaVersion(version, minSupported int) *SyncError {
	return NewSyncError(ErrorCodeUnsupportedSchemaVersion,
		fmt.Sprintf("schema version %d is older than the minimum supported %d; please reinstall or reset local data", version, minSupported), nil).
		WithDetail("version", version).
		WithDetail("min_supported", minSupported)
}

func MigrationLockContention(path string, cause error) *SyncError {
	return NewSyncError(ErrorCodeMigrationLockContention,
		fmt.Sprintf("migration lock %s is held by another process", path), cause).
		WithDetail("path", path)
}

func DecryptFailed(opID string, cause error) *SyncError {
	return NewSyncError(ErrorCodeDecryptFailed, fmt.Sprintf("failed to decrypt payload of op %s", opID), cause).
		WithDetail("op_id", opID)
}

func ArchiveApply(opID string, index int, cause error) *SyncError {
	return NewSyncError(ErrorCodeArchiveApply, fmt.Sprintf("archive handler failed on op %s at index %d", opID, index), cause).
		WithDetail("op_id", opID).
		WithDetail("index", index)
}

func CorruptedData(message string, cause error) *SyncError {
	return NewSyncError(ErrorCodeCorruptedData, message, cause)
}

func Internal(message string, cause error) *SyncError {
	return NewSyncError(ErrorCodeInternalError, message, cause)
}

// AsSyncError extracts a SyncError from an error chain
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if se, ok := AsSyncError(err); ok {
		return se.Code
	}
	return ErrorCodeInternalError
}
