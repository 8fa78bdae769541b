package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// Error codes shared by the engine. Callers compare with errors.Is against the
// sentinels below; the code is what the API returns to clients.
const (
	CodeDuplicateEvent      = "DUPLICATE_EVENT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeTransientBackend    = "TRANSIENT_BACKEND_ERROR"
	CodeFatal               = "FATAL_ERROR"
	CodeOverrideForbidden   = "OVERRIDE_FORBIDDEN"
	CodeValidation          = "VALIDATION_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Stack      string `json:"-"`
	cause      error
}

var (
	ErrDuplicateEvent      = &AppError{StatusCode: http.StatusOK, Code: CodeDuplicateEvent, Message: "event already processed"}
	ErrInvalidTransition   = &AppError{StatusCode: http.StatusUnprocessableEntity, Code: CodeInvalidTransition, Message: "transition not allowed"}
	ErrConcurrencyConflict = &AppError{StatusCode: http.StatusConflict, Code: CodeConcurrencyConflict, Message: "concurrent modification"}
	ErrNotFound            = &AppError{StatusCode: http.StatusNotFound, Code: CodeNotFound, Message: "not found"}
	ErrTransientBackend    = &AppError{StatusCode: http.StatusServiceUnavailable, Code: CodeTransientBackend, Message: "backend temporarily unavailable"}
	ErrFatal               = &AppError{StatusCode: http.StatusInternalServerError, Code: CodeFatal, Message: "fatal error"}
	ErrOverrideForbidden   = &AppError{StatusCode: http.StatusForbidden, Code: CodeOverrideForbidden, Message: "override not permitted for actor"}
)

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Is matches any AppError carrying the same code, so wrapped instances compare
// equal to the package sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Stack:      string(debug.Stack()),
	}
}

func derive(base *AppError, cause error, format string, args ...any) *AppError {
	return &AppError{
		StatusCode: base.StatusCode,
		Code:       base.Code,
		Message:    fmt.Sprintf(format, args...),
		cause:      cause,
	}
}

func NewBadRequestError(code string, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

func NewUnauthorizedError(code string, message string) *AppError {
	return NewError(http.StatusUnauthorized, code, message)
}

func NewForbiddenError(code string, message string) *AppError {
	return NewError(http.StatusForbidden, code, message)
}

// NewValidationError reports a malformed request or event.
func NewValidationError(message string) *AppError {
	return NewError(http.StatusBadRequest, CodeValidation, message)
}

// DuplicateEvent reports that an external token was already ingested for the tenant.
func DuplicateEvent(tenantID, token string) *AppError {
	return derive(ErrDuplicateEvent, nil, "event %s already processed for tenant %s", token, tenantID)
}

// InvalidTransition reports a transition absent from the allowed table.
func InvalidTransition(from, to string) *AppError {
	return derive(ErrInvalidTransition, nil, "transition %s -> %s not allowed", from, to)
}

// ConcurrencyConflict reports an exhausted version-guarded write.
func ConcurrencyConflict(conversationID string, attempts int) *AppError {
	return derive(ErrConcurrencyConflict, nil, "conversation %s changed concurrently (%d attempts)", conversationID, attempts)
}

// StaleVersion reports a single version-guarded write that matched no row.
func StaleVersion(conversationID string, version int64) *AppError {
	return derive(ErrConcurrencyConflict, nil, "conversation %s is no longer at version %d", conversationID, version)
}

func NotFound(resource, id string) *AppError {
	return derive(ErrNotFound, nil, "%s %s not found", resource, id)
}

// Transient wraps a backend error the caller should retry later.
func Transient(op string, cause error) *AppError {
	return derive(ErrTransientBackend, cause, "%s failed", op)
}

// Fatal wraps an error that must move the affected conversation to FAILED.
func Fatal(op string, cause error) *AppError {
	return derive(ErrFatal, cause, "%s failed", op)
}

func OverrideForbidden(actor string) *AppError {
	return derive(ErrOverrideForbidden, nil, "actor %q may not force transitions", actor)
}

// Is reports whether err carries the same code as target.
func Is(err error, target *AppError) bool {
	return stderrors.Is(err, target)
}

// IsRetryable reports whether a queue handler should nack err for redelivery.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrTransientBackend) || stderrors.Is(err, ErrConcurrencyConflict)
}
