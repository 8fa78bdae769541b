package errors

import (
	"context"
	stderrors "errors"
	"net/http"
)

// FromError converts any error into the AppError rendered to clients.
// Deadline and cancellation errors become TransientBackendError so callers
// retry; anything else unclassified is an internal error.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Transient("request", err)
	}

	return &AppError{
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		cause:      err,
	}
}

// GetErrorCode extracts the error code from an AppError, returns "UNKNOWN_ERROR" if not an AppError
func GetErrorCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}
