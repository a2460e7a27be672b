package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
	ErrUnauthenticated   = errors.New("not authenticated")
	ErrNotConfigured     = errors.New("not configured")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// AppError represents an application-specific error with an HTTP status code.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// UpstreamError carries the status and raw body of a rejected upstream call so
// handlers can surface them verbatim for diagnosis.
type UpstreamError struct {
	StatusCode int
	Body       string
	AuthIssue  bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
}

// NewUpstreamError creates an UpstreamError for a non-2xx upstream response.
func NewUpstreamError(status int, body string) *UpstreamError {
	return &UpstreamError{StatusCode: status, Body: body}
}

// NewUpstreamAuthError marks an upstream failure as an authentication problem
// with the extraction service's backing credentials.
func NewUpstreamAuthError(body string) *UpstreamError {
	return &UpstreamError{StatusCode: http.StatusForbidden, Body: body, AuthIssue: true}
}

// MapError maps a common error to an AppError with an appropriate HTTP status code.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	// Check for existing AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.AuthIssue {
			return NewAppError(http.StatusForbidden, "Authentication error with the extraction service. Please check your API credentials.", err)
		}
		code := upErr.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return NewAppError(code, fmt.Sprintf("API request failed with status %d", upErr.StatusCode), err)
	}

	// Map sentinel errors
	if errors.Is(err, ErrInvalidInput) {
		return NewAppError(http.StatusBadRequest, "Invalid request", err)
	}
	if errors.Is(err, ErrNotFound) {
		return NewAppError(http.StatusNotFound, "Resource not found", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		return NewAppError(http.StatusUnauthorized, "Authentication required. Please authenticate first.", err)
	}
	if errors.Is(err, ErrNotConfigured) {
		return NewAppError(http.StatusBadRequest, "Organization is not configured", err)
	}
	if errors.Is(err, ErrMalformedResponse) {
		return NewAppError(http.StatusInternalServerError, "Error processing upstream response", err)
	}

	// Default to internal server error
	return NewAppError(http.StatusInternalServerError, "Internal server error", err)
}
