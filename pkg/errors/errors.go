package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeExternal         ErrorType = "external"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeBreakerRejected  ErrorType = "breaker_rejected"
	ErrorTypeResourceRejected ErrorType = "resource_rejected"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithHTTPStatus records the HTTP status returned by an upstream service
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithHTTPStatus(404)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message).
		WithHTTPStatus(429)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewBreakerRejectedError is returned when a circuit breaker refuses admission.
// It is never retried by the same call.
func NewBreakerRejectedError(dependency, reason string) *AppError {
	return NewAppError(ErrorTypeBreakerRejected, "BREAKER_OPEN", reason).
		WithDetail("dependency", dependency)
}

// NewResourceRejectedError is returned when throttling or concurrency limits
// refuse admission before the operation is attempted.
func NewResourceRejectedError(reason string) *AppError {
	return NewAppError(ErrorTypeResourceRejected, "RESOURCE_LIMIT", reason)
}

// Detection-specific errors
func NewDetectionError(entityID, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "DETECTION_ERROR", message).
		WithDetail("entity_id", entityID)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetHTTPStatus returns the upstream HTTP status carried by the error, or 0
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return 0
}

// GetAppError extracts the AppError from an error chain
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// transientMarkers are error substrings that indicate a transient network
// failure regardless of the error's structured type.
var transientMarkers = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ENOTFOUND",
	"ENETUNREACH",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"no such host",
	"network is unreachable",
}

// IsTransient classifies an error as transient/retryable: HTTP 429 or any
// 5xx, a timeout, or a network failure marker in the message. HTTP 400 and
// 404 are explicitly terminal, as are breaker and resource rejections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch GetType(err) {
	case ErrorTypeBreakerRejected, ErrorTypeResourceRejected,
		ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeConflict:
		return false
	case ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	}

	if status := GetHTTPStatus(err); status != 0 {
		if status == 429 {
			return true
		}
		if status >= 500 && status < 600 {
			return true
		}
		if status == 400 || status == 404 {
			return false
		}
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return GetType(err) == ErrorTypeExternal
}
