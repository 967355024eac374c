package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/gestibat/gestibat/pkg/errors"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries the error code and message in responses
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// statusForErrorType maps the application error taxonomy to HTTP statuses
func statusForErrorType(errorType appErrors.ErrorType) int {
	switch errorType {
	case appErrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case appErrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case appErrors.ErrorTypeConflict:
		return http.StatusConflict
	case appErrors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case appErrors.ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case appErrors.ErrorTypeBreakerRejected, appErrors.ErrorTypeResourceRejected:
		return http.StatusServiceUnavailable
	case appErrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse sends an error response, mapping application errors to their
// HTTP status
func ErrorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	apiErr := &APIError{
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred",
	}

	if appErr, ok := appErrors.GetAppError(err); ok {
		status = statusForErrorType(appErr.Type)
		apiErr.Code = appErr.Code
		apiErr.Message = appErr.Message
		apiErr.Details = appErr.Details
	}

	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
