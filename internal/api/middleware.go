package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gestibat/gestibat/pkg/logging"
)

// RequestIDMiddleware assigns each request a unique ID, honoring one supplied
// by the caller
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// LoggingMiddleware logs each request with latency and status
func LoggingMiddleware() gin.HandlerFunc {
	logger := logging.GetLogger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(c),
		)
	}
}

// CORSMiddleware configures cross-origin access for the management UI
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	})
}

// RecoveryMiddleware converts panics into 500 responses without killing the
// process
func RecoveryMiddleware() gin.HandlerFunc {
	logger := logging.GetLogger()
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Request handler panicked",
					"path", c.Request.URL.Path,
					"panic", r,
				)
				c.AbortWithStatusJSON(500, APIResponse{
					Success: false,
					Error: &APIError{
						Code:    "INTERNAL_ERROR",
						Message: "An unexpected error occurred",
					},
					RequestID: requestID(c),
					Timestamp: time.Now(),
				})
			}
		}()
		c.Next()
	}
}
