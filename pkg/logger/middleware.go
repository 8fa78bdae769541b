package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Middleware returns a Gin middleware function that logs requests
func Middleware(logger *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			c.Header("X-Request-ID", requestID)
		}

		reqLogger := logger.WithRequestID(requestID)
		if tenant := c.GetHeader("X-Tenant-ID"); tenant != "" {
			reqLogger = reqLogger.WithTenant(tenant)
		}

		c.Set("logger", reqLogger)
		c.Request = c.Request.WithContext(IntoContext(c.Request.Context(), reqLogger))

		start := time.Now()
		c.Next()

		reqLogger.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
