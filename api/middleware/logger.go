package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bindrap/notesWebApp/pkg/logger"
)

// AccessLog writes one entry per request. Server errors log at error level,
// client errors at warn, everything else at info.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", status),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
			logger.Int("bytes", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.String("errors", c.Errors.String()))
		}

		l := logger.FromContext(c.Request.Context(), log)
		switch {
		case status >= 500:
			l.Error("Request failed", fields...)
		case status >= 400:
			l.Warn("Request rejected", fields...)
		default:
			l.Info("Request handled", fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 and logs it with a stack.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.FromContext(c.Request.Context(), log).Error("Handler panicked",
			logger.Any("panic", recovered),
			logger.String("path", c.Request.URL.Path),
			logger.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "Internal server error"})
	})
}
