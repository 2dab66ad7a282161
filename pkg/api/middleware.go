package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// requestLogger logs every request at debug level and server errors at warn.
func requestLogger(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Warn("Request failed")
			return
		}
		l.Debug("Request served")
	}
}
