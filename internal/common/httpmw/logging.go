// Package httpmw carries the gin middleware shared by the gateway's HTTP
// surface: request logging tuned to the admin API, and per-request OTel
// spans.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
)

// RequestLogger logs one line per request after the handler returns.
// Health probes stay silent; client errors log at Warn and handler
// failures at Error, so a default info-level deployment only surfaces
// requests that went wrong. Run and session path params are attached
// when the route carries them.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		if path == "/health" {
			return
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if runID := c.Param("runId"); runID != "" {
			fields = append(fields, zap.String("run_id", runID))
		}
		if key := c.Param("key"); key != "" {
			fields = append(fields, zap.String("session_key", key))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("http request failed", fields...)
		case status >= 400:
			log.Warn("http request rejected", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}
