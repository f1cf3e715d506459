package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/lemongate/lemongate/internal/common/tracing"
)

// OtelTracing wraps each request in a span named "<method> <route>".
// Without OTEL_EXPORTER_OTLP_ENDPOINT the tracer is a no-op provider, so
// the middleware costs a context swap and nothing else. Run and session
// path params become span attributes so traces join up with the run
// lifecycle spans.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		}
		if runID := c.Param("runId"); runID != "" {
			attrs = append(attrs, attribute.String("gateway.run_id", runID))
		}
		if key := c.Param("key"); key != "" {
			attrs = append(attrs, attribute.String("gateway.session_key", key))
		}
		span.SetAttributes(attrs...)

		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
