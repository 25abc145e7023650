package middleware

import (
	"time"

	"streamrtc/pkg/logger"
	"streamrtc/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CallScope names the call the agent serves. The session id changes on
// every reconnect, so it is read per request.
type CallScope interface {
	CallCID() string
	SessionID() string
}

// TracingMiddleware opens a server span per status API request and tags
// both the span and the request context with the current call. call may
// be nil.
func TracingMiddleware(call CallScope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(attribute.String("http.remote_addr", c.ClientIP()))
		if call != nil {
			if cid := call.CallCID(); cid != "" {
				ctx = logger.WithCall(ctx, cid)
				span.SetAttributes(tracing.CallCIDKey.String(cid))
			}
			if sid := call.SessionID(); sid != "" {
				ctx = logger.WithSession(ctx, sid)
				span.SetAttributes(tracing.SessionIDKey.String(sid))
			}
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
