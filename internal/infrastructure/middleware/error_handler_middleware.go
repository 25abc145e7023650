package middleware

import (
	"net/http"

	"streamrtc/pkg/errors"
	"streamrtc/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last error attached by a handler into a
// JSON response. Log lines carry the call and session put on the request
// context by TracingMiddleware.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		reqLog := requestLogger(log, c)

		if appErr := errors.GetAppError(err); appErr != nil {
			status := appErr.HTTPStatus()
			if status >= http.StatusInternalServerError {
				reqLog.Errorw("status request failed", "code", appErr.Code, "message", appErr.Message, "status", status)
			} else {
				reqLog.Infow("status request rejected", "code", appErr.Code, "message", appErr.Message, "status", status)
			}
			c.JSON(status, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		reqLog.Errorw("unhandled error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware answers 500 instead of crashing the agent on a handler panic.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				requestLogger(log, c).Errorw("panic recovered", "panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

func requestLogger(log *zap.SugaredLogger, c *gin.Context) *zap.SugaredLogger {
	log = log.With("method", c.Request.Method, "path", c.Request.URL.Path)
	ctx := c.Request.Context()
	if cid := logger.CallFromContext(ctx); cid != "" {
		log = log.With("call_cid", cid)
	}
	if sid := logger.SessionFromContext(ctx); sid != "" {
		log = log.With("session_id", sid)
	}
	return log
}
