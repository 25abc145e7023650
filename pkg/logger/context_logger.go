package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	callCIDKey ctxKey = iota
	sessionIDKey
	userIDKey
)

// WithCall attaches the call cid ("type:id") to ctx.
func WithCall(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, callCIDKey, cid)
}

// WithSession attaches the SFU session id to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithUser attaches the joining user id to ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// CallFromContext returns the call cid stored in ctx, if any.
func CallFromContext(ctx context.Context) string {
	v, _ := ctx.Value(callCIDKey).(string)
	return v
}

// SessionFromContext returns the session id stored in ctx, if any.
func SessionFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a logger carrying the call, session and user fields found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if cid := CallFromContext(ctx); cid != "" {
		fields = append(fields, zap.String("call_cid", cid))
	}
	if sid := SessionFromContext(ctx); sid != "" {
		fields = append(fields, zap.String("session_id", sid))
	}
	if uid, ok := ctx.Value(userIDKey).(string); ok && uid != "" {
		fields = append(fields, zap.String("user_id", uid))
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugar returns the sugared form of WithContext, which is what components hold.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
