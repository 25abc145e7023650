package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"streamrtc/internal/core/services"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := services.NewTokenService("secret", time.Minute)
	router := gin.New()
	router.Use(AuthMiddleware(tokens))
	router.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("user_id"))
	})

	valid, err := tokens.CreateToken("operator")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "operator", w.Body.String())
			}
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/app", func(c *gin.Context) {
		c.Error(apperrors.NewNotConnectedError("call not joined"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(assert.AnError)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_CONNECTED")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type staticCall struct{ cid, session string }

func (c staticCall) CallCID() string   { return c.cid }
func (c staticCall) SessionID() string { return c.session }

func TestTracingMiddleware_TagsCall(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(
		TracingMiddleware(staticCall{cid: "default:standup", session: "sess-1"}),
		ErrorHandlerMiddleware(zap.New(core).Sugar()),
	)
	var seenCall, seenSession string
	router.GET("/status", func(c *gin.Context) {
		seenCall = logger.CallFromContext(c.Request.Context())
		seenSession = logger.SessionFromContext(c.Request.Context())
		c.Error(apperrors.NewNotConnectedError("call not joined"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "default:standup", seenCall)
	assert.Equal(t, "sess-1", seenSession)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http.GET /status", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "default:standup", attrs["call.cid"])
	assert.Equal(t, "sess-1", attrs["session.id"])
	assert.Equal(t, "503", attrs["http.status_code"])

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "default:standup", fields["call_cid"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, "/status", fields["path"])
}

func TestTracingMiddleware_WithoutCall(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware(nil), ErrorHandlerMiddleware(zap.New(core).Sugar()))
	router.GET("/plain", func(c *gin.Context) {
		c.Error(assert.AnError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].ContextMap(), "call_cid")
	assert.NotContains(t, entries[0].ContextMap(), "session_id")
}
