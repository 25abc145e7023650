package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsCallFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithUser(WithSession(WithCall(context.Background(), "default:abc"), "sess-1"), "agent")
	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "default:abc", fields["call_cid"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, "agent", fields["user_id"])
}

func TestContextLogger_EmptyContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.WithContext(context.Background()).Info("plain")

	assert.Empty(t, logs.All()[0].ContextMap())
	assert.Equal(t, "", CallFromContext(context.Background()))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("nonsense")
	assert.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}
