package sfu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamrtc/internal/core/domain"
	apperrors "streamrtc/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeSFU answers the join request with first and then runs script.
func fakeSFU(t *testing.T, first []byte, script func(conn *websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var joined bool
		walk(msg, func(f field) error {
			joined = joined || f.num == 1
			return nil
		})
		assert.True(t, joined, "first request must be a join request")

		conn.WriteMessage(websocket.BinaryMessage, first)
		if script != nil {
			script(conn)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSignaling_JoinResponse(t *testing.T) {
	p := &domain.Participant{UserID: "u2", SessionID: "s2"}
	srv := fakeSFU(t, wrapEvent(13, joinResponsePayload(p)), func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, wrapEvent(16, trackPublishedPayload("u2", "s2", domain.TrackTypeAudio, nil)))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	events := make(chan Event, 4)
	client, join, err := DialSignaling(context.Background(), wsURL(srv),
		&JoinRequest{Token: "tok", SessionID: "s1"}, DefaultSignalingConfig(),
		func(e Event) { events <- e }, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer client.Close()

	require.Len(t, join.Participants, 1)
	assert.Equal(t, "s1", client.SessionID())
	assert.True(t, client.Healthy())

	select {
	case ev := <-events:
		tp, ok := ev.(*TrackPublished)
		require.True(t, ok)
		assert.Equal(t, domain.TrackTypeAudio, tp.TrackType)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestDialSignaling_ErrorFirstMessage(t *testing.T) {
	srv := fakeSFU(t, wrapEvent(18, errorEventPayload("invalid token", domain.StrategyDisconnect)), nil)
	defer srv.Close()

	_, _, err := DialSignaling(context.Background(), wsURL(srv), &JoinRequest{}, DefaultSignalingConfig(),
		nil, nil, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignaling))
	assert.Contains(t, err.Error(), "invalid token")
}

func TestSignalingClient_OnCloseWhenServerDrops(t *testing.T) {
	srv := fakeSFU(t, wrapEvent(13, joinResponsePayload()), nil)
	defer srv.Close()

	closed := make(chan error, 1)
	client, _, err := DialSignaling(context.Background(), wsURL(srv), &JoinRequest{}, DefaultSignalingConfig(),
		nil, func(err error) { closed <- err }, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not called")
	}
	assert.False(t, client.Healthy())
	assert.NoError(t, client.Close())
}

func TestSignalingClient_CloseDoesNotCallOnClose(t *testing.T) {
	srv := fakeSFU(t, wrapEvent(13, joinResponsePayload()), func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	called := make(chan struct{}, 1)
	client, _, err := DialSignaling(context.Background(), wsURL(srv), &JoinRequest{}, DefaultSignalingConfig(),
		nil, func(error) { called <- struct{}{} }, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	select {
	case <-called:
		t.Fatal("onClose called after explicit Close")
	case <-time.After(100 * time.Millisecond):
	}
}
