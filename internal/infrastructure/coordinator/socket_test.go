package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/events"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/tests/testutils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type fakeCoordinator struct {
	srv         *httptest.Server
	connections atomic.Int32
	heartbeats  atomic.Int32

	mu    sync.Mutex
	auths []map[string]any
	query []string
}

// newFakeCoordinator answers the auth payload with first, then keeps the
// socket open and counts heartbeats without replying to them.
func newFakeCoordinator(t *testing.T, first map[string]any) *fakeCoordinator {
	f := &fakeCoordinator{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.connections.Add(1)

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		f.mu.Lock()
		f.auths = append(f.auths, auth)
		f.query = append(f.query, r.URL.RawQuery)
		f.mu.Unlock()

		if err := conn.WriteJSON(first); err != nil {
			return
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "health.check" {
				f.heartbeats.Add(1)
			}
		}
	}))
	return f
}

func (f *fakeCoordinator) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestSocket(t *testing.T, f *fakeCoordinator, cfg SocketConfig, emitter *events.Emitter, metrics *testutils.RecordingMetrics) *Socket {
	cfg.URI = f.url()
	cfg.APIKey = "key"
	cfg.Token = "tok"
	if metrics == nil {
		metrics = &testutils.RecordingMetrics{}
	}
	return NewSocket(cfg, emitter, metrics, zaptest.NewLogger(t).Sugar())
}

func TestSocket_ConnectReturnsFirstFrame(t *testing.T) {
	f := newFakeCoordinator(t, map[string]any{"type": "connection.ok", "connection_id": "c1"})
	defer f.srv.Close()

	emitter := events.NewEmitter()
	var got []string
	events.On(emitter, func(m domain.CoordinatorMessage) { got = append(got, m.MessageType) })

	cfg := DefaultSocketConfig()
	cfg.UserDetails = map[string]any{"id": "u1"}
	s := newTestSocket(t, f, cfg, emitter, nil)

	first, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connection.ok", first["type"])
	assert.Equal(t, "c1", s.ConnectionID())
	assert.True(t, s.Connected())
	assert.Equal(t, []string{"connection.ok"}, got)

	f.mu.Lock()
	assert.Equal(t, "tok", f.auths[0]["token"])
	assert.Equal(t, []any{"video"}, f.auths[0]["products"])
	assert.NotNil(t, f.auths[0]["user_details"])
	assert.Equal(t, "api_key=key&stream-auth-type=jwt", f.query[0])
	f.mu.Unlock()

	s.Disconnect()
	assert.False(t, s.Connected())
	assert.Empty(t, s.ConnectionID())
}

func TestSocket_AuthErrorIsNotRetried(t *testing.T) {
	f := newFakeCoordinator(t, map[string]any{"type": "error", "error": map[string]any{"message": "bad token"}})
	defer f.srv.Close()

	emitter := events.NewEmitter()
	var errorEvents int
	events.On(emitter, func(m domain.CoordinatorMessage) {
		if m.MessageType == "error" {
			errorEvents++
		}
	})

	s := newTestSocket(t, f, DefaultSocketConfig(), emitter, nil)
	_, err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
	assert.False(t, s.Connected())
	assert.Equal(t, 1, errorEvents)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.connections.Load())
}

func TestSocket_SendsHeartbeatsWithClientID(t *testing.T) {
	f := newFakeCoordinator(t, map[string]any{"type": "connection.ok", "connection_id": "c1"})
	defer f.srv.Close()

	cfg := DefaultSocketConfig()
	cfg.HealthcheckInterval = 20 * time.Millisecond
	cfg.HealthcheckTimeout = time.Hour
	s := newTestSocket(t, f, cfg, events.NewEmitter(), nil)

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.heartbeats.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	s.Disconnect()
	after := f.heartbeats.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, f.heartbeats.Load(), "no heartbeat after disconnect")
}

func TestSocket_StaleConnectionTriggersOneReconnect(t *testing.T) {
	f := newFakeCoordinator(t, map[string]any{"type": "connection.ok", "connection_id": "c1"})
	defer f.srv.Close()

	cfg := DefaultSocketConfig()
	cfg.HealthcheckInterval = 10 * time.Millisecond
	cfg.HealthcheckTimeout = 30 * time.Millisecond
	cfg.BackoffBase = 60
	metrics := &testutils.RecordingMetrics{}
	s := newTestSocket(t, f, cfg, events.NewEmitter(), metrics)

	_, err := s.Connect(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return metrics.StaleCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, metrics.StaleCount())

	done := make(chan struct{})
	go func() {
		s.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not abort the pending reconnection")
	}
	assert.Equal(t, int32(1), f.connections.Load())
}

func TestSocket_ReconnectAfterServerCloseRejoins(t *testing.T) {
	var (
		connections atomic.Int32
		kill        = make(chan struct{})
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connections.Add(1)

		var auth map[string]any
		if conn.ReadJSON(&auth) != nil {
			return
		}
		id := "c1"
		if n > 1 {
			id = "c2"
		}
		conn.WriteJSON(map[string]any{"type": "connection.ok", "connection_id": id})
		if n == 1 {
			<-kill
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSocket(SocketConfig{
		URI: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "tok",
		HealthcheckInterval: time.Hour, HealthcheckTimeout: time.Hour,
		MaxRetries: 3, BackoffBase: 0.01, BackoffFactor: 1,
	}, events.NewEmitter(), nil, zaptest.NewLogger(t).Sugar())

	rejoined := make(chan string, 1)
	s.SetRejoinHandler(func(ctx context.Context, connectionID string) error {
		rejoined <- connectionID
		return nil
	})

	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	close(kill)

	select {
	case id := <-rejoined:
		assert.Equal(t, "c2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("rejoin not called after reconnection")
	}
	assert.Eventually(t, s.Connected, time.Second, 10*time.Millisecond)
	s.Disconnect()
}

func TestSocket_DisconnectIsIdempotent(t *testing.T) {
	s := NewSocket(DefaultSocketConfig(), nil, nil, zaptest.NewLogger(t).Sugar())
	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.Connected())
}

func TestSocket_EmitsInboundFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var auth map[string]any
		conn.ReadJSON(&auth)
		conn.WriteJSON(map[string]any{"type": "connection.ok", "connection_id": "c1"})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		raw, _ := json.Marshal(map[string]any{"type": "call.session_participant_joined", "call_cid": "default:1"})
		conn.WriteMessage(websocket.TextMessage, raw)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	emitter := events.NewEmitter()
	got := make(chan domain.CoordinatorMessage, 4)
	events.On(emitter, func(m domain.CoordinatorMessage) { got <- m })

	s := NewSocket(SocketConfig{URI: "ws" + strings.TrimPrefix(srv.URL, "http"),
		HealthcheckInterval: time.Hour, HealthcheckTimeout: time.Hour},
		emitter, nil, zaptest.NewLogger(t).Sugar())
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	defer s.Disconnect()

	<-got // connection.ok
	select {
	case m := <-got:
		assert.Equal(t, "call.session_participant_joined", m.MessageType)
		assert.Equal(t, "default:1", m.Payload["call_cid"])
	case <-time.After(2 * time.Second):
		t.Fatal("frame not emitted")
	}
}
