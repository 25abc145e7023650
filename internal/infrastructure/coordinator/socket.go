package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/events"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultURI = "wss://chat.stream-io-api.com/api/v2/connect"

type SocketConfig struct {
	URI                 string
	APIKey              string
	Token               string
	UserDetails         map[string]any
	HealthcheckInterval time.Duration
	HealthcheckTimeout  time.Duration
	MaxRetries          int
	BackoffBase         float64
	BackoffFactor       float64
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		URI:                 DefaultURI,
		HealthcheckInterval: 15 * time.Second,
		HealthcheckTimeout:  30 * time.Second,
		MaxRetries:          5,
		BackoffBase:         1.0,
		BackoffFactor:       2.0,
	}
}

// RejoinFunc re-announces the session to the coordinator after a
// reconnection so routing follows the new connection id.
type RejoinFunc func(ctx context.Context, connectionID string) error

// Socket is the coordinator control-plane client. Every inbound frame is
// emitted as a domain.CoordinatorMessage.
type Socket struct {
	config  SocketConfig
	url     string
	dialer  *websocket.Dialer
	emitter *events.Emitter
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	conn         *websocket.Conn
	clientID     string
	connected    bool
	lifetime     context.Context
	stopLifetime context.CancelFunc
	stopTasks    context.CancelFunc
	onRejoin     RejoinFunc
	lastErr      error

	writeMu      sync.Mutex
	reconnecting atomic.Bool
	lastReceived atomic.Int64
	tasks        sync.WaitGroup
	recovery     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSocket(config SocketConfig, emitter *events.Emitter, metrics ports.Metrics, logger *zap.SugaredLogger) *Socket {
	if config.URI == "" {
		config.URI = DefaultURI
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Socket{
		config:  config,
		url:     fmt.Sprintf("%s?api_key=%s&stream-auth-type=jwt", config.URI, url.QueryEscape(config.APIKey)),
		dialer:  websocket.DefaultDialer,
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetRejoinHandler registers the callback run after every successful
// reconnection. It is never run for the initial connection.
func (s *Socket) SetRejoinHandler(fn RejoinFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRejoin = fn
}

// Connect opens the socket, authenticates and returns the first frame.
// A first frame of type "error" or "connection.error" is emitted and then
// returned as an AuthError.
func (s *Socket) Connect(ctx context.Context) (map[string]any, error) {
	if s.Connected() {
		s.logger.Warnw("already connected, disconnecting first")
		s.Disconnect()
	}
	s.logger.Infow("connecting to coordinator", "uri", s.config.URI)

	first, err := s.openSocket(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.connected = true
	s.lastErr = nil
	s.lifetime, s.stopLifetime = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.startTasks()
	return first, nil
}

func (s *Socket) authPayload() map[string]any {
	payload := map[string]any{
		"token":    s.config.Token,
		"products": []string{"video"},
	}
	if len(s.config.UserDetails) > 0 {
		payload["user_details"] = s.config.UserDetails
	}
	return payload
}

func (s *Socket) openSocket(ctx context.Context) (map[string]any, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, apperrors.NewTransportError("websocket connection failed", err)
	}

	if err := conn.WriteJSON(s.authPayload()); err != nil {
		conn.Close()
		return nil, apperrors.NewTransportError("failed to send auth payload", err)
	}

	if d, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(d)
	} else if s.config.HealthcheckTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.config.HealthcheckTimeout))
	}
	_, raw, err := conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, apperrors.NewTransportError("no response from coordinator", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.Close()
		return nil, apperrors.NewTransportError("invalid JSON from server", err)
	}

	msgType, _ := msg["type"].(string)
	if msgType == "error" || msgType == "connection.error" {
		s.logger.Errorw("authentication failed", "message", msg)
		s.emit(msgType, msg)
		conn.Close()
		return nil, apperrors.NewAuthError(fmt.Sprintf("authentication failed: %v", msg))
	}

	s.touch()
	clientID, _ := msg["connection_id"].(string)
	if clientID == "" {
		s.logger.Warnw("no connection_id in server response")
	}

	s.mu.Lock()
	s.conn = conn
	s.clientID = clientID
	s.mu.Unlock()

	s.logger.Infow("connected to coordinator", "connection_id", clientID)
	s.emit(msgType, msg)
	return msg, nil
}

func (s *Socket) emit(msgType string, msg map[string]any) {
	if msgType == "" {
		msgType = "unknown"
	}
	if s.emitter != nil {
		s.emitter.Emit(domain.CoordinatorMessage{MessageType: msgType, Payload: msg})
	}
}

func (s *Socket) touch() {
	s.lastReceived.Store(s.now().UnixNano())
}

// startTasks launches the reader and heartbeat loops on the current socket.
// It refuses once Disconnect has begun.
func (s *Socket) startTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.conn == nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTasks = cancel

	s.tasks.Add(2)
	go s.readLoop(ctx, s.conn)
	go s.heartbeatLoop(ctx)
	return true
}

// cancelTasks stops the loops and closes the current socket. It must not
// be called from one of the loops.
func (s *Socket) cancelTasks(code int, reason string) {
	s.mu.Lock()
	cancel := s.stopTasks
	conn := s.conn
	s.stopTasks = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		if code != 0 {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		}
		s.writeMu.Unlock()
		conn.Close()
	}
	s.tasks.Wait()
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.tasks.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				s.logger.Errorw("websocket connection closed by server", "close_code", ce.Code, "close_reason", ce.Text)
			} else {
				s.logger.Errorw("websocket read failed", "error", err)
			}
			s.triggerReconnect()
			return
		}
		s.touch()

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warnw("failed to parse message as JSON", "error", err)
			continue
		}
		msgType, _ := msg["type"].(string)
		s.emit(msgType, msg)
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	defer s.tasks.Done()
	ticker := time.NewTicker(s.config.HealthcheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, s.lastReceived.Load())
		if elapsed := s.now().Sub(last); elapsed > s.config.HealthcheckTimeout {
			s.metrics.RecordHeartbeat(true)
			s.logger.Warnw("no messages received within timeout period",
				"elapsed", elapsed, "timeout", s.config.HealthcheckTimeout)
			s.triggerReconnect()
			return
		}

		heartbeat := map[string]any{"type": "health.check"}
		if id := s.ConnectionID(); id != "" {
			heartbeat["client_id"] = id
		}
		if err := s.writeJSON(heartbeat); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorw("failed to send heartbeat", "error", err)
			s.triggerReconnect()
			return
		}
		s.metrics.RecordHeartbeat(false)
	}
}

func (s *Socket) writeJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperrors.NewNotConnectedError("coordinator socket is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// triggerReconnect starts one recovery in the background. Concurrent
// triggers collapse into the one already running.
func (s *Socket) triggerReconnect() {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected || !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.logger.Warnw("triggering reconnection")
	s.recovery.Add(1)
	go func() {
		defer s.recovery.Done()
		defer s.reconnecting.Store(false)
		if err := s.reconnect(); err != nil {
			s.logger.Errorw("reconnection failed completely", "error", err)
			s.mu.Lock()
			s.connected = false
			s.lastErr = err
			s.mu.Unlock()
		}
	}()
}

func (s *Socket) reconnect() error {
	s.logger.Infow("starting reconnection process")
	s.cancelTasks(0, "")

	s.mu.Lock()
	ctx := s.lifetime
	s.mu.Unlock()
	if ctx == nil {
		return nil
	}

	var lastErr error
	delays := retry.ExpBackoff(s.config.MaxRetries, s.config.BackoffBase, s.config.BackoffFactor)
	for attempt, delay := range delays {
		s.logger.Infow("reconnection attempt", "attempt", attempt+1, "max_retries", s.config.MaxRetries, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil || !s.active() {
			s.logger.Debugw("connection was closed during backoff, aborting reconnection")
			return nil
		}

		if _, err := s.openSocket(ctx); err != nil {
			if apperrors.IsAuthError(err) {
				s.logger.Errorw("authentication failed during reconnection", "error", err)
				return err
			}
			s.logger.Warnw("reconnection attempt failed", "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		if !s.startTasks() {
			return nil
		}
		s.logger.Infow("reconnection successful")
		s.rejoin(ctx)
		return nil
	}
	s.logger.Errorw("all reconnection attempts failed")
	return apperrors.NewMaxRetriesExceeded(len(delays), lastErr)
}

func (s *Socket) rejoin(ctx context.Context) {
	s.mu.Lock()
	fn := s.onRejoin
	id := s.clientID
	s.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(ctx, id); err != nil {
		s.logger.Warnw("failed to rejoin call after reconnection", "connection_id", id, "error", err)
	}
}

// Disconnect stops the loops and any recovery in flight and closes the
// socket with a normal close code. Safe to call repeatedly.
func (s *Socket) Disconnect() {
	s.logger.Infow("disconnecting from coordinator")
	s.mu.Lock()
	s.connected = false
	s.clientID = ""
	if s.stopLifetime != nil {
		s.stopLifetime()
	}
	s.mu.Unlock()

	s.cancelTasks(websocket.CloseNormalClosure, "client disconnect")
	s.recovery.Wait()
	// A recovery that reopened the socket before noticing the cancellation.
	s.cancelTasks(websocket.CloseNormalClosure, "client disconnect")
	s.reconnecting.Store(false)
}

// Connected reports whether the session is up and a socket is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.conn != nil
}

func (s *Socket) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Err returns why the socket gave up reconnecting, if it did.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
