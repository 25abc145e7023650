package sfu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "streamrtc/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type SignalingConfig struct {
	HealthCheckInterval time.Duration
	JoinTimeout         time.Duration
	WriteTimeout        time.Duration
}

func DefaultSignalingConfig() SignalingConfig {
	return SignalingConfig{
		HealthCheckInterval: 10 * time.Second,
		JoinTimeout:         15 * time.Second,
		WriteTimeout:        10 * time.Second,
	}
}

// SignalingClient is the SFU event socket of one session. Events are
// delivered in order on the reader goroutine.
type SignalingClient struct {
	config    SignalingConfig
	conn      *websocket.Conn
	sessionID string
	onEvent   func(Event)
	onClose   func(error)
	logger    *zap.SugaredLogger

	writeMu      sync.Mutex
	closed       atomic.Bool
	lastReceived atomic.Int64
	stop         chan struct{}
}

// DialSignaling opens the socket, sends the join request and waits for the
// join response. onClose is called once if the socket drops while open.
func DialSignaling(
	ctx context.Context,
	url string,
	req *JoinRequest,
	config SignalingConfig,
	onEvent func(Event),
	onClose func(error),
	logger *zap.SugaredLogger,
) (*SignalingClient, *JoinResponse, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, apperrors.NewTransportError("failed to dial sfu", err)
	}

	c := &SignalingClient{
		config:    config,
		conn:      conn,
		sessionID: req.SessionID,
		onEvent:   onEvent,
		onClose:   onClose,
		logger:    logger,
		stop:      make(chan struct{}),
	}

	join, err := c.handshake(ctx, req)
	if err != nil {
		c.closed.Store(true)
		conn.Close()
		return nil, nil, err
	}

	go c.readLoop()
	go c.healthCheckLoop()
	return c, join, nil
}

func (c *SignalingClient) handshake(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	if err := c.write(marshalJoinRequest(req)); err != nil {
		return nil, apperrors.NewTransportError("failed to send join request", err)
	}

	deadline := time.Now().Add(c.config.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, apperrors.NewSignalingError("no join response", err)
	}
	c.touch()

	ev, err := UnmarshalEvent(payload)
	if err != nil {
		return nil, apperrors.NewSignalingError("invalid first message", err)
	}
	switch e := ev.(type) {
	case *JoinResponse:
		return e, nil
	case *ErrorEvent:
		msg := "unknown error"
		if e.Error != nil {
			msg = e.Error.Message
		}
		return nil, apperrors.NewSignalingError("connection failed: "+msg, nil)
	default:
		return nil, apperrors.NewSignalingError("unexpected first message type", nil)
	}
}

func (c *SignalingClient) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Swap(true) {
				c.logger.Warnw("sfu socket closed", "session_id", c.sessionID, "error", err)
				close(c.stop)
				if c.onClose != nil {
					c.onClose(err)
				}
			}
			return
		}
		c.touch()

		ev, err := UnmarshalEvent(payload)
		if err != nil {
			c.logger.Errorw("failed to decode sfu event", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *SignalingClient) healthCheckLoop() {
	if c.config.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.write(marshalHealthCheckRequest(c.sessionID)); err != nil {
				c.logger.Debugw("sfu health check failed", "error", err)
			}
		}
	}
}

func (c *SignalingClient) touch() {
	c.lastReceived.Store(time.Now().UnixNano())
}

func (c *SignalingClient) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// SessionID is the session this socket joined with.
func (c *SignalingClient) SessionID() string {
	return c.sessionID
}

// Healthy reports whether the socket is open and heard from within two
// health check intervals.
func (c *SignalingClient) Healthy() bool {
	if c == nil || c.closed.Load() {
		return false
	}
	if c.config.HealthCheckInterval <= 0 {
		return true
	}
	last := time.Unix(0, c.lastReceived.Load())
	return time.Since(last) < 2*c.config.HealthCheckInterval
}

// Leave tells the SFU the session is going away.
func (c *SignalingClient) Leave(reason string) error {
	if c.closed.Load() {
		return nil
	}
	if err := c.write(marshalLeaveCallRequest(c.sessionID, reason)); err != nil {
		return fmt.Errorf("failed to send leave request: %w", err)
	}
	return nil
}

// Close closes the socket without triggering onClose. It does not wait for
// the reader when called from an event handler.
func (c *SignalingClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
