package http

import (
	"context"
	"net/http"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/infrastructure/monitoring"
	apperrors "streamrtc/pkg/errors"

	"github.com/gin-gonic/gin"
)

// CallStatus is the read side of a call connection.
type CallStatus interface {
	CallCID() string
	State() domain.ConnectionState
	SessionID() string
	Participants(ctx context.Context) ([]*domain.Participant, error)
	Subscriptions() []domain.SubscribedTrackDetail
	ReconnectAttempts() int
}

type StatusHandler struct {
	call    CallStatus
	health  *monitoring.HealthChecker
	metrics http.Handler
	started time.Time
}

func NewStatusHandler(call CallStatus, health *monitoring.HealthChecker, metrics http.Handler) *StatusHandler {
	return &StatusHandler{
		call:    call,
		health:  health,
		metrics: metrics,
		started: time.Now(),
	}
}

// SetupRoutes mounts the probes on router and the call status on protected,
// which may carry authentication.
func (h *StatusHandler) SetupRoutes(router *gin.Engine, protected ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/", protected...)
	{
		api.GET("/status", h.Status)
		api.GET("/status/participants", h.ListParticipants)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"service": "streamrtc-agent",
	})
}

// Ready answers 200 only while the call is joined and every health check
// passes.
func (h *StatusHandler) Ready(c *gin.Context) {
	state := h.call.State()
	checks := monitoring.HealthStatus{Status: "healthy", Checks: map[string]string{}}
	if h.health != nil {
		checks = h.health.CheckAll(c.Request.Context())
	}

	if state != domain.StateJoined || checks.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"state":  string(state),
			"checks": checks.Checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"state":  string(state),
		"checks": checks.Checks,
	})
}

type subscriptionView struct {
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	TrackType string                 `json:"track_type"`
	Dimension *domain.VideoDimension `json:"dimension,omitempty"`
}

func (h *StatusHandler) Status(c *gin.Context) {
	subs := h.call.Subscriptions()
	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, subscriptionView{
			UserID:    s.UserID,
			SessionID: s.SessionID,
			TrackType: s.TrackType.String(),
			Dimension: s.Dimension,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"call_cid":           h.call.CallCID(),
		"state":              string(h.call.State()),
		"session_id":         h.call.SessionID(),
		"reconnect_attempts": h.call.ReconnectAttempts(),
		"subscriptions":      views,
	})
}

func (h *StatusHandler) ListParticipants(c *gin.Context) {
	if h.call.State() != domain.StateJoined {
		c.Error(apperrors.NewNotConnectedError("call is not joined").
			WithContext("state", string(h.call.State())))
		return
	}

	participants, err := h.call.Participants(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to list participants"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"count":        len(participants),
	})
}
