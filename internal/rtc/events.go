package rtc

import (
	"context"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/infrastructure/sfu"
	"streamrtc/pkg/logger"
)

const callEndedMessage = "call.ended"

// handleSFUEvent runs on the signaling reader of s, so the events of one
// session are handled in order.
func (c *Connection) handleSFUEvent(s *sfuSession, ev sfu.Event) {
	ctx := logger.WithSession(c.ctx, s.id)
	log := c.logs.Sugar(ctx)

	switch e := ev.(type) {
	case *sfu.SubscriberOffer:
		if err := s.pcs.HandleSubscriberOffer(ctx, e.SDP); err != nil {
			log.Errorw("failed to handle subscriber offer", "ice_restart", e.ICERestart, "error", err)
		}

	case *sfu.ICETrickle:
		if err := s.pcs.HandleICETrickle(e.PeerType, e.IceCandidate); err != nil {
			log.Debugw("failed to add ice candidate", "peer_type", e.PeerType.String(), "error", err)
		}

	case *sfu.ParticipantJoined:
		if e.Participant == nil {
			return
		}
		if err := c.subscriptions.HandleParticipantJoined(ctx, e.Participant); err != nil {
			log.Warnw("failed to handle participant joined", "participant_session", e.Participant.SessionID, "error", err)
		}
		c.emitter.Emit(domain.ParticipantJoined{Participant: *e.Participant})

	case *sfu.ParticipantLeft:
		if e.Participant == nil {
			return
		}
		if err := c.subscriptions.HandleParticipantLeft(ctx, e.Participant); err != nil {
			log.Warnw("failed to handle participant left", "participant_session", e.Participant.SessionID, "error", err)
		}
		c.emitter.Emit(domain.ParticipantLeft{Participant: *e.Participant})

	case *sfu.TrackPublished:
		published := domain.TrackPublished{
			UserID:      e.UserID,
			SessionID:   e.SessionID,
			TrackType:   e.TrackType,
			Participant: e.Participant,
		}
		if err := c.subscriptions.HandleTrackPublished(ctx, published); err != nil {
			log.Warnw("failed to handle track published", "track_type", e.TrackType.String(), "error", err)
		}
		c.emitter.Emit(published)

	case *sfu.TrackUnpublished:
		unpublished := domain.TrackUnpublished{
			UserID:      e.UserID,
			SessionID:   e.SessionID,
			TrackType:   e.TrackType,
			Participant: e.Participant,
		}
		if err := c.subscriptions.HandleTrackUnpublished(ctx, unpublished); err != nil {
			log.Warnw("failed to handle track unpublished", "track_type", e.TrackType.String(), "error", err)
		}
		c.emitter.Emit(unpublished)

	case *sfu.ErrorEvent:
		c.handleSFUError(s, e)

	case *sfu.GoAway:
		log.Infow("sfu is going away", "reason", e.Reason)
		if c.current() == s {
			c.reconnect(domain.StrategyMigrate, "go away")
		}

	case *sfu.ICERestart:
		go func() {
			if err := s.pcs.RestartICE(ctx, e.PeerType); err != nil {
				log.Warnw("ice restart requested by sfu failed", "peer_type", e.PeerType.String(), "error", err)
			}
		}()

	case *sfu.HealthCheckResponse, *sfu.JoinResponse, *sfu.PublisherAnswer:
	}
}

func (c *Connection) handleSFUError(s *sfuSession, e *sfu.ErrorEvent) {
	ev := domain.SFUError{Strategy: e.Strategy}
	if e.Error != nil {
		ev.Code = e.Error.Code
		ev.Message = e.Error.Message
		ev.ShouldRetry = e.Error.ShouldRetry
	}
	c.logger.Warnw("sfu error", "code", ev.Code, "message", ev.Message, "strategy", e.Strategy.String())
	c.emitter.Emit(ev)

	if c.current() != s {
		return
	}
	switch e.Strategy {
	case domain.StrategyDisconnect:
		go func() {
			if err := c.Leave(context.Background()); err != nil {
				c.logger.Warnw("error leaving after sfu disconnect", "error", err)
			}
		}()
	case domain.StrategyFast, domain.StrategyRejoin, domain.StrategyMigrate:
		c.reconnect(e.Strategy, "sfu error: "+ev.Message)
	}
}

// handleSFUClose is called when the signaling socket of s drops. Only the
// current session triggers a recovery.
func (c *Connection) handleSFUClose(s *sfuSession, err error) {
	if c.current() != s || c.State() != domain.StateJoined {
		return
	}
	c.logger.Warnw("sfu signaling closed", "session_id", s.id, "error", err)
	c.reconnect(domain.StrategyFast, "sfu socket closed")
}

func (c *Connection) handleCoordinatorMessage(msg domain.CoordinatorMessage) {
	if msg.MessageType != callEndedMessage {
		return
	}
	reason, _ := msg.Payload["reason"].(string)
	c.logger.Infow("call ended by coordinator", "reason", reason)
	c.emitter.Emit(domain.CallEnded{Reason: reason})
	go func() {
		if err := c.Leave(context.Background()); err != nil {
			c.logger.Warnw("error leaving ended call", "error", err)
		}
	}()
}
