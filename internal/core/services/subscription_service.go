package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"

	"go.uber.org/zap"
)

type expectedTrack struct {
	userID      string
	sessionID   string
	participant *domain.Participant
}

// SubscriptionService decides which remote tracks to receive and keeps the
// SFU subscription list in sync with that decision. It also owns the
// participant roster used to resolve incoming tracks.
type SubscriptionService struct {
	config  domain.SubscriptionConfig
	roster  ports.ParticipantRepository
	session ports.Session
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu            sync.Mutex
	subscriptions []domain.SubscribedTrackDetail
	expectedAudio []expectedTrack
}

func NewSubscriptionService(
	config domain.SubscriptionConfig,
	roster ports.ParticipantRepository,
	session ports.Session,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *SubscriptionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &SubscriptionService{
		config:  config,
		roster:  roster,
		session: session,
		metrics: metrics,
		logger:  logger,
	}
}

// RoleConfig returns the policy of the first participant role that has a
// filter, or the default policy.
func (s *SubscriptionService) RoleConfig(p *domain.Participant) domain.TrackSubscriptionConfig {
	if p != nil {
		for _, role := range p.Roles {
			for _, f := range s.config.RoleFilters {
				if f.Role == role {
					return f.Config
				}
			}
		}
	}
	return s.config.Default
}

func (s *SubscriptionService) ShouldSubscribe(p *domain.Participant, t domain.TrackType) bool {
	return s.RoleConfig(p).Wants(t)
}

func (s *SubscriptionService) detailFor(p *domain.Participant, userID, sessionID string, t domain.TrackType) domain.SubscribedTrackDetail {
	cfg := s.RoleConfig(p)
	detail := domain.SubscribedTrackDetail{UserID: userID, SessionID: sessionID, TrackType: t}
	switch t {
	case domain.TrackTypeVideo:
		dim := cfg.VideoDimension
		detail.Dimension = &dim
	case domain.TrackTypeScreenShare:
		dim := cfg.ScreenshareDimension
		detail.Dimension = &dim
	}
	return detail
}

func (s *SubscriptionService) capReachedLocked() bool {
	return s.config.MaxSubscriptions > 0 && len(s.subscriptions) >= s.config.MaxSubscriptions
}

func (s *SubscriptionService) subscribedLocked(userID, sessionID string, t domain.TrackType) bool {
	for _, d := range s.subscriptions {
		if d.SameTrack(userID, sessionID, t) {
			return true
		}
	}
	return false
}

// HandleTrackPublished records the publication in the roster and, when
// policy and the cap allow, subscribes to the track.
func (s *SubscriptionService) HandleTrackPublished(ctx context.Context, ev domain.TrackPublished) error {
	participant := s.rememberTrack(ctx, ev.Participant, ev.UserID, ev.SessionID, ev.TrackType)
	if ev.SessionID == s.session.SessionID() {
		return nil
	}

	if ev.TrackType == domain.TrackTypeAudio {
		s.mu.Lock()
		s.expectedAudio = append(s.expectedAudio, expectedTrack{
			userID:      ev.UserID,
			sessionID:   ev.SessionID,
			participant: participant,
		})
		s.mu.Unlock()
	}

	if !s.ShouldSubscribe(participant, ev.TrackType) {
		s.logger.Debugw("track filtered by subscription policy",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"track_type", ev.TrackType.String(),
		)
		return nil
	}

	s.mu.Lock()
	if s.subscribedLocked(ev.UserID, ev.SessionID, ev.TrackType) {
		s.mu.Unlock()
		return nil
	}
	if s.capReachedLocked() {
		s.mu.Unlock()
		s.logger.Infow("max subscription limit reached, skipping new track subscription",
			"max_subscriptions", s.config.MaxSubscriptions,
			"user_id", ev.UserID,
			"track_type", ev.TrackType.String(),
		)
		return nil
	}
	s.subscriptions = append(s.subscriptions, s.detailFor(participant, ev.UserID, ev.SessionID, ev.TrackType))
	tracks := s.snapshotLocked()
	s.mu.Unlock()

	return s.push(ctx, tracks)
}

// HandleTrackUnpublished drops the matching subscription. The SFU is only
// told when the list changed.
func (s *SubscriptionService) HandleTrackUnpublished(ctx context.Context, ev domain.TrackUnpublished) error {
	s.forgetTrack(ctx, ev.SessionID, ev.TrackType)

	s.mu.Lock()
	kept := s.subscriptions[:0]
	for _, d := range s.subscriptions {
		if !d.SameTrack(ev.UserID, ev.SessionID, ev.TrackType) {
			kept = append(kept, d)
		}
	}
	changed := len(kept) != len(s.subscriptions)
	s.subscriptions = kept
	s.dropExpectedLocked(func(e expectedTrack) bool {
		return ev.TrackType == domain.TrackTypeAudio && e.userID == ev.UserID && e.sessionID == ev.SessionID
	})
	tracks := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.push(ctx, tracks)
}

// HandleParticipantJoined adds p to the roster.
func (s *SubscriptionService) HandleParticipantJoined(ctx context.Context, p *domain.Participant) error {
	if p == nil {
		return nil
	}
	return s.roster.Upsert(ctx, p)
}

// HandleParticipantLeft removes p from the roster together with every
// subscription to its tracks.
func (s *SubscriptionService) HandleParticipantLeft(ctx context.Context, p *domain.Participant) error {
	if p == nil {
		return nil
	}
	if err := s.roster.Remove(ctx, p.SessionID); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		return err
	}

	s.mu.Lock()
	kept := s.subscriptions[:0]
	for _, d := range s.subscriptions {
		if d.SessionID != p.SessionID {
			kept = append(kept, d)
		}
	}
	changed := len(kept) != len(s.subscriptions)
	s.subscriptions = kept
	s.dropExpectedLocked(func(e expectedTrack) bool { return e.sessionID == p.SessionID })
	tracks := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.push(ctx, tracks)
}

// LoadParticipants seeds the roster from a join response and subscribes to
// everything already published that passes policy, in one update.
func (s *SubscriptionService) LoadParticipants(ctx context.Context, participants []*domain.Participant) error {
	own := s.session.SessionID()

	s.mu.Lock()
	before := len(s.subscriptions)
	for _, p := range participants {
		if p == nil {
			continue
		}
		if err := s.roster.Upsert(ctx, p); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to store participant: %w", err)
		}
		if p.SessionID == own {
			continue
		}
		for _, t := range p.PublishedTracks {
			if !s.ShouldSubscribe(p, t) || s.subscribedLocked(p.UserID, p.SessionID, t) {
				continue
			}
			if s.capReachedLocked() {
				break
			}
			s.subscriptions = append(s.subscriptions, s.detailFor(p, p.UserID, p.SessionID, t))
		}
	}
	changed := len(s.subscriptions) != before
	tracks := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.push(ctx, tracks)
}

// Resync pushes the current list again, e.g. to a new SFU session.
func (s *SubscriptionService) Resync(ctx context.Context) error {
	s.mu.Lock()
	tracks := s.snapshotLocked()
	s.mu.Unlock()
	if len(tracks) == 0 {
		return nil
	}
	return s.push(ctx, tracks)
}

// Subscriptions returns a copy of the current subscription list.
func (s *SubscriptionService) Subscriptions() []domain.SubscribedTrackDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SubscriptionService) snapshotLocked() []domain.SubscribedTrackDetail {
	return append([]domain.SubscribedTrackDetail(nil), s.subscriptions...)
}

func (s *SubscriptionService) push(ctx context.Context, tracks []domain.SubscribedTrackDetail) error {
	s.metrics.SetSubscriptions(len(tracks))

	client := s.session.SignalClient()
	if client == nil {
		s.logger.Debugw("no signal client, subscription update deferred", "tracks", len(tracks))
		return nil
	}
	err := client.UpdateSubscriptions(ctx, &ports.UpdateSubscriptionsRequest{
		SessionID: s.session.SessionID(),
		Tracks:    tracks,
	})
	if err != nil {
		s.logger.Errorw("failed to update subscriptions", "tracks", len(tracks), "error", err)
		return fmt.Errorf("failed to update subscriptions: %w", err)
	}
	s.logger.Infow("updated subscriptions", "tracks", len(tracks))
	return nil
}

func (s *SubscriptionService) rememberTrack(ctx context.Context, p *domain.Participant, userID, sessionID string, t domain.TrackType) *domain.Participant {
	if p == nil {
		if stored, err := s.roster.GetBySession(ctx, sessionID); err == nil {
			p = stored
		} else {
			p = &domain.Participant{UserID: userID, SessionID: sessionID}
		}
	} else {
		c := *p
		c.PublishedTracks = append([]domain.TrackType(nil), p.PublishedTracks...)
		p = &c
	}
	if !p.Publishes(t) {
		p.PublishedTracks = append(p.PublishedTracks, t)
	}
	if err := s.roster.Upsert(ctx, p); err != nil {
		s.logger.Debugw("failed to update roster", "session_id", sessionID, "error", err)
	}
	return p
}

func (s *SubscriptionService) forgetTrack(ctx context.Context, sessionID string, t domain.TrackType) {
	p, err := s.roster.GetBySession(ctx, sessionID)
	if err != nil {
		return
	}
	kept := p.PublishedTracks[:0]
	for _, pt := range p.PublishedTracks {
		if pt != t {
			kept = append(kept, pt)
		}
	}
	p.PublishedTracks = kept
	if err := s.roster.Upsert(ctx, p); err != nil {
		s.logger.Debugw("failed to update roster", "session_id", sessionID, "error", err)
	}
}

func (s *SubscriptionService) dropExpectedLocked(match func(expectedTrack) bool) {
	kept := s.expectedAudio[:0]
	for _, e := range s.expectedAudio {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	s.expectedAudio = kept
}

// ResolveTrack finds the owner of a remote track: by the lookup prefix of
// the track id, then by the prefix of its stream id, then by taking the
// oldest audio publication not yet matched to a track. The last step is a
// guess when several audio-only participants join at once.
func (s *SubscriptionService) ResolveTrack(trackID, streamID string, kind domain.TrackKind) *domain.Participant {
	ctx := context.Background()
	if prefix, ok := domain.TrackIDPrefix(trackID); ok {
		if p, err := s.roster.FindByTrackPrefix(ctx, prefix); err == nil {
			s.consumeExpected(p, kind)
			return p
		}
	}

	if prefix, ok := domain.TrackIDPrefix(streamID); ok {
		if p, err := s.roster.FindByTrackPrefix(ctx, prefix); err == nil {
			s.consumeExpected(p, kind)
			return p
		}
	}

	if kind != domain.KindAudio {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.expectedAudio) == 0 {
		return nil
	}
	next := s.expectedAudio[0]
	s.expectedAudio = s.expectedAudio[1:]
	s.logger.Debugw("resolved audio track by publication order",
		"track_id", trackID,
		"user_id", next.userID,
		"session_id", next.sessionID,
	)
	return next.participant
}

func (s *SubscriptionService) consumeExpected(p *domain.Participant, kind domain.TrackKind) {
	if kind != domain.KindAudio {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.expectedAudio {
		if e.sessionID == p.SessionID {
			s.expectedAudio = append(s.expectedAudio[:i], s.expectedAudio[i+1:]...)
			return
		}
	}
}

// Participants lists the roster.
func (s *SubscriptionService) Participants(ctx context.Context) ([]*domain.Participant, error) {
	return s.roster.List(ctx)
}
