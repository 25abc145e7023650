package ports

import (
	"context"

	"streamrtc/internal/core/domain"
)

// ParticipantRepository is the roster of remote participants of one call.
type ParticipantRepository interface {
	Upsert(ctx context.Context, p *domain.Participant) error
	GetBySession(ctx context.Context, sessionID string) (*domain.Participant, error)
	FindByTrackPrefix(ctx context.Context, prefix string) (*domain.Participant, error)
	Remove(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]*domain.Participant, error)
}
