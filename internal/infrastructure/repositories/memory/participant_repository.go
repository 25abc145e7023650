package memory

import (
	"context"
	"sort"
	"sync"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
)

// MemoryParticipantRepository keeps the roster of one call in memory,
// indexed by session id and by track lookup prefix.
type MemoryParticipantRepository struct {
	participants map[string]*domain.Participant
	byPrefix     map[string]string
	mu           sync.RWMutex
}

func NewMemoryParticipantRepository() ports.ParticipantRepository {
	return &MemoryParticipantRepository{
		participants: make(map[string]*domain.Participant),
		byPrefix:     make(map[string]string),
	}
}

func (r *MemoryParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	if p == nil || p.SessionID == "" {
		return domain.ErrParticipantNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.participants[p.SessionID]; exists && old.TrackLookupPrefix != p.TrackLookupPrefix {
		delete(r.byPrefix, old.TrackLookupPrefix)
	}
	stored := *p
	stored.Roles = append([]string(nil), p.Roles...)
	stored.PublishedTracks = append([]domain.TrackType(nil), p.PublishedTracks...)
	r.participants[p.SessionID] = &stored
	if p.TrackLookupPrefix != "" {
		r.byPrefix[p.TrackLookupPrefix] = p.SessionID
	}
	return nil
}

func (r *MemoryParticipantRepository) GetBySession(ctx context.Context, sessionID string) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[sessionID]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}
	return clone(p), nil
}

func (r *MemoryParticipantRepository) FindByTrackPrefix(ctx context.Context, prefix string) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.byPrefix[prefix]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}
	return clone(r.participants[sessionID]), nil
}

func (r *MemoryParticipantRepository) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[sessionID]
	if !exists {
		return domain.ErrParticipantNotFound
	}
	delete(r.byPrefix, p.TrackLookupPrefix)
	delete(r.participants, sessionID)
	return nil
}

// List returns the participants ordered by session id.
func (r *MemoryParticipantRepository) List(ctx context.Context) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func clone(p *domain.Participant) *domain.Participant {
	c := *p
	c.Roles = append([]string(nil), p.Roles...)
	c.PublishedTracks = append([]domain.TrackType(nil), p.PublishedTracks...)
	return &c
}
