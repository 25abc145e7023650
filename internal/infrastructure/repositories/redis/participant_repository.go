package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisParticipantRepository keeps the roster of one call in two hashes,
// participants by session id and session ids by track lookup prefix, so
// several agents in the same call can share it.
type RedisParticipantRepository struct {
	client          *redis.Client
	participantsKey string
	prefixesKey     string
	ttl             time.Duration
}

func NewRedisParticipantRepository(client *redis.Client, callCID string, ttl time.Duration) ports.ParticipantRepository {
	base := fmt.Sprintf("streamrtc:call:%s", callCID)
	return &RedisParticipantRepository{
		client:          client,
		participantsKey: base + ":participants",
		prefixesKey:     base + ":prefixes",
		ttl:             ttl,
	}
}

func (r *RedisParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	if p == nil || p.SessionID == "" {
		return domain.ErrParticipantNotFound
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	old, err := r.GetBySession(ctx, p.SessionID)
	if err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.TrackLookupPrefix != "" && old.TrackLookupPrefix != p.TrackLookupPrefix {
			pipe.HDel(ctx, r.prefixesKey, old.TrackLookupPrefix)
		}
		pipe.HSet(ctx, r.participantsKey, p.SessionID, data)
		if p.TrackLookupPrefix != "" {
			pipe.HSet(ctx, r.prefixesKey, p.TrackLookupPrefix, p.SessionID)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, r.participantsKey, r.ttl)
			pipe.Expire(ctx, r.prefixesKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store participant in redis: %w", err)
	}
	return nil
}

func (r *RedisParticipantRepository) GetBySession(ctx context.Context, sessionID string) (*domain.Participant, error) {
	data, err := r.client.HGet(ctx, r.participantsKey, sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant from redis: %w", err)
	}
	return decodeParticipant(data)
}

func (r *RedisParticipantRepository) FindByTrackPrefix(ctx context.Context, prefix string) (*domain.Participant, error) {
	sessionID, err := r.client.HGet(ctx, r.prefixesKey, prefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve track prefix in redis: %w", err)
	}
	return r.GetBySession(ctx, sessionID)
}

func (r *RedisParticipantRepository) Remove(ctx context.Context, sessionID string) error {
	p, err := r.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.TrackLookupPrefix != "" {
			pipe.HDel(ctx, r.prefixesKey, p.TrackLookupPrefix)
		}
		pipe.HDel(ctx, r.participantsKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete participant from redis: %w", err)
	}
	return nil
}

// List returns the participants ordered by session id. Entries that fail
// to decode are skipped.
func (r *RedisParticipantRepository) List(ctx context.Context) ([]*domain.Participant, error) {
	all, err := r.client.HGetAll(ctx, r.participantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants from redis: %w", err)
	}

	out := make([]*domain.Participant, 0, len(all))
	for _, data := range all {
		p, err := decodeParticipant([]byte(data))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func decodeParticipant(data []byte) (*domain.Participant, error) {
	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
	}
	return &p, nil
}
