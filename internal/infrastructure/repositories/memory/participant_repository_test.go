package memory

import (
	"context"
	"testing"

	"streamrtc/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryParticipantRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryParticipantRepository()

	alice := &domain.Participant{
		UserID:            "alice",
		SessionID:         "s-alice",
		Roles:             []string{"host"},
		PublishedTracks:   []domain.TrackType{domain.TrackTypeAudio},
		TrackLookupPrefix: "pa",
	}
	bob := &domain.Participant{UserID: "bob", SessionID: "s-bob", TrackLookupPrefix: "pb"}
	require.NoError(t, repo.Upsert(ctx, bob))
	require.NoError(t, repo.Upsert(ctx, alice))

	got, err := repo.GetBySession(ctx, "s-alice")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	got, err = repo.FindByTrackPrefix(ctx, "pb")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.UserID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s-alice", list[0].SessionID)
	assert.Equal(t, "s-bob", list[1].SessionID)

	require.NoError(t, repo.Remove(ctx, "s-bob"))
	_, err = repo.FindByTrackPrefix(ctx, "pb")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
	assert.ErrorIs(t, repo.Remove(ctx, "s-bob"), domain.ErrParticipantNotFound)
}

func TestMemoryParticipantRepository_UpsertMovesPrefix(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryParticipantRepository()

	require.NoError(t, repo.Upsert(ctx, &domain.Participant{SessionID: "s1", TrackLookupPrefix: "old"}))
	require.NoError(t, repo.Upsert(ctx, &domain.Participant{SessionID: "s1", TrackLookupPrefix: "new"}))

	_, err := repo.FindByTrackPrefix(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
	got, err := repo.FindByTrackPrefix(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestMemoryParticipantRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryParticipantRepository()

	p := &domain.Participant{SessionID: "s1", Roles: []string{"host"}}
	require.NoError(t, repo.Upsert(ctx, p))
	p.Roles[0] = "viewer"

	got, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	got.Roles[0] = "admin"

	again, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"host"}, again.Roles)

	assert.ErrorIs(t, repo.Upsert(ctx, &domain.Participant{}), domain.ErrParticipantNotFound)
}
