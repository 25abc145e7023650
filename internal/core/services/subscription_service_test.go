package services

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/infrastructure/repositories/memory"
	"streamrtc/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSubscriptions(t *testing.T, cfg domain.SubscriptionConfig) (*SubscriptionService, *testutils.MockSignalClient) {
	t.Helper()
	client := &testutils.MockSignalClient{}
	client.On("UpdateSubscriptions", mock.Anything, mock.Anything).Return(nil)
	svc := NewSubscriptionService(
		cfg,
		memory.NewMemoryParticipantRepository(),
		testutils.StaticSession{ID: "own-session", Client: client},
		nil,
		zaptest.NewLogger(t).Sugar(),
	)
	return svc, client
}

func published(userID, sessionID string, t domain.TrackType, roles ...string) domain.TrackPublished {
	return domain.TrackPublished{
		UserID:    userID,
		SessionID: sessionID,
		TrackType: t,
		Participant: &domain.Participant{
			UserID:            userID,
			SessionID:         sessionID,
			Roles:             roles,
			TrackLookupPrefix: "p-" + sessionID,
		},
	}
}

func lastPush(t *testing.T, client *testutils.MockSignalClient) *ports.UpdateSubscriptionsRequest {
	t.Helper()
	var last *ports.UpdateSubscriptionsRequest
	for _, c := range client.Calls {
		if c.Method == "UpdateSubscriptions" {
			last = c.Arguments.Get(1).(*ports.UpdateSubscriptionsRequest)
		}
	}
	require.NotNil(t, last)
	return last
}

func TestSubscriptionService_DefaultPolicyIsAudioOnly(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	require.NoError(t, svc.HandleTrackPublished(ctx, published("alice", "s1", domain.TrackTypeVideo)))
	client.AssertNotCalled(t, "UpdateSubscriptions", mock.Anything, mock.Anything)

	require.NoError(t, svc.HandleTrackPublished(ctx, published("alice", "s1", domain.TrackTypeAudio)))
	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 1)

	req := lastPush(t, client)
	assert.Equal(t, "own-session", req.SessionID)
	assert.Equal(t, []domain.SubscribedTrackDetail{
		{UserID: "alice", SessionID: "s1", TrackType: domain.TrackTypeAudio},
	}, req.Tracks)
}

func TestSubscriptionService_RoleFilters(t *testing.T) {
	cfg := domain.DefaultSubscriptionConfig()
	cfg.RoleFilters = []domain.RoleFilter{
		{Role: "admin", Config: domain.TrackSubscriptionConfig{
			TrackTypes:     []domain.TrackType{domain.TrackTypeAudio},
			VideoDimension: domain.VideoDimension{Width: 320, Height: 240},
		}},
		{Role: "host", Config: domain.TrackSubscriptionConfig{
			TrackTypes:     []domain.TrackType{domain.TrackTypeAudio, domain.TrackTypeVideo},
			VideoDimension: domain.VideoDimension{Width: 640, Height: 480},
		}},
	}
	svc, client := newTestSubscriptions(t, cfg)

	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"no role uses default", nil, false},
		{"unknown role uses default", []string{"guest"}, false},
		{"matching role", []string{"guest", "host"}, true},
		{"first matching role wins", []string{"admin", "host"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &domain.Participant{Roles: tt.roles}
			assert.Equal(t, tt.want, svc.ShouldSubscribe(p, domain.TrackTypeVideo))
		})
	}

	require.NoError(t, svc.HandleTrackPublished(context.Background(), published("bob", "s2", domain.TrackTypeVideo, "host")))
	req := lastPush(t, client)
	require.Len(t, req.Tracks, 1)
	assert.Equal(t, &domain.VideoDimension{Width: 640, Height: 480}, req.Tracks[0].Dimension)
}

func TestSubscriptionService_DuplicatePublishIsIgnored(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleTrackPublished(ctx, published("alice", "s1", domain.TrackTypeAudio)))
	}

	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 1)
	assert.Len(t, svc.Subscriptions(), 1)
}

func TestSubscriptionService_CapIsNeverExceeded(t *testing.T) {
	cfg := domain.DefaultSubscriptionConfig()
	cfg.MaxSubscriptions = 2
	svc, client := newTestSubscriptions(t, cfg)
	ctx := context.Background()

	for _, s := range []string{"s1", "s2", "s3"} {
		require.NoError(t, svc.HandleTrackPublished(ctx, published("user-"+s, s, domain.TrackTypeAudio)))
	}

	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 2)
	assert.Len(t, svc.Subscriptions(), 2)
}

func TestSubscriptionService_UnpublishPushesOnlyOnChange(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	require.NoError(t, svc.HandleTrackPublished(ctx, published("alice", "s1", domain.TrackTypeAudio)))
	require.NoError(t, svc.HandleTrackUnpublished(ctx, domain.TrackUnpublished{UserID: "bob", SessionID: "s2", TrackType: domain.TrackTypeAudio}))
	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 1)

	require.NoError(t, svc.HandleTrackUnpublished(ctx, domain.TrackUnpublished{UserID: "alice", SessionID: "s1", TrackType: domain.TrackTypeAudio}))
	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 2)
	assert.Empty(t, lastPush(t, client).Tracks)

	p, err := svc.roster.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, p.Publishes(domain.TrackTypeAudio))
}

func TestSubscriptionService_RandomSequencesKeepInvariants(t *testing.T) {
	cfg := domain.DefaultSubscriptionConfig()
	cfg.Default.TrackTypes = []domain.TrackType{domain.TrackTypeAudio, domain.TrackTypeVideo}
	cfg.MaxSubscriptions = 4
	svc, client := newTestSubscriptions(t, cfg)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	users := []string{"a", "b", "c", "d"}
	types := []domain.TrackType{domain.TrackTypeAudio, domain.TrackTypeVideo}
	pushes := 0

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		tt := types[rng.Intn(len(types))]
		before := svc.Subscriptions()

		if rng.Intn(2) == 0 {
			require.NoError(t, svc.HandleTrackPublished(ctx, published(u, "s-"+u, tt)))
		} else {
			require.NoError(t, svc.HandleTrackUnpublished(ctx, domain.TrackUnpublished{UserID: u, SessionID: "s-" + u, TrackType: tt}))
		}

		after := svc.Subscriptions()
		if len(after) != len(before) {
			pushes++
		}
		assert.LessOrEqual(t, len(after), cfg.MaxSubscriptions)

		seen := make(map[domain.SubscribedTrackDetail]bool)
		for _, d := range after {
			key := domain.SubscribedTrackDetail{UserID: d.UserID, SessionID: d.SessionID, TrackType: d.TrackType}
			require.False(t, seen[key], "duplicate subscription %+v", key)
			seen[key] = true
		}
	}
	client.AssertNumberOfCalls(t, "UpdateSubscriptions", pushes)
}

func TestSubscriptionService_LoadParticipants(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	err := svc.LoadParticipants(ctx, []*domain.Participant{
		{UserID: "me", SessionID: "own-session", PublishedTracks: []domain.TrackType{domain.TrackTypeAudio}},
		{UserID: "alice", SessionID: "s1", PublishedTracks: []domain.TrackType{domain.TrackTypeAudio, domain.TrackTypeVideo}},
		{UserID: "bob", SessionID: "s2", PublishedTracks: []domain.TrackType{domain.TrackTypeAudio}},
	})
	require.NoError(t, err)

	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 1)
	assert.Equal(t, []domain.SubscribedTrackDetail{
		{UserID: "alice", SessionID: "s1", TrackType: domain.TrackTypeAudio},
		{UserID: "bob", SessionID: "s2", TrackType: domain.TrackTypeAudio},
	}, lastPush(t, client).Tracks)

	participants, err := svc.Participants(ctx)
	require.NoError(t, err)
	assert.Len(t, participants, 3)
}

func TestSubscriptionService_OwnTracksAreNotSubscribed(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	require.NoError(t, svc.HandleTrackPublished(ctx, published("agent", "own-session", domain.TrackTypeAudio)))

	client.AssertNotCalled(t, "UpdateSubscriptions", mock.Anything, mock.Anything)
	assert.Empty(t, svc.Subscriptions())
	assert.Nil(t, svc.ResolveTrack("unknown", "", domain.KindAudio))
}

func TestSubscriptionService_ParticipantLeftDropsSubscriptions(t *testing.T) {
	svc, client := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	ev := published("alice", "s1", domain.TrackTypeAudio)
	require.NoError(t, svc.HandleTrackPublished(ctx, ev))
	require.NoError(t, svc.HandleParticipantLeft(ctx, ev.Participant))

	client.AssertNumberOfCalls(t, "UpdateSubscriptions", 2)
	assert.Empty(t, svc.Subscriptions())
	assert.Nil(t, svc.ResolveTrack("unknown", "", domain.KindAudio))
}

func TestSubscriptionService_PushErrorIsReturned(t *testing.T) {
	client := &testutils.MockSignalClient{}
	client.On("UpdateSubscriptions", mock.Anything, mock.Anything).Return(errors.New("rpc failed"))
	svc := NewSubscriptionService(
		domain.DefaultSubscriptionConfig(),
		memory.NewMemoryParticipantRepository(),
		testutils.StaticSession{ID: "own-session", Client: client},
		nil,
		zaptest.NewLogger(t).Sugar(),
	)

	err := svc.HandleTrackPublished(context.Background(), published("alice", "s1", domain.TrackTypeAudio))
	assert.ErrorContains(t, err, "rpc failed")
	assert.Len(t, svc.Subscriptions(), 1)
}

func TestSubscriptionService_ResolveTrack(t *testing.T) {
	svc, _ := newTestSubscriptions(t, domain.DefaultSubscriptionConfig())
	ctx := context.Background()

	require.NoError(t, svc.HandleTrackPublished(ctx, published("alice", "s1", domain.TrackTypeAudio)))
	require.NoError(t, svc.HandleTrackPublished(ctx, published("bob", "s2", domain.TrackTypeAudio)))

	t.Run("by track id prefix", func(t *testing.T) {
		p := svc.ResolveTrack("p-s2:audio:0", "", domain.KindAudio)
		require.NotNil(t, p)
		assert.Equal(t, "bob", p.UserID)
	})

	t.Run("by stream id prefix", func(t *testing.T) {
		p := svc.ResolveTrack("opaque", "p-s1:stream", domain.KindVideo)
		require.NotNil(t, p)
		assert.Equal(t, "alice", p.UserID)
	})

	t.Run("by publication order", func(t *testing.T) {
		// bob's expectation was consumed by the prefix match above
		p := svc.ResolveTrack("opaque", "", domain.KindAudio)
		require.NotNil(t, p)
		assert.Equal(t, "alice", p.UserID)
		assert.Nil(t, svc.ResolveTrack("opaque", "", domain.KindAudio))
	})

	t.Run("video is never guessed", func(t *testing.T) {
		require.NoError(t, svc.HandleTrackPublished(ctx, published("carol", "s3", domain.TrackTypeAudio)))
		assert.Nil(t, svc.ResolveTrack("opaque", "", domain.KindVideo))
	})
}
