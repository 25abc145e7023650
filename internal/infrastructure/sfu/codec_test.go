package sfu

import (
	"testing"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func wrapEvent(num protowire.Number, payload []byte) []byte {
	var enc encoder
	enc.message(num, payload)
	return enc.b
}

func trackPublishedPayload(userID, sessionID string, t domain.TrackType, p *domain.Participant) []byte {
	var enc encoder
	enc.string(1, userID)
	enc.string(2, sessionID)
	enc.enum(3, int64(t))
	if p != nil {
		enc.message(4, encodeParticipant(p))
	}
	return enc.b
}

func joinResponsePayload(participants ...*domain.Participant) []byte {
	var cs, enc encoder
	for _, p := range participants {
		cs.message(1, encodeParticipant(p))
	}
	enc.message(1, cs.b)
	enc.enum(3, 20)
	return enc.b
}

func errorEventPayload(msg string, strategy domain.ReconnectionStrategy) []byte {
	var enc encoder
	enc.message(4, encodeError(&Error{Code: 1, Message: msg}))
	enc.enum(5, int64(strategy))
	return enc.b
}

func TestUnmarshalEvent_TrackPublished(t *testing.T) {
	p := &domain.Participant{
		UserID: "u1", SessionID: "s1", Roles: []string{"admin", "user"},
		PublishedTracks:   []domain.TrackType{domain.TrackTypeAudio, domain.TrackTypeVideo},
		TrackLookupPrefix: "abc",
	}
	ev, err := UnmarshalEvent(wrapEvent(16, trackPublishedPayload("u1", "s1", domain.TrackTypeVideo, p)))
	require.NoError(t, err)

	tp, ok := ev.(*TrackPublished)
	require.True(t, ok)
	assert.Equal(t, "u1", tp.UserID)
	assert.Equal(t, domain.TrackTypeVideo, tp.TrackType)
	assert.Equal(t, p, tp.Participant)
	assert.Equal(t, "track_published", tp.Name())
}

func TestUnmarshalEvent_JoinResponse(t *testing.T) {
	ev, err := UnmarshalEvent(wrapEvent(13, joinResponsePayload(
		&domain.Participant{UserID: "a", SessionID: "1"},
		&domain.Participant{UserID: "b", SessionID: "2"},
	)))
	require.NoError(t, err)

	jr := ev.(*JoinResponse)
	require.Len(t, jr.Participants, 2)
	assert.Equal(t, "b", jr.Participants[1].UserID)
	assert.Equal(t, int32(20), jr.FastReconnectDeadlineSeconds)
}

func TestUnmarshalEvent_ErrorAndGoAway(t *testing.T) {
	ev, err := UnmarshalEvent(wrapEvent(18, errorEventPayload("sfu is shutting down", domain.StrategyMigrate)))
	require.NoError(t, err)
	ee := ev.(*ErrorEvent)
	assert.Equal(t, "sfu is shutting down", ee.Error.Message)
	assert.Equal(t, domain.StrategyMigrate, ee.Strategy)

	ev, err = UnmarshalEvent(wrapEvent(20, nil))
	require.NoError(t, err)
	assert.IsType(t, &GoAway{}, ev)
}

func TestUnmarshalEvent_UnknownAndMalformed(t *testing.T) {
	ev, err := UnmarshalEvent(wrapEvent(99, []byte{}))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = UnmarshalEvent([]byte{0x0a, 0x05, 0x01})
	assert.Error(t, err)
}

func TestTrackInfoRoundTrip(t *testing.T) {
	in := domain.TrackInfo{
		TrackID:   "t1",
		TrackType: domain.TrackTypeVideo,
		Mid:       "1",
		Layers:    []domain.VideoLayer{domain.DefaultVideoLayer()},
	}
	out, err := decodeTrackInfo(encodeTrackInfo(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalResponse_Error(t *testing.T) {
	var enc encoder
	enc.string(1, "v=0")
	enc.message(4, encodeError(&Error{Code: 2, Message: "overloaded"}))

	resp, err := unmarshalResponse(MethodSetPublisher, enc.b)
	require.NoError(t, err)
	assert.Equal(t, "v=0", resp.SDP)
	require.NotNil(t, resp.Error)
	assert.Equal(t, int32(2), resp.Error.Code)

	_, err = unmarshalResponse("Nope", nil)
	assert.Error(t, err)
}

func TestMarshalUpdateSubscriptions(t *testing.T) {
	dim := domain.VideoDimension{Width: 640, Height: 360}
	b := marshalUpdateSubscriptions(&ports.UpdateSubscriptionsRequest{
		SessionID: "s",
		Tracks: []domain.SubscribedTrackDetail{
			{UserID: "u", SessionID: "x", TrackType: domain.TrackTypeVideo, Dimension: &dim},
		},
	})

	var got []domain.SubscribedTrackDetail
	require.NoError(t, walk(b, func(f field) error {
		if f.num != 3 {
			return nil
		}
		d, err := decodeSubscription(f.bytes)
		got = append(got, d)
		return err
	}))
	require.Len(t, got, 1)
	assert.Equal(t, &dim, got[0].Dimension)
}
