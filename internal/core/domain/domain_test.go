package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTrack struct{ id string }

func (f fakeTrack) ID() string      { return f.id }
func (f fakeTrack) Kind() TrackKind { return KindAudio }

func TestConnectionState_Predicates(t *testing.T) {
	assert.True(t, StateReconnecting.Recovering())
	assert.True(t, StateMigrating.Recovering())
	assert.True(t, StateReconnectFailed.Recovering())
	assert.False(t, StateJoined.Recovering())
	assert.False(t, StateOffline.Recovering())

	assert.True(t, StateJoined.Terminal())
	assert.True(t, StateLeft.Terminal())
	assert.False(t, StateReconnecting.Terminal())
}

func TestReconnectionStrategy_String(t *testing.T) {
	assert.Equal(t, "FAST", StrategyFast.String())
	assert.Equal(t, "REJOIN", StrategyRejoin.String())
	assert.Equal(t, "MIGRATE", StrategyMigrate.String())
	assert.Equal(t, "DISCONNECT", StrategyDisconnect.String())
	assert.Equal(t, "UNSPECIFIED", ReconnectionStrategy(99).String())
}

func TestTrackIDPrefix(t *testing.T) {
	p, ok := TrackIDPrefix("abc123:TRACK_TYPE_AUDIO:xyz")
	assert.True(t, ok)
	assert.Equal(t, "abc123", p)

	_, ok = TrackIDPrefix("no-colon")
	assert.False(t, ok)
	_, ok = TrackIDPrefix(":leading")
	assert.False(t, ok)
}

func TestParseTrackType(t *testing.T) {
	tt, err := ParseTrackType("Video")
	assert.NoError(t, err)
	assert.Equal(t, TrackTypeVideo, tt)

	_, err = ParseTrackType("hologram")
	assert.Error(t, err)
}

func TestReconnectionInfo_ResetKeepsPublishedTracks(t *testing.T) {
	info := NewReconnectionInfo()
	info.SetStrategy(StrategyRejoin, "ws closed")
	info.IncrementAttempts()
	info.AddPublishedTrack("a1", PublishedTrack{Original: fakeTrack{"a1"}, TrackInfo: TrackInfo{TrackID: "a1", TrackType: TrackTypeAudio}})
	info.AddPublishedTrack("v1", PublishedTrack{Original: fakeTrack{"v1"}, TrackInfo: TrackInfo{TrackID: "v1", TrackType: TrackTypeVideo}})

	info.Reset()

	assert.Equal(t, StrategyUnspecified, info.Strategy())
	assert.Equal(t, "", info.Reason())
	assert.Equal(t, 0, info.Attempts())
	tracks := info.PublishedTracks()
	assert.Len(t, tracks, 2)
	assert.Equal(t, "a1", tracks[0].TrackInfo.TrackID)
	assert.Equal(t, "v1", tracks[1].TrackInfo.TrackID)
}

func TestTrackSubscriptionConfig_Defaults(t *testing.T) {
	cfg := DefaultTrackSubscriptionConfig()
	assert.True(t, cfg.Wants(TrackTypeAudio))
	assert.False(t, cfg.Wants(TrackTypeVideo))
	assert.Equal(t, VideoDimension{Width: 1280, Height: 720}, cfg.VideoDimension)
	assert.Equal(t, VideoDimension{Width: 1920, Height: 1080}, cfg.ScreenshareDimension)
}
