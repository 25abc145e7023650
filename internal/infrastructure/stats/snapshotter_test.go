package stats

import (
	"context"
	"errors"
	"testing"

	"streamrtc/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceProvider struct {
	reports []RawReport
	err     error
	calls   int
}

func (p *sequenceProvider) Stats(ctx context.Context) (RawReport, error) {
	if p.err != nil {
		return nil, p.err
	}
	r := p.reports[p.calls]
	p.calls++
	return r, nil
}

func TestDeltaCompress_FirstSampleKeepsEverything(t *testing.T) {
	current := RawReport{
		"a": {"id": "a", "type": "codec", "timestamp": 100.0, "clockRate": 90000.0},
		"b": {"id": "b", "type": "transport", "timestamp": 90.0},
	}
	delta := DeltaCompress(RawReport{}, current)

	assert.Equal(t, 100.0, delta["timestamp"])
	assert.Equal(t, map[string]any{"type": "codec", "timestamp": 0, "clockRate": 90000.0}, delta["a"])
	assert.Equal(t, map[string]any{"type": "transport", "timestamp": 90.0}, delta["b"])
}

func TestDeltaCompress_OnlyChangedFieldSurvives(t *testing.T) {
	first := RawReport{
		"a": {"id": "a", "type": "outbound-rtp", "timestamp": 100.0, "bytesSent": 10.0, "packetsSent": 1.0},
		"b": {"id": "b", "type": "codec", "timestamp": 100.0, "clockRate": 48000.0},
	}
	second := RawReport{
		"a": {"id": "a", "type": "outbound-rtp", "timestamp": 100.0, "bytesSent": 25.0, "packetsSent": 1.0},
		"b": {"id": "b", "type": "codec", "timestamp": 100.0, "clockRate": 48000.0},
	}
	delta := DeltaCompress(first, second)

	assert.Equal(t, map[string]any{
		"a":         map[string]any{"bytesSent": 25.0},
		"timestamp": 0.0,
	}, delta)
}

func TestDeltaCompress_NewRecordAppearsInFull(t *testing.T) {
	first := RawReport{"a": {"id": "a", "timestamp": 100.0}}
	second := RawReport{
		"a": {"id": "a", "timestamp": 200.0},
		"c": {"id": "c", "type": "remote-candidate", "timestamp": 150.0},
	}
	delta := DeltaCompress(first, second)

	assert.Equal(t, 200.0, delta["timestamp"])
	assert.Equal(t, map[string]any{"timestamp": 0}, delta["a"])
	assert.Equal(t, map[string]any{"type": "remote-candidate", "timestamp": 150.0}, delta["c"])
}

func outbound(framesSent, encodeTime, fps, target float64) map[string]any {
	return map[string]any{
		"type": "outbound-rtp", "kind": "video", "codecId": "c1",
		"framesSent": framesSent, "totalEncodeTime": encodeTime,
		"framesPerSecond": fps, "targetBitrate": target,
		"frameWidth": 1280.0, "frameHeight": 720.0,
	}
}

func TestSnapshotter_EncodeStats(t *testing.T) {
	codec := map[string]any{"type": "codec", "mimeType": "video/VP8", "payloadType": 96.0, "clockRate": 90000.0}
	provider := &sequenceProvider{reports: []RawReport{
		{"o1": outbound(0, 0, 30, 1_000_000), "c1": codec},
		{"o1": outbound(30, 0.3, 30, 1_000_000), "c1": codec},
		{"o1": outbound(60, 0.9, 20, 1_000_000), "c1": codec},
	}}
	s := NewSnapshotter(provider, domain.PeerTypePublisher)
	ctx := context.Background()

	first, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, first.Performance, "no previous sample yet")

	second, err := s.Get(ctx)
	require.NoError(t, err)
	require.Len(t, second.Performance, 1)
	perf := second.Performance[0]
	assert.InDelta(t, 10.0, perf.AvgFrameTimeMs, 0.001)
	assert.InDelta(t, 30.0, perf.AvgFPS, 0.001)
	assert.Equal(t, int32(1_000_000), perf.TargetBitrate)
	assert.Equal(t, domain.VideoDimension{Width: 1280, Height: 720}, perf.VideoDimension)
	require.NotNil(t, perf.Codec)
	assert.Equal(t, domain.Codec{PayloadType: 96, Name: "VP8", ClockRate: 90000}, *perf.Codec)

	third, err := s.Get(ctx)
	require.NoError(t, err)
	require.Len(t, third.Performance, 1)
	assert.InDelta(t, 15.0, third.Performance[0].AvgFrameTimeMs, 0.001)
	assert.InDelta(t, 25.0, third.Performance[0].AvgFPS, 0.001)
}

func TestSnapshotter_DecodePicksHighestResolution(t *testing.T) {
	small := func(frames, decode float64) map[string]any {
		return map[string]any{"type": "inbound-rtp", "kind": "video", "frameWidth": 320.0, "frameHeight": 180.0,
			"framesDecoded": frames, "totalDecodeTime": decode}
	}
	large := func(frames, decode float64) map[string]any {
		return map[string]any{"type": "inbound-rtp", "kind": "video", "frameWidth": 1920.0, "frameHeight": 1080.0,
			"framesDecoded": frames, "totalDecodeTime": decode, "framesPerSecond": 24.0}
	}
	provider := &sequenceProvider{reports: []RawReport{
		{"s": small(0, 0), "l": large(0, 0)},
		{"s": small(10, 1), "l": large(10, 0.05)},
	}}
	s := NewSnapshotter(provider, domain.PeerTypeSubscriber)

	_, err := s.Get(context.Background())
	require.NoError(t, err)
	got, err := s.Get(context.Background())
	require.NoError(t, err)

	require.Len(t, got.Performance, 1)
	perf := got.Performance[0]
	assert.Equal(t, uint32(1920), perf.VideoDimension.Width)
	assert.InDelta(t, 5.0, perf.AvgFrameTimeMs, 0.001)
	assert.Equal(t, int32(0), perf.TargetBitrate)
	assert.Nil(t, perf.Codec)
}

func TestSnapshotter_FiltersOtherDirection(t *testing.T) {
	provider := &sequenceProvider{reports: []RawReport{{
		"in":  {"type": "inbound-rtp"},
		"out": {"type": "outbound-rtp"},
	}}}
	s := NewSnapshotter(provider, domain.PeerTypeSubscriber)

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, got.Delta, "in")
	assert.NotContains(t, got.Delta, "out")
	assert.Len(t, got.Raw, 2)
}

func TestSnapshotter_ProviderError(t *testing.T) {
	s := NewSnapshotter(&sequenceProvider{err: errors.New("closed")}, domain.PeerTypePublisher)
	_, err := s.Get(context.Background())
	assert.EqualError(t, err, "closed")
}

func TestFlatten_AddsID(t *testing.T) {
	out := Flatten(RawReport{"b": {"type": "x"}, "a": {"type": "y"}})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0]["id"])
	assert.Equal(t, "b", out[1]["id"])
}
