package webrtc

import (
	"context"
	"testing"
	"time"

	"streamrtc/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

// vp8Keyframe builds the first packet of a VP8 keyframe of the given size.
func vp8Keyframe(ts uint32, width, height uint16) *rtp.Packet {
	payload := []byte{
		0x10,             // S=1, PID=0
		0x00, 0x00, 0x00, // frame tag, keyframe
		0x9d, 0x01, 0x2a,
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
	}
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts}, Payload: payload}
}

func interframe(ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts}, Payload: []byte{0x00, 0x01, 0x02}}
}

func TestProbeVideo(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		packets  []*rtp.Packet
		want     domain.VideoLayer
	}{
		{
			name:     "vp8 keyframe and frame spacing",
			mimeType: webrtc.MimeTypeVP8,
			packets:  []*rtp.Packet{vp8Keyframe(0, 640, 480), interframe(3000)},
			want: domain.VideoLayer{
				RID:       "f",
				Dimension: domain.VideoDimension{Width: 640, Height: 480},
				Bitrate:   460 * 1000,
				FPS:       30,
			},
		},
		{
			name:     "non vp8 uses default dimensions",
			mimeType: webrtc.MimeTypeH264,
			packets:  []*rtp.Packet{interframe(0), interframe(0), interframe(6000)},
			want: domain.VideoLayer{
				RID:       "f",
				Dimension: domain.VideoDimension{Width: 1280, Height: 720},
				Bitrate:   1105 * 1000,
				FPS:       15,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan *rtp.Packet, len(tt.packets))
			for _, p := range tt.packets {
				ch <- p
			}
			layer, ok := ProbeVideo(context.Background(), ch, tt.mimeType, time.Second)
			assert.True(t, ok)
			assert.Equal(t, tt.want, layer)
		})
	}
}

func TestProbeVideo_TimeoutReturnsDefault(t *testing.T) {
	ch := make(chan *rtp.Packet)

	start := time.Now()
	layer, ok := ProbeVideo(context.Background(), ch, webrtc.MimeTypeVP8, 20*time.Millisecond)

	assert.False(t, ok)
	assert.Equal(t, domain.DefaultVideoLayer(), layer)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeVideo_KeyframeWithoutTimingUsesDefaultFPS(t *testing.T) {
	ch := make(chan *rtp.Packet, 1)
	ch <- vp8Keyframe(0, 320, 240)
	close(ch)

	layer, ok := ProbeVideo(context.Background(), ch, webrtc.MimeTypeVP8, time.Second)

	assert.True(t, ok)
	assert.Equal(t, domain.VideoDimension{Width: 320, Height: 240}, layer.Dimension)
	assert.Equal(t, uint32(30), layer.FPS)
}

func TestEstimateBitrateKbps(t *testing.T) {
	tests := []struct {
		name               string
		width, height, fps uint32
		want               uint32
	}{
		{"clamped to max", 1920, 1080, 30, 5000},
		{"720p", 1280, 720, 30, 2211},
		{"480p", 854, 480, 30, 737},
		{"clamped to min", 160, 120, 15, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateBitrateKbps(tt.width, tt.height, tt.fps))
		})
	}
}

func TestVP8KeyframeSize_RejectsInterframes(t *testing.T) {
	pkt := vp8Keyframe(0, 640, 480)
	pkt.Payload[1] = 0x01

	_, _, ok := vp8KeyframeSize(pkt.Payload)
	assert.False(t, ok)
}
