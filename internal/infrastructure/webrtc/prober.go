package webrtc

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"streamrtc/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	videoClockRate      = 90000
	minBitrateKbps      = 100
	maxBitrateKbps      = 5000
)

// ProbeVideo watches the first packets of a video source and derives the
// layer published to the SFU: dimensions from a VP8 keyframe header, fps
// from the spacing of frame timestamps and a bitrate estimate from both.
// When nothing usable arrives before timeout it returns the default layer
// and false.
func ProbeVideo(ctx context.Context, packets <-chan *rtp.Packet, mimeType string, timeout time.Duration) (domain.VideoLayer, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vp8 := strings.EqualFold(mimeType, webrtc.MimeTypeVP8)
	var (
		dim       domain.VideoDimension
		haveDim   = !vp8
		fps       uint32
		lastTS    uint32
		haveTS    bool
		probedAny bool
	)
	if !vp8 {
		dim = domain.DefaultVideoLayer().Dimension
	}

	for !haveDim || fps == 0 {
		select {
		case <-ctx.Done():
			if !probedAny {
				return domain.DefaultVideoLayer(), false
			}
			if fps == 0 {
				fps = domain.DefaultVideoLayer().FPS
			}
			return layerFor(dim, fps), true
		case pkt, ok := <-packets:
			if !ok {
				if !probedAny {
					return domain.DefaultVideoLayer(), false
				}
				if fps == 0 {
					fps = domain.DefaultVideoLayer().FPS
				}
				return layerFor(dim, fps), true
			}
			if pkt == nil {
				continue
			}

			if vp8 && !haveDim {
				if w, h, ok := vp8KeyframeSize(pkt.Payload); ok {
					dim = domain.VideoDimension{Width: w, Height: h}
					haveDim = true
					probedAny = true
				}
			}

			if haveTS && pkt.Timestamp != lastTS {
				if delta := pkt.Timestamp - lastTS; delta > 0 && delta < videoClockRate {
					fps = uint32(math.Round(float64(videoClockRate) / float64(delta)))
					probedAny = true
				}
			}
			lastTS = pkt.Timestamp
			haveTS = true
		}
	}
	return layerFor(dim, fps), true
}

func layerFor(dim domain.VideoDimension, fps uint32) domain.VideoLayer {
	if dim.Width == 0 || dim.Height == 0 {
		dim = domain.DefaultVideoLayer().Dimension
	}
	return domain.VideoLayer{
		RID:       "f",
		Dimension: dim,
		Bitrate:   EstimateBitrateKbps(dim.Width, dim.Height, fps) * 1000,
		FPS:       fps,
	}
}

// EstimateBitrateKbps applies a bits-per-pixel budget that shrinks with
// resolution, clamped to [100, 5000] kbps.
func EstimateBitrateKbps(width, height, fps uint32) uint32 {
	var bpp float64
	switch {
	case width >= 1920 && height >= 1080:
		bpp = 0.1
	case width >= 1280 && height >= 720:
		bpp = 0.08
	case width >= 854 && height >= 480:
		bpp = 0.06
	default:
		bpp = 0.05
	}
	kbps := int64(float64(width) * float64(height) * float64(fps) * bpp / 1000)
	if kbps < minBitrateKbps {
		return minBitrateKbps
	}
	if kbps > maxBitrateKbps {
		return maxBitrateKbps
	}
	return uint32(kbps)
}

// vp8KeyframeSize reads the frame size out of the first packet of a VP8
// keyframe.
func vp8KeyframeSize(payload []byte) (uint32, uint32, bool) {
	var desc codecs.VP8Packet
	frame, err := desc.Unmarshal(payload)
	if err != nil || desc.S != 1 || desc.PID != 0 || len(frame) < 10 {
		return 0, 0, false
	}
	// bit 0 of the frame tag is 0 for keyframes
	if frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	w := uint32(binary.LittleEndian.Uint16(frame[6:8]) & 0x3fff)
	h := uint32(binary.LittleEndian.Uint16(frame[8:10]) & 0x3fff)
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return w, h, true
}
