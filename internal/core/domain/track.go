package domain

import (
	"fmt"
	"strings"
)

// TrackType values match the SFU protocol enum.
type TrackType int32

const (
	TrackTypeUnspecified TrackType = iota
	TrackTypeAudio
	TrackTypeVideo
	TrackTypeScreenShare
	TrackTypeScreenShareAudio
)

func (t TrackType) String() string {
	switch t {
	case TrackTypeAudio:
		return "audio"
	case TrackTypeVideo:
		return "video"
	case TrackTypeScreenShare:
		return "screenshare"
	case TrackTypeScreenShareAudio:
		return "screenshare_audio"
	default:
		return "unspecified"
	}
}

// ParseTrackType accepts the names produced by String, case-insensitively.
func ParseTrackType(s string) (TrackType, error) {
	switch strings.ToLower(s) {
	case "audio":
		return TrackTypeAudio, nil
	case "video":
		return TrackTypeVideo, nil
	case "screenshare", "screen_share":
		return TrackTypeScreenShare, nil
	case "screenshare_audio", "screen_share_audio":
		return TrackTypeScreenShareAudio, nil
	}
	return TrackTypeUnspecified, fmt.Errorf("unknown track type %q", s)
}

// IsVideo reports whether the track carries video frames.
func (t TrackType) IsVideo() bool {
	return t == TrackTypeVideo || t == TrackTypeScreenShare
}

// TrackKind is the media kind of a local or remote track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

type VideoDimension struct {
	Width  uint32 `yaml:"width" json:"width"`
	Height uint32 `yaml:"height" json:"height"`
}

// Pixels returns width*height.
func (d VideoDimension) Pixels() uint64 {
	return uint64(d.Width) * uint64(d.Height)
}

// VideoLayer describes one simulcast layer of a published video track.
type VideoLayer struct {
	RID       string
	Dimension VideoDimension
	Bitrate   uint32 // bps
	FPS       uint32
}

// TrackInfo is the wire description of a locally published track.
type TrackInfo struct {
	TrackID   string
	TrackType TrackType
	Mid       string
	Layers    []VideoLayer
	Muted     bool
}

// DefaultVideoLayer is used when probing the source times out.
func DefaultVideoLayer() VideoLayer {
	return VideoLayer{
		RID:       "f",
		Dimension: VideoDimension{Width: 1280, Height: 720},
		Bitrate:   1500 * 1000,
		FPS:       30,
	}
}

// PeerType tells the publisher and subscriber transports apart on the wire.
type PeerType int32

const (
	PeerTypePublisher PeerType = iota
	PeerTypeSubscriber
)

func (p PeerType) String() string {
	if p == PeerTypeSubscriber {
		return "subscriber"
	}
	return "publisher"
}

// Short is the suffix used in peer connection ids ("0-pub", "0-sub").
func (p PeerType) Short() string {
	if p == PeerTypeSubscriber {
		return "sub"
	}
	return "pub"
}
