package webrtc

import (
	"io"
	"sync"

	"streamrtc/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// RTPSource is a media track that yields RTP packets. Local tracks handed
// to AddTracks and remote tracks received from the SFU both implement it.
type RTPSource interface {
	domain.MediaTrack
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, error)
}

// PacketSource is an RTPSource fed by the application.
type PacketSource struct {
	id      string
	kind    domain.TrackKind
	codec   webrtc.RTPCodecCapability
	packets chan *rtp.Packet

	closeOnce sync.Once
	done      chan struct{}
}

// NewPacketSource creates a source buffering up to buffer packets.
func NewPacketSource(id string, kind domain.TrackKind, codec webrtc.RTPCodecCapability, buffer int) *PacketSource {
	return &PacketSource{
		id:      id,
		kind:    kind,
		codec:   codec,
		packets: make(chan *rtp.Packet, buffer),
		done:    make(chan struct{}),
	}
}

func (s *PacketSource) ID() string                       { return s.id }
func (s *PacketSource) Kind() domain.TrackKind           { return s.kind }
func (s *PacketSource) Codec() webrtc.RTPCodecCapability { return s.codec }

// WriteRTP queues pkt, blocking while the buffer is full. It returns
// io.ErrClosedPipe once the source is closed.
func (s *PacketSource) WriteRTP(pkt *rtp.Packet) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.packets <- pkt:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	}
}

func (s *PacketSource) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-s.packets:
		return pkt, nil
	case <-s.done:
		return nil, io.EOF
	}
}

// Close ends the source. Readers get io.EOF.
func (s *PacketSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type remoteSource struct {
	track *webrtc.TrackRemote
}

// FromRemote adapts a track received on the subscriber connection.
func FromRemote(track *webrtc.TrackRemote) RTPSource {
	return &remoteSource{track: track}
}

func (r *remoteSource) ID() string { return r.track.ID() }

func (r *remoteSource) Kind() domain.TrackKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func (r *remoteSource) Codec() webrtc.RTPCodecCapability { return r.track.Codec().RTPCodecCapability }

func (r *remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
