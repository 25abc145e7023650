package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"streamrtc/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Relay fans one RTPSource out to any number of consumers: local tracks
// bound to a peer connection and in-process packet readers. The source is
// read by a single pump started with the first consumer.
type Relay struct {
	source RTPSource
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	tracks  map[string]*webrtc.TrackLocalStaticRTP
	readers map[string]chan *rtp.Packet
	started bool
	closed  bool
	done    chan struct{}
}

var _ domain.Relay = (*Relay)(nil)

func NewRelay(source RTPSource, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		source:  source,
		logger:  logger,
		tracks:  make(map[string]*webrtc.TrackLocalStaticRTP),
		readers: make(map[string]chan *rtp.Packet),
		done:    make(chan struct{}),
	}
}

func (r *Relay) Source() domain.MediaTrack { return r.source }

// Subscribe returns a new local track carrying the source packets. The
// track keeps the source id so the SFU sees the same track across
// re-publications.
func (r *Relay) Subscribe(streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(r.source.Codec(), r.source.ID(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, io.ErrClosedPipe
	}
	r.tracks[uuid.NewString()] = track
	r.startLocked()
	return track, nil
}

// Unsubscribe detaches a track returned by Subscribe.
func (r *Relay) Unsubscribe(track *webrtc.TrackLocalStaticRTP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tracks {
		if t == track {
			delete(r.tracks, id)
			return
		}
	}
}

// Packets returns a reader of the source packets and its release func.
// A slow reader loses packets instead of stalling the other consumers.
func (r *Relay) Packets(buffer int) (<-chan *rtp.Packet, func()) {
	ch := make(chan *rtp.Packet, buffer)
	id := uuid.NewString()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.readers[id] = ch
	r.startLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.readers[id]; ok {
				delete(r.readers, id)
				close(c)
			}
		})
	}
}

func (r *Relay) startLocked() {
	if r.started {
		return
	}
	r.started = true
	go r.pump()
}

// Consumers returns the number of attached tracks and readers.
func (r *Relay) Consumers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks) + len(r.readers)
}

func (r *Relay) pump() {
	defer r.Close()
	var forwarded uint64

	for {
		pkt, err := r.source.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warnw("error reading source track", "track_id", r.source.ID(), "error", err)
			}
			return
		}
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.RLock()
		for _, track := range r.tracks {
			if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Warnw("error writing RTP packet to local track", "track_id", r.source.ID(), "error", err)
			}
		}
		for _, ch := range r.readers {
			select {
			case ch <- pkt:
			default:
			}
		}
		consumers := len(r.tracks) + len(r.readers)
		r.mu.RUnlock()

		forwarded++
		if forwarded%500 == 0 {
			r.logger.Debugw("relaying RTP packets",
				"track_id", r.source.ID(),
				"consumers", consumers,
				"sequence", pkt.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

// Close detaches every consumer and ends the readers. The source itself
// is left untouched.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	for id, ch := range r.readers {
		close(ch)
		delete(r.readers, id)
	}
	r.tracks = make(map[string]*webrtc.TrackLocalStaticRTP)
	return nil
}
