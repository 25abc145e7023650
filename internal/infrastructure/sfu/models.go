package sfu

import (
	"fmt"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"

	"google.golang.org/protobuf/encoding/protowire"
)

// Error is the error message embedded in SFU responses and events.
type Error struct {
	Code        int32
	Message     string
	ShouldRetry bool
}

func decodeError(b []byte) (*Error, error) {
	e := &Error{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.Code = f.i32()
		case 2:
			e.Message = f.str()
		case 3:
			e.ShouldRetry = f.flag()
		}
		return nil
	})
	return e, err
}

func encodeError(e *Error) []byte {
	var enc encoder
	enc.enum(1, int64(e.Code))
	enc.string(2, e.Message)
	enc.bool(3, e.ShouldRetry)
	return enc.b
}

func encodeDimension(d domain.VideoDimension) []byte {
	var enc encoder
	enc.varint(1, uint64(d.Width))
	enc.varint(2, uint64(d.Height))
	return enc.b
}

func decodeDimension(b []byte) (domain.VideoDimension, error) {
	var d domain.VideoDimension
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.Width = f.u32()
		case 2:
			d.Height = f.u32()
		}
		return nil
	})
	return d, err
}

func encodeLayer(l domain.VideoLayer) []byte {
	var enc encoder
	enc.string(1, l.RID)
	enc.message(2, encodeDimension(l.Dimension))
	enc.varint(4, uint64(l.Bitrate))
	enc.varint(5, uint64(l.FPS))
	return enc.b
}

func encodeTrackInfo(t domain.TrackInfo) []byte {
	var enc encoder
	enc.string(1, t.TrackID)
	enc.enum(2, int64(t.TrackType))
	for _, l := range t.Layers {
		enc.message(5, encodeLayer(l))
	}
	enc.string(6, t.Mid)
	enc.bool(10, t.Muted)
	return enc.b
}

func decodeTrackInfo(b []byte) (domain.TrackInfo, error) {
	var t domain.TrackInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.TrackID = f.str()
		case 2:
			t.TrackType = domain.TrackType(f.i32())
		case 5:
			l, err := decodeLayer(f.bytes)
			if err != nil {
				return err
			}
			t.Layers = append(t.Layers, l)
		case 6:
			t.Mid = f.str()
		case 10:
			t.Muted = f.flag()
		}
		return nil
	})
	return t, err
}

func decodeLayer(b []byte) (domain.VideoLayer, error) {
	var l domain.VideoLayer
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			l.RID = f.str()
		case 2:
			d, err := decodeDimension(f.bytes)
			if err != nil {
				return err
			}
			l.Dimension = d
		case 4:
			l.Bitrate = f.u32()
		case 5:
			l.FPS = f.u32()
		}
		return nil
	})
	return l, err
}

func encodeSubscription(d domain.SubscribedTrackDetail) []byte {
	var enc encoder
	enc.string(1, d.UserID)
	enc.string(2, d.SessionID)
	enc.enum(3, int64(d.TrackType))
	if d.Dimension != nil {
		enc.message(4, encodeDimension(*d.Dimension))
	}
	return enc.b
}

func decodeSubscription(b []byte) (domain.SubscribedTrackDetail, error) {
	var d domain.SubscribedTrackDetail
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.UserID = f.str()
		case 2:
			d.SessionID = f.str()
		case 3:
			d.TrackType = domain.TrackType(f.i32())
		case 4:
			dim, err := decodeDimension(f.bytes)
			if err != nil {
				return err
			}
			d.Dimension = &dim
		}
		return nil
	})
	return d, err
}

func encodePerformance(p domain.PerformanceStats) []byte {
	var enc encoder
	enc.enum(1, int64(p.TrackType))
	if p.Codec != nil {
		var c encoder
		c.varint(1, uint64(p.Codec.PayloadType))
		c.string(2, p.Codec.Name)
		c.varint(4, uint64(p.Codec.ClockRate))
		enc.message(2, c.b)
	}
	enc.float(3, p.AvgFrameTimeMs)
	enc.float(4, p.AvgFPS)
	enc.message(5, encodeDimension(p.VideoDimension))
	enc.enum(6, int64(p.TargetBitrate))
	return enc.b
}

func decodeParticipant(b []byte) (*domain.Participant, error) {
	p := &domain.Participant{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.UserID = f.str()
		case 2:
			p.SessionID = f.str()
		case 3:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			for _, v := range vs {
				p.PublishedTracks = append(p.PublishedTracks, domain.TrackType(v))
			}
		case 5:
			p.TrackLookupPrefix = f.str()
		case 10:
			p.Name = f.str()
		case 13:
			p.Roles = append(p.Roles, f.str())
		}
		return nil
	})
	return p, err
}

func encodeParticipant(p *domain.Participant) []byte {
	var enc encoder
	enc.string(1, p.UserID)
	enc.string(2, p.SessionID)
	tracks := make([]uint64, 0, len(p.PublishedTracks))
	for _, t := range p.PublishedTracks {
		tracks = append(tracks, uint64(t))
	}
	enc.packed(3, tracks)
	enc.string(5, p.TrackLookupPrefix)
	enc.string(10, p.Name)
	for _, r := range p.Roles {
		enc.string(13, r)
	}
	return enc.b
}

// Twirp request bodies.

func marshalSetPublisher(r *ports.SetPublisherRequest) []byte {
	var enc encoder
	enc.string(1, r.SDP)
	enc.string(2, r.SessionID)
	for _, t := range r.Tracks {
		enc.message(3, encodeTrackInfo(t))
	}
	return enc.b
}

func marshalUpdateSubscriptions(r *ports.UpdateSubscriptionsRequest) []byte {
	var enc encoder
	enc.string(2, r.SessionID)
	for _, t := range r.Tracks {
		enc.message(3, encodeSubscription(t))
	}
	return enc.b
}

func marshalSendStats(r *ports.SendStatsRequest) []byte {
	var enc encoder
	enc.string(1, r.SessionID)
	enc.string(2, r.SubscriberStats)
	enc.string(3, r.PublisherStats)
	enc.string(4, r.WebRTCVersion)
	enc.string(5, r.SDK)
	enc.string(6, r.SDKVersion)
	enc.string(9, r.RTCStats)
	for _, p := range r.EncodeStats {
		enc.message(10, encodePerformance(p))
	}
	for _, p := range r.DecodeStats {
		enc.message(11, encodePerformance(p))
	}
	return enc.b
}

func marshalSendAnswer(r *ports.SendAnswerRequest) []byte {
	var enc encoder
	enc.enum(1, int64(r.PeerType))
	enc.string(2, r.SDP)
	enc.string(3, r.SessionID)
	return enc.b
}

func marshalICETrickle(r *ports.ICETrickleRequest) []byte {
	var enc encoder
	enc.enum(1, int64(r.PeerType))
	enc.string(2, r.IceCandidate)
	enc.string(3, r.SessionID)
	return enc.b
}

func marshalICERestart(r *ports.ICERestartRequest) []byte {
	var enc encoder
	enc.string(1, r.SessionID)
	enc.enum(2, int64(r.PeerType))
	return enc.b
}

// response is the shape shared by every RPC response: an optional error
// plus the SetPublisher answer fields.
type response struct {
	SDP        string
	SessionID  string
	ICERestart bool
	Error      *Error
}

// errorField is the field number of the embedded error for each method.
var errorField = map[string]protowire.Number{
	MethodSetPublisher:        4,
	MethodUpdateSubscriptions: 4,
	MethodSendStats:           1,
	MethodSendAnswer:          1,
	MethodIceTrickle:          1,
	MethodIceRestart:          1,
}

func unmarshalResponse(method string, b []byte) (*response, error) {
	errNum, ok := errorField[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	r := &response{}
	err := walk(b, func(f field) error {
		if f.num == errNum && f.isBytes() {
			e, err := decodeError(f.bytes)
			if err != nil {
				return err
			}
			r.Error = e
			return nil
		}
		if method != MethodSetPublisher {
			return nil
		}
		switch f.num {
		case 1:
			r.SDP = f.str()
		case 2:
			r.SessionID = f.str()
		case 3:
			r.ICERestart = f.flag()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return r, nil
}
