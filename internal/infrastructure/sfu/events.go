package sfu

import (
	"fmt"

	"streamrtc/internal/core/domain"
)

// ClientDetails identifies the SDK to the SFU.
type ClientDetails struct {
	SDKType      int32
	Major        string
	Minor        string
	Patch        string
	OS           string
	Architecture string
}

type ReconnectDetails struct {
	Strategy          domain.ReconnectionStrategy
	AnnouncedTracks   []domain.TrackInfo
	Subscriptions     []domain.SubscribedTrackDetail
	ReconnectAttempt  uint32
	MigratingFrom     string
	PreviousSessionID string
}

type JoinRequest struct {
	Token            string
	SessionID        string
	SubscriberSDP    string
	PublisherSDP     string
	ClientDetails    ClientDetails
	FastReconnect    bool
	ReconnectDetails *ReconnectDetails
}

func (r *JoinRequest) marshal() []byte {
	var enc encoder
	enc.string(1, r.Token)
	enc.string(2, r.SessionID)
	enc.string(3, r.SubscriberSDP)

	var sdk, osInfo, cd encoder
	sdk.enum(1, int64(r.ClientDetails.SDKType))
	sdk.string(2, r.ClientDetails.Major)
	sdk.string(3, r.ClientDetails.Minor)
	sdk.string(4, r.ClientDetails.Patch)
	osInfo.string(1, r.ClientDetails.OS)
	osInfo.string(3, r.ClientDetails.Architecture)
	cd.message(1, sdk.b)
	cd.message(2, osInfo.b)
	enc.message(4, cd.b)

	enc.bool(6, r.FastReconnect)
	if d := r.ReconnectDetails; d != nil {
		var rd encoder
		rd.enum(1, int64(d.Strategy))
		for _, t := range d.AnnouncedTracks {
			rd.message(3, encodeTrackInfo(t))
		}
		for _, s := range d.Subscriptions {
			rd.message(4, encodeSubscription(s))
		}
		rd.varint(5, uint64(d.ReconnectAttempt))
		rd.string(6, d.MigratingFrom)
		rd.string(7, d.PreviousSessionID)
		enc.message(7, rd.b)
	}
	enc.string(8, r.PublisherSDP)
	return enc.b
}

func marshalJoinRequest(r *JoinRequest) []byte {
	var enc encoder
	enc.message(1, r.marshal())
	return enc.b
}

func marshalHealthCheckRequest(sessionID string) []byte {
	var hc, enc encoder
	hc.string(1, sessionID)
	enc.message(2, hc.b)
	return enc.b
}

func marshalLeaveCallRequest(sessionID, reason string) []byte {
	var lc, enc encoder
	lc.string(1, sessionID)
	lc.string(2, reason)
	enc.message(3, lc.b)
	return enc.b
}

// Event is one SfuEvent payload received on the signaling socket.
type Event interface {
	Name() string
}

type SubscriberOffer struct {
	ICERestart bool
	SDP        string
}

type PublisherAnswer struct {
	SDP string
}

type ICETrickle struct {
	PeerType     domain.PeerType
	IceCandidate string
	SessionID    string
}

type ParticipantJoined struct {
	CallCID     string
	Participant *domain.Participant
}

type ParticipantLeft struct {
	CallCID     string
	Participant *domain.Participant
}

type JoinResponse struct {
	Participants []*domain.Participant
	Reconnected  bool
	// FastReconnectDeadlineSeconds bounds how long a FAST reconnect may take.
	FastReconnectDeadlineSeconds int32
}

type HealthCheckResponse struct{}

type TrackPublished struct {
	UserID      string
	SessionID   string
	TrackType   domain.TrackType
	Participant *domain.Participant
}

type TrackUnpublished struct {
	UserID      string
	SessionID   string
	TrackType   domain.TrackType
	Participant *domain.Participant
}

type ErrorEvent struct {
	Error    *Error
	Strategy domain.ReconnectionStrategy
}

type GoAway struct {
	Reason int32
}

type ICERestart struct {
	PeerType domain.PeerType
}

func (*SubscriberOffer) Name() string     { return "subscriber_offer" }
func (*PublisherAnswer) Name() string     { return "publisher_answer" }
func (*ICETrickle) Name() string          { return "ice_trickle" }
func (*ParticipantJoined) Name() string   { return "participant_joined" }
func (*ParticipantLeft) Name() string     { return "participant_left" }
func (*JoinResponse) Name() string        { return "join_response" }
func (*HealthCheckResponse) Name() string { return "health_check_response" }
func (*TrackPublished) Name() string      { return "track_published" }
func (*TrackUnpublished) Name() string    { return "track_unpublished" }
func (*ErrorEvent) Name() string          { return "error" }
func (*GoAway) Name() string              { return "go_away" }
func (*ICERestart) Name() string          { return "ice_restart" }

// UnmarshalEvent decodes an SfuEvent. Unknown payloads yield a nil event.
func UnmarshalEvent(b []byte) (Event, error) {
	var ev Event
	err := walk(b, func(f field) error {
		if !f.isBytes() {
			return nil
		}
		var err error
		switch f.num {
		case 1:
			ev, err = decodeSubscriberOffer(f.bytes)
		case 2:
			ev, err = decodePublisherAnswer(f.bytes)
		case 5:
			ev, err = decodeICETrickle(f.bytes)
		case 10:
			var e *ParticipantJoined
			e, err = decodeParticipantJoined(f.bytes)
			ev = e
		case 11:
			var e *ParticipantLeft
			e, err = decodeParticipantLeft(f.bytes)
			ev = e
		case 13:
			ev, err = decodeJoinResponse(f.bytes)
		case 14:
			ev = &HealthCheckResponse{}
		case 16:
			ev, err = decodeTrackPublished(f.bytes)
		case 17:
			ev, err = decodeTrackUnpublished(f.bytes)
		case 18:
			ev, err = decodeErrorEvent(f.bytes)
		case 20:
			ev, err = decodeGoAway(f.bytes)
		case 21:
			ev, err = decodeICERestart(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode sfu event: %w", err)
	}
	return ev, nil
}

func decodeSubscriberOffer(b []byte) (Event, error) {
	e := &SubscriberOffer{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.ICERestart = f.flag()
		case 2:
			e.SDP = f.str()
		}
		return nil
	})
}

func decodePublisherAnswer(b []byte) (Event, error) {
	e := &PublisherAnswer{}
	return e, walk(b, func(f field) error {
		if f.num == 1 {
			e.SDP = f.str()
		}
		return nil
	})
}

func decodeICETrickle(b []byte) (Event, error) {
	e := &ICETrickle{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.PeerType = domain.PeerType(f.i32())
		case 2:
			e.IceCandidate = f.str()
		case 3:
			e.SessionID = f.str()
		}
		return nil
	})
}

func decodeParticipantEvent(b []byte) (string, *domain.Participant, error) {
	var (
		cid string
		p   *domain.Participant
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			cid = f.str()
		case 2:
			var err error
			p, err = decodeParticipant(f.bytes)
			return err
		}
		return nil
	})
	return cid, p, err
}

func decodeParticipantJoined(b []byte) (*ParticipantJoined, error) {
	cid, p, err := decodeParticipantEvent(b)
	return &ParticipantJoined{CallCID: cid, Participant: p}, err
}

func decodeParticipantLeft(b []byte) (*ParticipantLeft, error) {
	cid, p, err := decodeParticipantEvent(b)
	return &ParticipantLeft{CallCID: cid, Participant: p}, err
}

func decodeJoinResponse(b []byte) (Event, error) {
	e := &JoinResponse{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 1:
			return walk(f.bytes, func(cs field) error {
				if cs.num != 1 {
					return nil
				}
				p, err := decodeParticipant(cs.bytes)
				if err != nil {
					return err
				}
				e.Participants = append(e.Participants, p)
				return nil
			})
		case 2:
			e.Reconnected = f.flag()
		case 3:
			e.FastReconnectDeadlineSeconds = f.i32()
		}
		return nil
	})
}

func decodeTrackPublished(b []byte) (Event, error) {
	e := &TrackPublished{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.UserID = f.str()
		case 2:
			e.SessionID = f.str()
		case 3:
			e.TrackType = domain.TrackType(f.i32())
		case 4:
			p, err := decodeParticipant(f.bytes)
			if err != nil {
				return err
			}
			e.Participant = p
		}
		return nil
	})
}

func decodeTrackUnpublished(b []byte) (Event, error) {
	e := &TrackUnpublished{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.UserID = f.str()
		case 2:
			e.SessionID = f.str()
		case 3:
			e.TrackType = domain.TrackType(f.i32())
		case 5:
			p, err := decodeParticipant(f.bytes)
			if err != nil {
				return err
			}
			e.Participant = p
		}
		return nil
	})
}

func decodeErrorEvent(b []byte) (Event, error) {
	e := &ErrorEvent{}
	return e, walk(b, func(f field) error {
		switch f.num {
		case 4:
			se, err := decodeError(f.bytes)
			if err != nil {
				return err
			}
			e.Error = se
		case 5:
			e.Strategy = domain.ReconnectionStrategy(f.i32())
		}
		return nil
	})
}

func decodeGoAway(b []byte) (Event, error) {
	e := &GoAway{}
	return e, walk(b, func(f field) error {
		if f.num == 1 {
			e.Reason = f.i32()
		}
		return nil
	})
}

func decodeICERestart(b []byte) (Event, error) {
	e := &ICERestart{}
	return e, walk(b, func(f field) error {
		if f.num == 1 {
			e.PeerType = domain.PeerType(f.i32())
		}
		return nil
	})
}
