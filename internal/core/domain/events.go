package domain

import "time"

// EventType names every event a connection can emit.
type EventType string

const (
	EventConnectionStateChanged EventType = "connection_state_changed"
	EventReconnectionSuccess    EventType = "reconnection_success"
	EventReconnectionFailed     EventType = "reconnection_failed"
	EventNetworkChanged         EventType = "network_changed"
	EventCoordinatorMessage     EventType = "coordinator_message"
	EventParticipantJoined      EventType = "participant_joined"
	EventParticipantLeft        EventType = "participant_left"
	EventTrackPublished         EventType = "track_published"
	EventTrackUnpublished       EventType = "track_unpublished"
	EventTrackAdded             EventType = "track_added"
	EventAudioFrame             EventType = "audio"
	EventCallEnded              EventType = "call_ended"
	EventSFUError               EventType = "sfu_error"
)

// Event is implemented by every concrete event struct.
type Event interface {
	Type() EventType
}

type ConnectionStateChanged struct {
	Previous ConnectionState
	Current  ConnectionState
}

type ReconnectionSuccess struct {
	Strategy ReconnectionStrategy
	Duration time.Duration
}

type ReconnectionFailed struct {
	Reason string
}

type NetworkChanged struct {
	Online bool
	At     time.Time
}

// CoordinatorMessage is one JSON frame of the coordinator socket keyed by its "type".
type CoordinatorMessage struct {
	MessageType string
	Payload     map[string]any
}

type ParticipantJoined struct {
	Participant Participant
}

type ParticipantLeft struct {
	Participant Participant
}

type TrackPublished struct {
	UserID      string
	SessionID   string
	TrackType   TrackType
	Participant *Participant
}

type TrackUnpublished struct {
	UserID      string
	SessionID   string
	TrackType   TrackType
	Participant *Participant
}

// TrackAdded fires when a remote track starts flowing on the subscriber connection.
type TrackAdded struct {
	TrackID     string
	Kind        TrackKind
	Participant *Participant
	Track       any
}

// AudioFrame carries one encoded audio payload from a remote participant.
type AudioFrame struct {
	Participant *Participant
	TrackID     string
	Payload     []byte
	RTPTime     uint32
	Received    time.Time
}

type CallEnded struct {
	Reason string
}

type SFUError struct {
	Code        int32
	Message     string
	ShouldRetry bool
	Strategy    ReconnectionStrategy
}

func (ConnectionStateChanged) Type() EventType { return EventConnectionStateChanged }
func (ReconnectionSuccess) Type() EventType    { return EventReconnectionSuccess }
func (ReconnectionFailed) Type() EventType     { return EventReconnectionFailed }
func (NetworkChanged) Type() EventType         { return EventNetworkChanged }
func (CoordinatorMessage) Type() EventType     { return EventCoordinatorMessage }
func (ParticipantJoined) Type() EventType      { return EventParticipantJoined }
func (ParticipantLeft) Type() EventType        { return EventParticipantLeft }
func (TrackPublished) Type() EventType         { return EventTrackPublished }
func (TrackUnpublished) Type() EventType       { return EventTrackUnpublished }
func (TrackAdded) Type() EventType             { return EventTrackAdded }
func (AudioFrame) Type() EventType             { return EventAudioFrame }
func (CallEnded) Type() EventType              { return EventCallEnded }
func (SFUError) Type() EventType               { return EventSFUError }
