package domain

import "errors"

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTrackNotFound       = errors.New("track not found")
	ErrNoPublisher         = errors.New("publisher peer connection not established")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrNoTracks            = errors.New("no tracks to publish")
)
