package ports

import (
	"context"

	"streamrtc/internal/core/domain"
)

// ConnectOptions tell a (re)join how to present itself to the SFU.
type ConnectOptions struct {
	Strategy          domain.ReconnectionStrategy
	Attempt           int
	SessionID         string // empty means a fresh session
	FastReconnect     bool
	MigratingFrom     string
	PreviousSessionID string
}

// StateHolder owns the connection state.
type StateHolder interface {
	State() domain.ConnectionState
	SetState(state domain.ConnectionState)
}

// Reconnectable is the connection the reconnection loop recovers.
type Reconnectable interface {
	StateHolder
	// TransitionState moves to state only from one of the given states and
	// reports whether it did.
	TransitionState(state domain.ConnectionState, from ...domain.ConnectionState) bool
	SessionID() string
	EdgeName() string
	SignalingHealthy() bool
	RestartPublisherICE(ctx context.Context) error
	// ConnectSFU joins an SFU and replaces the current signaling session.
	ConnectSFU(ctx context.Context, opts ConnectOptions) error
	// Teardown closes the current signaling session and peer connections.
	Teardown(ctx context.Context)
	// Detach hands the current signaling session and peer connections
	// over to the caller; the returned func closes them.
	Detach() func()
	RestorePublishedTracks(ctx context.Context) error
	Leave(ctx context.Context) error
}
