package domain

// ConnectionState is the lifecycle state of a call connection.
type ConnectionState string

const (
	StateIdle            ConnectionState = "idle"
	StateJoining         ConnectionState = "joining"
	StateJoined          ConnectionState = "joined"
	StateRinging         ConnectionState = "ringing"
	StateReconnecting    ConnectionState = "reconnecting"
	StateMigrating       ConnectionState = "migrating"
	StateOffline         ConnectionState = "offline"
	StateReconnectFailed ConnectionState = "reconnecting_failed"
	StateLeft            ConnectionState = "left"
)

// Recovering reports whether a reconnection flow owns the connection.
func (s ConnectionState) Recovering() bool {
	return s == StateReconnecting || s == StateMigrating || s == StateReconnectFailed
}

// Terminal reports whether the reconnection loop must stop in this state.
func (s ConnectionState) Terminal() bool {
	return s == StateJoined || s == StateReconnectFailed || s == StateLeft
}

// ReconnectionStrategy values match the SFU protocol enum.
type ReconnectionStrategy int32

const (
	StrategyUnspecified ReconnectionStrategy = iota
	StrategyDisconnect
	StrategyFast
	StrategyRejoin
	StrategyMigrate
)

func (s ReconnectionStrategy) String() string {
	switch s {
	case StrategyFast:
		return "FAST"
	case StrategyRejoin:
		return "REJOIN"
	case StrategyMigrate:
		return "MIGRATE"
	case StrategyDisconnect:
		return "DISCONNECT"
	default:
		return "UNSPECIFIED"
	}
}
