package domain

// TrackSubscriptionConfig is the subscription policy for one role.
type TrackSubscriptionConfig struct {
	TrackTypes           []TrackType
	VideoDimension       VideoDimension
	ScreenshareDimension VideoDimension
}

// DefaultTrackSubscriptionConfig subscribes to audio only.
func DefaultTrackSubscriptionConfig() TrackSubscriptionConfig {
	return TrackSubscriptionConfig{
		TrackTypes:           []TrackType{TrackTypeAudio},
		VideoDimension:       VideoDimension{Width: 1280, Height: 720},
		ScreenshareDimension: VideoDimension{Width: 1920, Height: 1080},
	}
}

// Wants reports whether t is in the configured track types.
func (c TrackSubscriptionConfig) Wants(t TrackType) bool {
	for _, tt := range c.TrackTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// RoleFilter binds a policy to a role name.
type RoleFilter struct {
	Role   string
	Config TrackSubscriptionConfig
}

// SubscriptionConfig aggregates the default policy, role overrides and an
// optional global cap (MaxSubscriptions <= 0 means unlimited).
type SubscriptionConfig struct {
	Default          TrackSubscriptionConfig
	RoleFilters      []RoleFilter
	MaxSubscriptions int
}

func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{Default: DefaultTrackSubscriptionConfig()}
}

// SubscribedTrackDetail is one entry of the list pushed to the SFU.
type SubscribedTrackDetail struct {
	UserID    string
	SessionID string
	TrackType TrackType
	Dimension *VideoDimension
}

// SameTrack compares identity, ignoring the requested dimension.
func (d SubscribedTrackDetail) SameTrack(userID, sessionID string, t TrackType) bool {
	return d.UserID == userID && d.SessionID == sessionID && d.TrackType == t
}
