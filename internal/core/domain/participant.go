package domain

import "strings"

// Participant is a remote session in the call.
type Participant struct {
	UserID            string      `json:"user_id"`
	SessionID         string      `json:"session_id"`
	Name              string      `json:"name,omitempty"`
	Roles             []string    `json:"roles,omitempty"`
	PublishedTracks   []TrackType `json:"published_tracks,omitempty"`
	TrackLookupPrefix string      `json:"track_lookup_prefix,omitempty"`
}

// HasRole reports whether the participant holds role.
func (p *Participant) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Publishes reports whether t is among the published track types.
func (p *Participant) Publishes(t TrackType) bool {
	for _, pt := range p.PublishedTracks {
		if pt == t {
			return true
		}
	}
	return false
}

// TrackIDPrefix returns the participant part of a "prefix:type:..." track id.
func TrackIDPrefix(trackID string) (string, bool) {
	i := strings.IndexByte(trackID, ':')
	if i <= 0 {
		return "", false
	}
	return trackID[:i], true
}
