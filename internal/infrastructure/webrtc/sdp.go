package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// transport attributes shared by every bundled media section
var bundledAttributes = map[string]bool{
	"ice-ufrag":   true,
	"ice-pwd":     true,
	"ice-lite":    true,
	"fingerprint": true,
	"candidate":   true,
}

// PatchSDPOffer copies the port, ICE credentials, fingerprints and
// candidates of the first media section onto every other section, so all
// of them describe the same bundled transport.
func PatchSDPOffer(offer string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("failed to parse sdp offer: %w", err)
	}
	if len(desc.MediaDescriptions) < 2 {
		return offer, nil
	}

	first := desc.MediaDescriptions[0]
	var (
		shared        []sdp.Attribute
		hasCandidates bool
	)
	for _, a := range first.Attributes {
		if bundledAttributes[a.Key] {
			shared = append(shared, a)
			hasCandidates = hasCandidates || a.Key == "candidate"
		}
	}

	for _, media := range desc.MediaDescriptions[1:] {
		media.MediaName.Port = sdp.RangedPort{Value: first.MediaName.Port.Value}

		kept := media.Attributes[:0:0]
		for _, a := range media.Attributes {
			if bundledAttributes[a.Key] || a.Key == "end-of-candidates" {
				continue
			}
			kept = append(kept, a)
		}
		kept = append(kept, shared...)
		if hasCandidates {
			kept = append(kept, sdp.NewPropertyAttribute("end-of-candidates"))
		}
		media.Attributes = kept
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode sdp offer: %w", err)
	}
	return string(out), nil
}

// FixMsidSemantic puts the missing space into "a=msid-semantic:WMS*".
func FixMsidSemantic(s string) string {
	return strings.ReplaceAll(s, "a=msid-semantic:WMS*", "a=msid-semantic:WMS *")
}

// ParseTrackStreamMapping maps each track id announced by an "a=msid"
// line to its stream id.
func ParseTrackStreamMapping(s string) map[string]string {
	mapping := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=msid:") {
			continue
		}
		parts := strings.Fields(strings.TrimPrefix(line, "a=msid:"))
		if len(parts) >= 2 {
			mapping[parts[1]] = parts[0]
		}
	}
	return mapping
}

// TrackMids returns the mid of the media section carrying each track id.
func TrackMids(s string) (map[string]string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return nil, fmt.Errorf("failed to parse sdp: %w", err)
	}
	mids := make(map[string]string)
	for _, media := range desc.MediaDescriptions {
		mid, ok := media.Attribute("mid")
		if !ok {
			continue
		}
		if msid, ok := media.Attribute("msid"); ok {
			if parts := strings.Fields(msid); len(parts) >= 2 {
				mids[parts[1]] = mid
				continue
			}
		}
		for _, a := range media.Attributes {
			// a=ssrc:<ssrc> msid:<stream> <track>
			if a.Key != "ssrc" {
				continue
			}
			if i := strings.Index(a.Value, "msid:"); i >= 0 {
				if parts := strings.Fields(a.Value[i+len("msid:"):]); len(parts) >= 2 {
					mids[parts[1]] = mid
					break
				}
			}
		}
	}
	return mids, nil
}
