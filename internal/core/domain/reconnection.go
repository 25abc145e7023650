package domain

import (
	"sync"
	"time"
)

// MediaTrack is the identity of a local media source.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
}

// Relay fans one source track out to independent consumers.
type Relay interface {
	Source() MediaTrack
	Close() error
}

// PublishedTrack keeps what is needed to publish a local track again after a rejoin.
type PublishedTrack struct {
	Original  MediaTrack
	TrackInfo TrackInfo
	Relay     Relay
}

// ReconnectionInfo is the mutable bookkeeping of the reconnection flow.
// PublishedTracks survives Reset.
type ReconnectionInfo struct {
	mu                   sync.Mutex
	strategy             ReconnectionStrategy
	reason               string
	attempts             int
	lastOfflineTimestamp time.Time
	publishedTracks      map[string]PublishedTrack
	order                []string
}

func NewReconnectionInfo() *ReconnectionInfo {
	return &ReconnectionInfo{publishedTracks: make(map[string]PublishedTrack)}
}

func (r *ReconnectionInfo) Strategy() ReconnectionStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

func (r *ReconnectionInfo) SetStrategy(s ReconnectionStrategy, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
	if reason != "" {
		r.reason = reason
	}
}

func (r *ReconnectionInfo) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *ReconnectionInfo) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *ReconnectionInfo) IncrementAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.attempts
}

func (r *ReconnectionInfo) MarkOffline(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOfflineTimestamp = at
}

func (r *ReconnectionInfo) LastOffline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOfflineTimestamp
}

// Reset clears everything but the published tracks.
func (r *ReconnectionInfo) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = StrategyUnspecified
	r.reason = ""
	r.attempts = 0
	r.lastOfflineTimestamp = time.Time{}
}

// AddPublishedTrack records (or replaces) the entry for trackID, keeping first insertion order.
func (r *ReconnectionInfo) AddPublishedTrack(trackID string, t PublishedTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.publishedTracks[trackID]; !ok {
		r.order = append(r.order, trackID)
	}
	r.publishedTracks[trackID] = t
}

// PublishedTracks returns the entries in publication order.
func (r *ReconnectionInfo) PublishedTracks() []PublishedTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PublishedTrack, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.publishedTracks[id])
	}
	return out
}
