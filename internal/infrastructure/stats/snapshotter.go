package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"streamrtc/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// RawReport maps a stats id to the flattened stats record.
type RawReport map[string]map[string]any

// StatsProvider is the getStats call of a transport peer connection.
type StatsProvider interface {
	Stats(ctx context.Context) (RawReport, error)
}

type pionProvider struct {
	pc *webrtc.PeerConnection
}

// FromPeerConnection adapts a pion peer connection to StatsProvider.
func FromPeerConnection(pc *webrtc.PeerConnection) StatsProvider {
	return &pionProvider{pc: pc}
}

func (p *pionProvider) Stats(ctx context.Context) (RawReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReportFromPion(p.pc.GetStats())
}

// ReportFromPion flattens a pion report into JSON-shaped records.
func ReportFromPion(report webrtc.StatsReport) (RawReport, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stats report: %w", err)
	}
	var out RawReport
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode stats report: %w", err)
	}
	return out, nil
}

// ComputedStats is one sample of a peer connection.
type ComputedStats struct {
	Raw         RawReport
	Delta       map[string]any
	Performance []domain.PerformanceStats
}

const historySize = 3

// Snapshotter samples one peer connection and keeps the previous sample
// for delta compression and performance averaging.
type Snapshotter struct {
	provider StatsProvider
	peerType domain.PeerType

	mu               sync.Mutex
	previous         RawReport
	frameTimeHistory []float64
	fpsHistory       []float64
}

func NewSnapshotter(provider StatsProvider, peerType domain.PeerType) *Snapshotter {
	return &Snapshotter{
		provider: provider,
		peerType: peerType,
		previous: RawReport{},
	}
}

func (s *Snapshotter) PeerType() domain.PeerType {
	return s.peerType
}

// Get reads a report, computes the delta against the previous sample and
// the performance stats of the most relevant video stream.
func (s *Snapshotter) Get(ctx context.Context) (*ComputedStats, error) {
	raw, err := s.provider.Stats(ctx)
	if err != nil {
		return nil, err
	}
	current := s.filter(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	var perf []domain.PerformanceStats
	if s.peerType == domain.PeerTypeSubscriber {
		perf = s.decodeStats(current)
	} else {
		perf = s.encodeStats(current)
	}
	delta := DeltaCompress(s.previous, current)
	s.previous = current

	return &ComputedStats{Raw: raw, Delta: delta, Performance: perf}, nil
}

// filter drops the records that belong to the other direction: a
// subscriber has no outbound-rtp, a publisher no inbound-rtp.
func (s *Snapshotter) filter(report RawReport) RawReport {
	drop := "inbound-rtp"
	if s.peerType == domain.PeerTypeSubscriber {
		drop = "outbound-rtp"
	}
	out := make(RawReport, len(report))
	for id, rec := range report {
		if t, _ := rec["type"].(string); t == drop {
			continue
		}
		out[id] = rec
	}
	return out
}

// DeltaCompress drops every field whose value did not change since old,
// removes the redundant "id" field and records left empty, and hoists the
// newest timestamp to the top level (records carrying it get 0).
func DeltaCompress(old, current RawReport) map[string]any {
	compressed := make(map[string]any, len(current)+1)
	for id, rec := range current {
		prev, seen := old[id]
		out := make(map[string]any, len(rec))
		for k, v := range rec {
			if k == "id" {
				continue
			}
			if seen {
				if pv, ok := prev[k]; ok && reflect.DeepEqual(pv, v) {
					continue
				}
			}
			out[k] = v
		}
		if seen && len(out) == 0 {
			continue
		}
		compressed[id] = out
	}

	var maxTS float64
	for _, rec := range compressed {
		if ts, ok := toFloat(rec.(map[string]any)["timestamp"]); ok && ts > maxTS {
			maxTS = ts
		}
	}
	for _, rec := range compressed {
		m := rec.(map[string]any)
		if ts, ok := toFloat(m["timestamp"]); ok && ts == maxTS {
			m["timestamp"] = 0
		}
	}
	compressed["timestamp"] = maxTS
	return compressed
}

func (s *Snapshotter) encodeStats(current RawReport) []domain.PerformanceStats {
	var (
		bestID   string
		bestRate float64 = -1
	)
	for _, id := range sortedIDs(current) {
		rec := current[id]
		if !isVideo(rec, "outbound-rtp") {
			continue
		}
		if _, ok := s.previous[id]; !ok {
			continue
		}
		if rate := number(rec, "targetBitrate"); rate > bestRate {
			bestRate = rate
			bestID = id
		}
	}
	if bestID == "" {
		return nil
	}
	rec, prev := current[bestID], s.previous[bestID]

	frames := number(rec, "framesSent") - number(prev, "framesSent")
	if frames <= 0 {
		frames = number(rec, "framesEncoded") - number(prev, "framesEncoded")
	}
	frameTime := 0.0
	if frames > 0 {
		frameTime = (number(rec, "totalEncodeTime") - number(prev, "totalEncodeTime")) / frames * 1000
	}
	return []domain.PerformanceStats{s.performance(current, rec, frameTime, int32(number(rec, "targetBitrate")))}
}

func (s *Snapshotter) decodeStats(current RawReport) []domain.PerformanceStats {
	var (
		bestID     string
		bestPixels float64
	)
	for _, id := range sortedIDs(current) {
		rec := current[id]
		if !isVideo(rec, "inbound-rtp") {
			continue
		}
		if px := number(rec, "frameWidth") * number(rec, "frameHeight"); px > bestPixels {
			bestPixels = px
			bestID = id
		}
	}
	if bestID == "" {
		return nil
	}
	prev, ok := s.previous[bestID]
	if !ok {
		return nil
	}
	rec := current[bestID]

	frames := number(rec, "framesDecoded") - number(prev, "framesDecoded")
	frameTime := 0.0
	if frames > 0 {
		frameTime = (number(rec, "totalDecodeTime") - number(prev, "totalDecodeTime")) / frames * 1000
	}
	return []domain.PerformanceStats{s.performance(current, rec, frameTime, 0)}
}

func (s *Snapshotter) performance(report RawReport, rec map[string]any, frameTime float64, targetBitrate int32) domain.PerformanceStats {
	s.frameTimeHistory = pushHistory(s.frameTimeHistory, frameTime)
	s.fpsHistory = pushHistory(s.fpsHistory, number(rec, "framesPerSecond"))

	return domain.PerformanceStats{
		TrackType:      domain.TrackTypeVideo,
		Codec:          codecFor(report, rec),
		AvgFrameTimeMs: float32(average(s.frameTimeHistory)),
		AvgFPS:         float32(average(s.fpsHistory)),
		VideoDimension: domain.VideoDimension{
			Width:  uint32(number(rec, "frameWidth")),
			Height: uint32(number(rec, "frameHeight")),
		},
		TargetBitrate: targetBitrate,
	}
}

func codecFor(report RawReport, rec map[string]any) *domain.Codec {
	codecID, _ := rec["codecId"].(string)
	if codecID == "" {
		return nil
	}
	c, ok := report[codecID]
	if !ok {
		return nil
	}
	mime, _ := c["mimeType"].(string)
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		mime = mime[i+1:]
	}
	return &domain.Codec{
		PayloadType: uint32(number(c, "payloadType")),
		Name:        mime,
		ClockRate:   uint32(number(c, "clockRate")),
	}
}

// Flatten turns a report into a list of records carrying their id.
func Flatten(report RawReport) []map[string]any {
	out := make([]map[string]any, 0, len(report))
	for _, id := range sortedIDs(report) {
		rec := make(map[string]any, len(report[id])+1)
		for k, v := range report[id] {
			rec[k] = v
		}
		rec["id"] = id
		out = append(out, rec)
	}
	return out
}

func isVideo(rec map[string]any, statType string) bool {
	t, _ := rec["type"].(string)
	kind, _ := rec["kind"].(string)
	return t == statType && kind == "video"
}

func sortedIDs(report RawReport) []string {
	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func pushHistory(h []float64, v float64) []float64 {
	h = append(h, v)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	return h
}

func average(h []float64) float64 {
	if len(h) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	return sum / float64(len(h))
}

func number(rec map[string]any, key string) float64 {
	v, _ := toFloat(rec[key])
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
