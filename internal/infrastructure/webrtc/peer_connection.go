package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/events"
	"streamrtc/internal/infrastructure/stats"
	apperrors "streamrtc/pkg/errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultGatherTimeout  = 5 * time.Second
	audioFrameBuffer      = 64
	probeBuffer           = 256
)

type PortRange struct {
	Min uint16
	Max uint16
}

// Config configures the publisher and subscriber peer connections.
type Config struct {
	ICEServers     []webrtc.ICEServer
	PortRange      PortRange
	ConnectTimeout time.Duration
	GatherTimeout  time.Duration
	ProbeTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		GatherTimeout:  DefaultGatherTimeout,
		ProbeTimeout:   DefaultProbeTimeout,
	}
}

// TrackResolver finds the participant owning a remote track.
type TrackResolver interface {
	ResolveTrack(trackID, streamID string, kind domain.TrackKind) *domain.Participant
}

// StatsScheduler is satisfied by stats.Reporter.
type StatsScheduler interface {
	ScheduleOne(delay time.Duration)
}

type publishedSender struct {
	relay  *Relay
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
}

type publisherPC struct {
	pc        *webrtc.PeerConnection
	id        string
	snapshot  *stats.Snapshotter
	connected chan struct{}
	connOnce  sync.Once
	sent      atomic.Bool
	senders   []publishedSender
	tracks    []domain.TrackInfo
}

type subscriberPC struct {
	pc       *webrtc.PeerConnection
	id       string
	snapshot *stats.Snapshotter
	sent     atomic.Bool

	mu      sync.Mutex
	streams map[string]string
	relays  []*Relay
}

func (s *subscriberPC) streamID(trackID, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.streams[trackID]; ok {
		return id
	}
	return fallback
}

// PeerConnections owns the publisher and subscriber peer connections of one
// SFU session. Publisher negotiations are serialized, as are subscriber ones.
type PeerConnections struct {
	config  Config
	api     *webrtc.API
	session ports.Session
	info    *domain.ReconnectionInfo
	tracer  *stats.Tracer
	emitter *events.Emitter
	logger  *zap.SugaredLogger

	publisherNegotiation  sync.Mutex
	subscriberNegotiation sync.Mutex

	mu         sync.RWMutex
	resolver   TrackResolver
	scheduler  StatsScheduler
	onFailure  func(domain.PeerType)
	generation int
	publisher  *publisherPC
	subscriber *subscriberPC
}

func NewPeerConnections(
	config Config,
	session ports.Session,
	info *domain.ReconnectionInfo,
	tracer *stats.Tracer,
	emitter *events.Emitter,
	logger *zap.SugaredLogger,
) (*PeerConnections, error) {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = DefaultGatherTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	api, err := newAPI(config)
	if err != nil {
		return nil, err
	}
	return &PeerConnections{
		config:  config,
		api:     api,
		session: session,
		info:    info,
		tracer:  tracer,
		emitter: emitter,
		logger:  logger,
	}, nil
}

func newAPI(config Config) (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

func (p *PeerConnections) SetResolver(r TrackResolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = r
}

func (p *PeerConnections) SetStatsScheduler(s StatsScheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler = s
}

// OnFailure registers the callback run when a current peer connection
// reports failed or disconnected.
func (p *PeerConnections) OnFailure(fn func(domain.PeerType)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = fn
}

// PeerConnectionID names a peer connection in trace records, e.g. "0-pub".
func (p *PeerConnections) PeerConnectionID(peerType domain.PeerType) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("%d-%s", p.generation, peerType.Short())
}

// Snapshotters returns the stats snapshotters of the current peer
// connections, nil for the ones not created yet.
func (p *PeerConnections) Snapshotters() (publisher, subscriber *stats.Snapshotter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.publisher != nil {
		publisher = p.publisher.snapshot
	}
	if p.subscriber != nil {
		subscriber = p.subscriber.snapshot
	}
	return publisher, subscriber
}

// PublisherState reports the state of the publisher connection, "new"
// when there is none.
func (p *PeerConnections) PublisherState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.publisher == nil {
		return webrtc.PeerConnectionStateNew
	}
	return p.publisher.pc.ConnectionState()
}

func (p *PeerConnections) trace(tag string, peerType domain.PeerType, data any) {
	if p.tracer != nil {
		p.tracer.Trace(tag, p.PeerConnectionID(peerType), data)
	}
}

func (p *PeerConnections) newPeerConnection() (*webrtc.PeerConnection, error) {
	return p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   p.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

// JoinSDPs returns throwaway offers advertising what this client can
// receive and send. The SFU reads codec support from them on join.
func (p *PeerConnections) JoinSDPs() (subscriber, publisher string, err error) {
	subscriber, err = p.capabilitySDP(webrtc.RTPTransceiverDirectionRecvonly)
	if err != nil {
		return "", "", err
	}
	publisher, err = p.capabilitySDP(webrtc.RTPTransceiverDirectionSendonly)
	if err != nil {
		return "", "", err
	}
	return subscriber, publisher, nil
}

func (p *PeerConnections) capabilitySDP(direction webrtc.RTPTransceiverDirection) (string, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}
	defer pc.Close()

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: direction}); err != nil {
			return "", fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return offer.SDP, nil
}

// ensurePublisher returns the current publisher connection, creating a
// new one when there is none or the previous one is closed or failed.
// Callers hold publisherNegotiation.
func (p *PeerConnections) ensurePublisher() (*publisherPC, error) {
	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()
	if pub != nil {
		switch pub.pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
			p.logger.Infow("replacing unusable publisher peer connection", "state", pub.pc.ConnectionState().String())
			p.closePublisher(pub)
		default:
			return pub, nil
		}
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	pub = &publisherPC{
		pc:        pc,
		id:        p.PeerConnectionID(domain.PeerTypePublisher),
		snapshot:  stats.NewSnapshotter(stats.FromPeerConnection(pc), domain.PeerTypePublisher),
		connected: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Infow("publisher connection state changed", "peer_connection", pub.id, "connection_state", state.String())
		p.trace("onconnectionstatechange", domain.PeerTypePublisher, state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			pub.connOnce.Do(func() { close(pub.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			p.reportFailure(domain.PeerTypePublisher, pc)
		}
	})
	pc.OnICECandidate(p.trickle(domain.PeerTypePublisher, &pub.sent))

	p.mu.Lock()
	p.publisher = pub
	p.mu.Unlock()
	p.logger.Infow("created publisher peer connection", "peer_connection", pub.id)
	return pub, nil
}

// ensureSubscriber returns the current subscriber connection, creating it
// on first use. Callers hold subscriberNegotiation.
func (p *PeerConnections) ensureSubscriber() (*subscriberPC, error) {
	p.mu.RLock()
	sub := p.subscriber
	p.mu.RUnlock()
	if sub != nil {
		switch sub.pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
			p.closeSubscriber(sub)
		default:
			return sub, nil
		}
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	sub = &subscriberPC{
		pc:       pc,
		id:       p.PeerConnectionID(domain.PeerTypeSubscriber),
		snapshot: stats.NewSnapshotter(stats.FromPeerConnection(pc), domain.PeerTypeSubscriber),
		streams:  make(map[string]string),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Infow("subscriber connection state changed", "peer_connection", sub.id, "connection_state", state.String())
		p.trace("onconnectionstatechange", domain.PeerTypeSubscriber, state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			p.reportFailure(domain.PeerTypeSubscriber, pc)
		}
	})
	pc.OnICECandidate(p.trickle(domain.PeerTypeSubscriber, &sub.sent))
	pc.OnTrack(p.handleRemoteTrack(sub))

	p.mu.Lock()
	p.subscriber = sub
	p.mu.Unlock()
	p.logger.Infow("created subscriber peer connection", "peer_connection", sub.id)
	return sub, nil
}

// reportFailure forwards a failure of pc only while pc is still current.
func (p *PeerConnections) reportFailure(peerType domain.PeerType, pc *webrtc.PeerConnection) {
	p.mu.RLock()
	current := (peerType == domain.PeerTypePublisher && p.publisher != nil && p.publisher.pc == pc) ||
		(peerType == domain.PeerTypeSubscriber && p.subscriber != nil && p.subscriber.pc == pc)
	fn := p.onFailure
	p.mu.RUnlock()
	if current && fn != nil {
		fn(peerType)
	}
}

// trickle sends candidates gathered after the local description went out.
// Earlier ones already travel inside the SDP.
func (p *PeerConnections) trickle(peerType domain.PeerType, sent *atomic.Bool) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		if c == nil || !sent.Load() {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.trace("onicecandidate", peerType, string(raw))
		client := p.session.SignalClient()
		if client == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := client.IceTrickle(ctx, &ports.ICETrickleRequest{
				PeerType:     peerType,
				IceCandidate: string(raw),
				SessionID:    p.session.SessionID(),
			})
			if err != nil {
				p.logger.Debugw("failed to trickle ice candidate", "peer_type", peerType.String(), "error", err)
			}
		}()
	}
}

func (p *PeerConnections) waitGathering(ctx context.Context, pc *webrtc.PeerConnection, gathered <-chan struct{}) {
	ctx, cancel := context.WithTimeout(ctx, p.config.GatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-ctx.Done():
		p.logger.Debugw("ice gathering incomplete, remaining candidates will be trickled",
			"gathering_state", pc.ICEGatheringState().String())
	}
}

// published returns the bookkeeping of a track published before, if any.
func (p *PeerConnections) published(trackID string) (domain.PublishedTrack, bool) {
	if p.info == nil {
		return domain.PublishedTrack{}, false
	}
	for _, t := range p.info.PublishedTracks() {
		if t.Original != nil && t.Original.ID() == trackID {
			return t, true
		}
	}
	return domain.PublishedTrack{}, false
}

type pendingTrack struct {
	source RTPSource
	relay  *Relay
	fresh  bool
	info   domain.TrackInfo
}

func (p *PeerConnections) prepareTrack(ctx context.Context, src RTPSource, trackType domain.TrackType) *pendingTrack {
	if prev, ok := p.published(src.ID()); ok {
		if relay, ok := prev.Relay.(*Relay); ok && relay != nil {
			info := prev.TrackInfo
			info.Mid = ""
			return &pendingTrack{source: src, relay: relay, info: info}
		}
	}

	t := &pendingTrack{
		source: src,
		relay:  NewRelay(src, p.logger),
		fresh:  true,
		info:   domain.TrackInfo{TrackID: src.ID(), TrackType: trackType},
	}
	if trackType.IsVideo() {
		packets, release := t.relay.Packets(probeBuffer)
		layer, detected := ProbeVideo(ctx, packets, src.Codec().MimeType, p.config.ProbeTimeout)
		release()
		if !detected {
			p.logger.Warnw("timeout detecting video properties, using default profile", "track_id", src.ID())
		}
		p.logger.Infow("video track properties",
			"track_id", src.ID(),
			"width", layer.Dimension.Width,
			"height", layer.Dimension.Height,
			"fps", layer.FPS,
			"bitrate", layer.Bitrate,
		)
		t.info.Layers = []domain.VideoLayer{layer}
	}
	return t
}

// AddTracks publishes up to one audio and one video track in a single
// negotiation. The tracks are relayed, so the originals stay available for
// re-publication after a rejoin. On failure the publisher is left with the
// tracks it had before.
func (p *PeerConnections) AddTracks(ctx context.Context, audio, video RTPSource) error {
	if audio == nil && video == nil {
		p.logger.Warnw("no tracks provided to add tracks")
		return domain.ErrNoTracks
	}
	client := p.session.SignalClient()
	if client == nil {
		return domain.ErrConnectionClosed
	}

	var pending []*pendingTrack
	if audio != nil {
		pending = append(pending, p.prepareTrack(ctx, audio, domain.TrackTypeAudio))
	}
	if video != nil {
		pending = append(pending, p.prepareTrack(ctx, video, domain.TrackTypeVideo))
	}

	p.publisherNegotiation.Lock()
	defer p.publisherNegotiation.Unlock()

	pub, err := p.ensurePublisher()
	if err != nil {
		p.releasePending(pending)
		return err
	}
	p.logger.Infow("adding tracks", "peer_connection", pub.id, "tracks", len(pending))

	var added []publishedSender
	rollback := func() {
		for _, s := range added {
			if err := pub.pc.RemoveTrack(s.sender); err != nil {
				p.logger.Debugw("failed to remove track after failed negotiation", "error", err)
			}
			s.relay.Unsubscribe(s.local)
		}
		p.releasePending(pending)
	}

	for _, t := range pending {
		local, err := t.relay.Subscribe(p.session.SessionID())
		if err != nil {
			rollback()
			return err
		}
		sender, err := pub.pc.AddTrack(local)
		if err != nil {
			t.relay.Unsubscribe(local)
			rollback()
			return fmt.Errorf("failed to add track %s: %w", t.source.ID(), err)
		}
		go p.readSenderRTCP(sender, t.source.ID())
		added = append(added, publishedSender{relay: t.relay, local: local, sender: sender})
		p.logger.Infow("added relayed track", "kind", t.source.Kind(), "track_id", t.source.ID())
	}

	tracks := append(append([]domain.TrackInfo(nil), pub.tracks...), infosOf(pending)...)
	tracks, err = p.negotiatePublisher(ctx, client, pub, nil, tracks)
	if err != nil {
		rollback()
		return err
	}

	pub.senders = append(pub.senders, added...)
	pub.tracks = tracks

	byID := make(map[string]domain.TrackInfo, len(tracks))
	for _, ti := range tracks {
		byID[ti.TrackID] = ti
	}
	hasVideo := false
	for _, t := range pending {
		if p.info != nil {
			p.info.AddPublishedTrack(t.source.ID(), domain.PublishedTrack{
				Original:  t.source,
				TrackInfo: byID[t.source.ID()],
				Relay:     t.relay,
			})
		}
		hasVideo = hasVideo || t.info.TrackType.IsVideo()
	}

	p.mu.RLock()
	scheduler := p.scheduler
	p.mu.RUnlock()
	if hasVideo && scheduler != nil {
		scheduler.ScheduleOne(stats.DefaultScheduleDelay)
	}
	return nil
}

func (p *PeerConnections) releasePending(pending []*pendingTrack) {
	for _, t := range pending {
		if t.fresh {
			t.relay.Close()
		}
	}
}

func infosOf(pending []*pendingTrack) []domain.TrackInfo {
	out := make([]domain.TrackInfo, 0, len(pending))
	for _, t := range pending {
		out = append(out, t.info)
	}
	return out
}

// negotiatePublisher runs one offer/answer cycle through SetPublisher and
// waits for the transport to connect. It returns tracks with their mids.
func (p *PeerConnections) negotiatePublisher(
	ctx context.Context,
	client ports.SignalClient,
	pub *publisherPC,
	opts *webrtc.OfferOptions,
	tracks []domain.TrackInfo,
) ([]domain.TrackInfo, error) {
	offer, err := pub.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	p.trace("createOffer", domain.PeerTypePublisher, offer.SDP)

	gathered := webrtc.GatheringCompletePromise(pub.pc)
	if err := pub.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	p.trace("setLocalDescription", domain.PeerTypePublisher, offer.SDP)
	p.waitGathering(ctx, pub.pc, gathered)

	patched, err := PatchSDPOffer(pub.pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	mids, err := TrackMids(patched)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TrackInfo, len(tracks))
	for i, t := range tracks {
		if mid, ok := mids[t.TrackID]; ok {
			t.Mid = mid
		}
		out[i] = t
	}

	p.trace("SetPublisher", domain.PeerTypePublisher, map[string]any{"sdp": patched, "tracks": out})
	resp, err := client.SetPublisher(ctx, &ports.SetPublisherRequest{
		SessionID: p.session.SessionID(),
		SDP:       patched,
		Tracks:    out,
	})
	if err != nil {
		p.logger.Errorw("failed to set publisher", "error", err)
		return nil, fmt.Errorf("failed to set publisher: %w", err)
	}
	pub.sent.Store(true)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.SDP}
	if err := pub.pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	p.trace("setRemoteDescription", domain.PeerTypePublisher, resp.SDP)

	if err := p.waitConnected(ctx, pub); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PeerConnections) waitConnected(ctx context.Context, pub *publisherPC) error {
	if pub.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return nil
	}
	p.logger.Infow("waiting for publisher connection", "timeout", p.config.ConnectTimeout)

	timer := time.NewTimer(p.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-pub.connected:
		p.logger.Infow("publisher successfully connected", "peer_connection", pub.id)
		return nil
	case <-timer.C:
		p.logger.Errorw("publisher connection timed out", "timeout", p.config.ConnectTimeout)
		return apperrors.NewTimeoutError("publisher connect")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PeerConnections) readSenderRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.Debugw("keyframe requested", "track_id", trackID)
			}
		}
	}
}

// RestorePublishedTracks publishes every recorded track again on the
// current publisher. The first audio and first video track share one
// negotiation; any further track gets its own.
func (p *PeerConnections) RestorePublishedTracks(ctx context.Context) error {
	if p.info == nil {
		return nil
	}
	var audio, video []RTPSource
	for _, t := range p.info.PublishedTracks() {
		src, ok := t.Original.(RTPSource)
		if !ok {
			continue
		}
		if src.Kind() == domain.KindVideo {
			video = append(video, src)
		} else {
			audio = append(audio, src)
		}
	}
	if len(audio) == 0 && len(video) == 0 {
		return nil
	}
	p.logger.Infow("restoring published tracks", "audio", len(audio), "video", len(video))

	var firstAudio, firstVideo RTPSource
	if len(audio) > 0 {
		firstAudio = audio[0]
	}
	if len(video) > 0 {
		firstVideo = video[0]
	}
	if err := p.AddTracks(ctx, firstAudio, firstVideo); err != nil {
		return fmt.Errorf("failed to restore primary tracks: %w", err)
	}
	for i := 1; i < len(audio); i++ {
		if err := p.AddTracks(ctx, audio[i], nil); err != nil {
			return fmt.Errorf("failed to restore audio track %s: %w", audio[i].ID(), err)
		}
	}
	for i := 1; i < len(video); i++ {
		if err := p.AddTracks(ctx, nil, video[i]); err != nil {
			return fmt.Errorf("failed to restore video track %s: %w", video[i].ID(), err)
		}
	}
	return nil
}

// HandleSubscriberOffer answers an offer pushed by the SFU.
func (p *PeerConnections) HandleSubscriberOffer(ctx context.Context, offerSDP string) error {
	client := p.session.SignalClient()
	if client == nil {
		return domain.ErrConnectionClosed
	}

	p.subscriberNegotiation.Lock()
	defer p.subscriberNegotiation.Unlock()

	sub, err := p.ensureSubscriber()
	if err != nil {
		return err
	}

	offerSDP = FixMsidSemantic(offerSDP)
	mapping := ParseTrackStreamMapping(offerSDP)
	sub.mu.Lock()
	sub.streams = mapping
	sub.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := sub.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	p.trace("setRemoteDescription", domain.PeerTypeSubscriber, offerSDP)

	answer, err := sub.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(sub.pc)
	if err := sub.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	p.trace("setLocalDescription", domain.PeerTypeSubscriber, answer.SDP)
	p.waitGathering(ctx, sub.pc, gathered)

	local := sub.pc.LocalDescription().SDP
	if err := client.SendAnswer(ctx, &ports.SendAnswerRequest{
		PeerType:  domain.PeerTypeSubscriber,
		SDP:       local,
		SessionID: p.session.SessionID(),
	}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	sub.sent.Store(true)
	return nil
}

// HandleICETrickle adds a remote candidate to the matching connection.
func (p *PeerConnections) HandleICETrickle(peerType domain.PeerType, candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("invalid ice candidate: %w", err)
	}

	p.mu.RLock()
	var pc *webrtc.PeerConnection
	if peerType == domain.PeerTypePublisher && p.publisher != nil {
		pc = p.publisher.pc
	} else if peerType == domain.PeerTypeSubscriber && p.subscriber != nil {
		pc = p.subscriber.pc
	}
	p.mu.RUnlock()
	if pc == nil {
		p.logger.Debugw("dropping ice candidate for missing peer connection", "peer_type", peerType.String())
		return nil
	}
	p.trace("addIceCandidate", peerType, candidate)
	return pc.AddICECandidate(init)
}

// RestartICE restarts ICE on one side. The publisher renegotiates with an
// ICE restart offer; for the subscriber the SFU is asked for a new offer.
func (p *PeerConnections) RestartICE(ctx context.Context, peerType domain.PeerType) error {
	client := p.session.SignalClient()
	if client == nil {
		return domain.ErrConnectionClosed
	}

	if peerType == domain.PeerTypeSubscriber {
		p.trace("iceRestart", domain.PeerTypeSubscriber, nil)
		return client.IceRestart(ctx, &ports.ICERestartRequest{
			SessionID: p.session.SessionID(),
			PeerType:  domain.PeerTypeSubscriber,
		})
	}

	p.publisherNegotiation.Lock()
	defer p.publisherNegotiation.Unlock()

	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()
	if pub == nil {
		return nil
	}
	p.logger.Infow("restarting publisher ice", "peer_connection", pub.id)
	p.trace("iceRestart", domain.PeerTypePublisher, nil)

	tracks, err := p.negotiatePublisher(ctx, client, pub, &webrtc.OfferOptions{ICERestart: true}, pub.tracks)
	if err != nil {
		return err
	}
	pub.tracks = tracks
	return nil
}

func (p *PeerConnections) handleRemoteTrack(sub *subscriberPC) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		source := FromRemote(track)
		kind := source.Kind()
		streamID := sub.streamID(track.ID(), track.StreamID())

		p.mu.RLock()
		resolver := p.resolver
		p.mu.RUnlock()
		var participant *domain.Participant
		if resolver != nil {
			participant = resolver.ResolveTrack(track.ID(), streamID, kind)
		}

		p.logger.Infow("track received",
			"track_id", track.ID(),
			"stream_id", streamID,
			"kind", kind,
			"codec", track.Codec().MimeType,
			"resolved", participant != nil,
		)
		p.trace("ontrack", domain.PeerTypeSubscriber, map[string]any{"track_id": track.ID(), "stream_id": streamID})

		go p.readReceiverRTCP(receiver, track.ID())

		relay := NewRelay(source, p.logger)
		sub.mu.Lock()
		sub.relays = append(sub.relays, relay)
		sub.mu.Unlock()

		if kind == domain.KindVideo {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := sub.pc.WriteRTCP(pli); err != nil {
				p.logger.Debugw("failed to request keyframe", "track_id", track.ID(), "error", err)
			}
		}

		if p.emitter != nil {
			p.emitter.Emit(domain.TrackAdded{
				TrackID:     track.ID(),
				Kind:        kind,
				Participant: participant,
				Track:       relay,
			})
		}

		if kind == domain.KindAudio && p.emitter != nil {
			packets, release := relay.Packets(audioFrameBuffer)
			go p.emitAudio(packets, release, participant, track.ID())
		}
	}
}

func (p *PeerConnections) emitAudio(packets <-chan *rtp.Packet, release func(), participant *domain.Participant, trackID string) {
	defer release()
	for pkt := range packets {
		if len(pkt.Payload) == 0 {
			continue
		}
		p.emitter.Emit(domain.AudioFrame{
			Participant: participant,
			TrackID:     trackID,
			Payload:     pkt.Payload,
			RTPTime:     pkt.Timestamp,
			Received:    time.Now(),
		})
	}
}

func (p *PeerConnections) readReceiverRTCP(receiver *webrtc.RTPReceiver, trackID string) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				p.logger.Debugw("received sender report",
					"track_id", trackID,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// Detach hands the current peer connections over to the caller and lets
// the next negotiation create fresh ones. The returned func closes the
// detached pair; migration calls it once the new pair is up.
func (p *PeerConnections) Detach() func() {
	p.mu.Lock()
	pub, sub := p.publisher, p.subscriber
	p.publisher, p.subscriber = nil, nil
	p.generation++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.closePair(pub, sub) })
	}
}

// Close closes both peer connections concurrently. Close errors are
// logged and dropped.
func (p *PeerConnections) Close() {
	p.Detach()()
}

func (p *PeerConnections) closePair(pub *publisherPC, sub *subscriberPC) {
	var wg sync.WaitGroup
	if pub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closePublisher(pub)
		}()
	}
	if sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeSubscriber(sub)
		}()
	}
	wg.Wait()
}

func (p *PeerConnections) closePublisher(pub *publisherPC) {
	for _, s := range pub.senders {
		s.relay.Unsubscribe(s.local)
	}
	if err := pub.pc.Close(); err != nil {
		p.logger.Debugw("error closing publisher peer connection", "peer_connection", pub.id, "error", err)
	}
}

func (p *PeerConnections) closeSubscriber(sub *subscriberPC) {
	sub.mu.Lock()
	relays := sub.relays
	sub.relays = nil
	sub.mu.Unlock()
	for _, r := range relays {
		r.Close()
	}
	if err := sub.pc.Close(); err != nil {
		p.logger.Debugw("error closing subscriber peer connection", "peer_connection", sub.id, "error", err)
	}
}
