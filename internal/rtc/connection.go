// Package rtc ties the coordinator, the SFU session and the media peer
// connections of one call together.
package rtc

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/core/services"
	"streamrtc/internal/events"
	"streamrtc/internal/infrastructure/coordinator"
	"streamrtc/internal/infrastructure/repositories/memory"
	"streamrtc/internal/infrastructure/sfu"
	"streamrtc/internal/infrastructure/stats"
	webrtcinfra "streamrtc/internal/infrastructure/webrtc"
	"streamrtc/pkg/circuitbreaker"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/location"
	"streamrtc/pkg/logger"
	"streamrtc/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const leaveReason = "user is leaving the call"

type coordinatorSocket interface {
	SetRejoinHandler(fn coordinator.RejoinFunc)
	Connect(ctx context.Context) (map[string]any, error)
	Disconnect()
	ConnectionID() string
}

type signalingSession interface {
	Healthy() bool
	Leave(reason string) error
	Close() error
}

type peerConnections interface {
	SetResolver(r webrtcinfra.TrackResolver)
	SetStatsScheduler(s webrtcinfra.StatsScheduler)
	OnFailure(fn func(domain.PeerType))
	JoinSDPs() (subscriber, publisher string, err error)
	AddTracks(ctx context.Context, audio, video webrtcinfra.RTPSource) error
	RestorePublishedTracks(ctx context.Context) error
	HandleSubscriberOffer(ctx context.Context, offerSDP string) error
	HandleICETrickle(peerType domain.PeerType, candidate string) error
	RestartICE(ctx context.Context, peerType domain.PeerType) error
	Snapshotters() (publisher, subscriber *stats.Snapshotter)
	PeerConnectionID(peerType domain.PeerType) string
	Close()
}

type sfuDialer func(
	ctx context.Context,
	url string,
	req *sfu.JoinRequest,
	onEvent func(sfu.Event),
	onClose func(error),
) (signalingSession, *sfu.JoinResponse, error)

// Dependencies are the collaborators a Connection does not build itself.
// Only API and Tokens are required.
type Dependencies struct {
	API     ports.CoordinatorAPI
	Tokens  ports.TokenService
	Roster  ports.ParticipantRepository
	Metrics ports.Metrics
	Emitter *events.Emitter
	Checker services.ConnectivityChecker
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *zap.SugaredLogger
}

// sfuSession is one signaling session with its peer connections. A new
// one replaces it on every rejoin or migration.
type sfuSession struct {
	id        string
	creds     ports.Credentials
	client    ports.SignalClient
	signaling signalingSession
	pcs       peerConnections
}

func (s *sfuSession) SessionID() string                { return s.id }
func (s *sfuSession) SignalClient() ports.SignalClient { return s.client }

func (s *sfuSession) close() error {
	var err error
	if s.signaling != nil {
		err = s.signaling.Close()
	}
	if s.pcs != nil {
		s.pcs.Close()
	}
	return err
}

// Connection is an agent's membership in one call.
type Connection struct {
	opts    Options
	api     ports.CoordinatorAPI
	tokens  ports.TokenService
	metrics ports.Metrics
	emitter *events.Emitter
	logs    *logger.ContextLogger
	logger  *zap.SugaredLogger

	info          *domain.ReconnectionInfo
	tracer        *stats.Tracer
	subscriptions *services.SubscriptionService
	reconnection  *services.ReconnectionService
	network       *services.NetworkMonitor
	reporter      *stats.Reporter
	locator       *location.Discovery

	newSocket          func(config coordinator.SocketConfig) coordinatorSocket
	dialSFU            sfuDialer
	newRPC             func(url, token string) ports.SignalClient
	newPeerConnections func(config webrtcinfra.Config, session ports.Session) (peerConnections, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	state        domain.ConnectionState
	socket       coordinatorSocket
	session      *sfuSession
	credentials  ports.Credentials
	location     string
	fastDeadline time.Duration

	leaveOnce sync.Once
	leaveErr  error
	done      chan struct{}
	coordSub  *events.Subscription
}

var (
	_ ports.Reconnectable = (*Connection)(nil)
	_ ports.Session       = (*Connection)(nil)
	_ stats.Source        = (*Connection)(nil)
)

// NewConnection wires a connection without touching the network.
func NewConnection(opts Options, deps Dependencies) (*Connection, error) {
	if deps.API == nil || deps.Tokens == nil {
		return nil, apperrors.NewInvalidInputError("coordinator api and token service are required")
	}
	if err := validation.ValidateCallIdentity(opts.CallType, opts.CallID, opts.UserID); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid call identity")
	}
	if opts.LocationOverride != "" {
		if err := validation.ValidateLocation(opts.LocationOverride); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid location override")
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Emitter == nil {
		deps.Emitter = events.NewEmitter()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Roster == nil {
		deps.Roster = memory.NewMemoryParticipantRepository()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}

	ctx := logger.WithCall(context.Background(), opts.CallCID())
	ctx = logger.WithUser(ctx, opts.UserID)
	ctx, cancel := context.WithCancel(ctx)

	logs := logger.NewContextLogger(deps.Logger.Desugar())
	log := logs.Sugar(ctx)

	c := &Connection{
		opts:         opts,
		api:          deps.API,
		tokens:       deps.Tokens,
		metrics:      deps.Metrics,
		emitter:      deps.Emitter,
		logs:         logs,
		logger:       log,
		info:         domain.NewReconnectionInfo(),
		tracer:       stats.NewTracer(),
		ctx:          ctx,
		cancel:       cancel,
		state:        domain.StateIdle,
		fastDeadline: opts.Reconnect.FastReconnectDeadline,
		done:         make(chan struct{}),
	}

	c.coordSub = events.On(deps.Emitter, c.handleCoordinatorMessage)
	c.subscriptions = services.NewSubscriptionService(opts.Subscription, deps.Roster, c, deps.Metrics, log.Named("subscriptions"))
	c.reconnection = services.NewReconnectionService(opts.Reconnect, c, c.info, deps.Emitter, deps.Metrics, log.Named("reconnection"))
	c.reporter = stats.NewReporter(opts.Stats, c, c.tracer, deps.Breaker, deps.Metrics, log.Named("stats"))
	if opts.NetworkMonitor {
		c.network = services.NewNetworkMonitor(opts.Network, deps.Checker, c, c.reconnection, c.info, deps.Emitter, log.Named("network"))
	}
	if opts.LocationOverride == "" {
		c.locator = location.NewDiscovery(opts.Location, log.Named("location"))
	}

	c.newSocket = func(config coordinator.SocketConfig) coordinatorSocket {
		return coordinator.NewSocket(config, deps.Emitter, deps.Metrics, log.Named("coordinator"))
	}
	c.dialSFU = func(ctx context.Context, url string, req *sfu.JoinRequest, onEvent func(sfu.Event), onClose func(error)) (signalingSession, *sfu.JoinResponse, error) {
		sig, join, err := sfu.DialSignaling(ctx, url, req, opts.Signaling, onEvent, onClose, log.Named("signaling"))
		if err != nil {
			return nil, nil, err
		}
		return sig, join, nil
	}
	c.newRPC = func(url, token string) ports.SignalClient {
		return sfu.NewRPCClient(url, token, opts.RPC, deps.Metrics)
	}
	c.newPeerConnections = func(config webrtcinfra.Config, session ports.Session) (peerConnections, error) {
		pcs, err := webrtcinfra.NewPeerConnections(config, session, c.info, c.tracer, deps.Emitter, log.Named("webrtc"))
		if err != nil {
			return nil, err
		}
		return pcs, nil
	}

	return c, nil
}

// Join creates a connection and joins the call with it.
func Join(ctx context.Context, opts Options, deps Dependencies) (*Connection, error) {
	c, err := NewConnection(opts, deps)
	if err != nil {
		return nil, err
	}
	if err := c.Join(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Join authenticates with the coordinator, asks it for an SFU and opens
// the first session. On failure everything opened so far is closed and the
// connection ends up Left.
func (c *Connection) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		c.mu.Unlock()
		return apperrors.NewInvalidInputError("connection already joined")
	}
	c.mu.Unlock()
	c.SetState(domain.StateJoining)

	ctx = logger.WithCall(ctx, c.opts.CallCID())
	ctx = logger.WithUser(ctx, c.opts.UserID)

	if err := c.join(ctx); err != nil {
		c.logger.Errorw("failed to join call", "error", err)
		if leaveErr := c.Leave(context.Background()); leaveErr != nil {
			c.logger.Debugw("cleanup after failed join", "error", leaveErr)
		}
		return err
	}

	c.reporter.Start(c.ctx)
	if c.network != nil {
		c.network.Start(c.ctx)
	}
	c.SetState(domain.StateJoined)
	c.logger.Infow("joined call", "session_id", c.SessionID(), "edge", c.EdgeName())
	return nil
}

func (c *Connection) join(ctx context.Context) error {
	token, err := c.tokens.CreateToken(c.opts.UserID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeAuth, "failed to create user token")
	}

	socketConfig := c.opts.Socket
	socketConfig.Token = token
	socket := c.newSocket(socketConfig)
	socket.SetRejoinHandler(func(ctx context.Context, connectionID string) error {
		_, err := c.api.JoinCall(ctx, c.joinRequest(connectionID))
		return err
	})
	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()
	if _, err := socket.Connect(ctx); err != nil {
		return err
	}

	loc := c.opts.LocationOverride
	if loc == "" {
		loc = c.locator.Discover(ctx)
	}
	c.mu.Lock()
	c.location = loc
	c.mu.Unlock()

	resp, err := c.api.JoinCall(ctx, c.joinRequest(socket.ConnectionID()))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.credentials = resp.Credentials
	c.mu.Unlock()

	return c.ConnectSFU(ctx, ports.ConnectOptions{})
}

func (c *Connection) joinRequest(connectionID string) *ports.JoinCallRequest {
	c.mu.RLock()
	loc := c.location
	c.mu.RUnlock()
	return &ports.JoinCallRequest{
		UserID:       c.opts.UserID,
		CallType:     c.opts.CallType,
		CallID:       c.opts.CallID,
		Location:     loc,
		Create:       c.opts.Create,
		ConnectionID: connectionID,
	}
}

// ConnectSFU opens a new SFU session and makes it current. Rejoin and
// migrate ask the coordinator for fresh credentials first.
func (c *Connection) ConnectSFU(ctx context.Context, opts ports.ConnectOptions) error {
	creds, err := c.credentialsFor(ctx, opts.Strategy)
	if err != nil {
		return err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logger.WithSession(ctx, sessionID)
	log := c.logs.Sugar(ctx)

	s := &sfuSession{
		id:     sessionID,
		creds:  creds,
		client: c.newRPC(creds.Server.URL, creds.Token),
	}
	pcs, err := c.newPeerConnections(c.webrtcConfig(creds), s)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create peer connections")
	}
	pcs.SetResolver(c.subscriptions)
	pcs.SetStatsScheduler(c.reporter)
	pcs.OnFailure(func(peerType domain.PeerType) {
		if c.current() == s {
			c.reconnect(domain.StrategyFast, peerType.String()+" peer connection failed")
		}
	})
	s.pcs = pcs

	subscriberSDP, publisherSDP, err := pcs.JoinSDPs()
	if err != nil {
		pcs.Close()
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to prepare join offers")
	}

	req := &sfu.JoinRequest{
		Token:         creds.Token,
		SessionID:     sessionID,
		SubscriberSDP: subscriberSDP,
		PublisherSDP:  publisherSDP,
		ClientDetails: clientDetails(),
		FastReconnect: opts.FastReconnect,
	}
	if opts.Strategy != domain.StrategyUnspecified {
		req.ReconnectDetails = c.reconnectDetails(opts)
	}

	log.Infow("connecting to sfu",
		"edge", creds.Server.EdgeName,
		"strategy", opts.Strategy.String(),
		"fast_reconnect", opts.FastReconnect,
	)
	sig, join, err := c.dialSFU(ctx, creds.Server.WSEndpoint, req,
		func(ev sfu.Event) { c.handleSFUEvent(s, ev) },
		func(err error) { c.handleSFUClose(s, err) },
	)
	if err != nil {
		pcs.Close()
		return err
	}
	s.signaling = sig

	c.mu.Lock()
	if c.state == domain.StateLeft {
		c.mu.Unlock()
		log.Infow("dropping sfu session opened after leave")
		s.close()
		return apperrors.NewNotConnectedError("connection was left")
	}
	c.session = s
	c.credentials = creds
	if join.FastReconnectDeadlineSeconds > 0 {
		c.fastDeadline = time.Duration(join.FastReconnectDeadlineSeconds) * time.Second
	}
	c.mu.Unlock()

	if err := c.subscriptions.LoadParticipants(ctx, join.Participants); err != nil {
		log.Warnw("failed to load participants", "error", err)
	}
	return nil
}

func (c *Connection) credentialsFor(ctx context.Context, strategy domain.ReconnectionStrategy) (ports.Credentials, error) {
	c.mu.RLock()
	creds := c.credentials
	socket := c.socket
	c.mu.RUnlock()

	if strategy != domain.StrategyRejoin && strategy != domain.StrategyMigrate {
		return creds, nil
	}
	connectionID := ""
	if socket != nil {
		connectionID = socket.ConnectionID()
	}
	resp, err := c.api.JoinCall(ctx, c.joinRequest(connectionID))
	if err != nil {
		return ports.Credentials{}, err
	}
	return resp.Credentials, nil
}

func (c *Connection) reconnectDetails(opts ports.ConnectOptions) *sfu.ReconnectDetails {
	published := c.info.PublishedTracks()
	announced := make([]domain.TrackInfo, 0, len(published))
	for _, t := range published {
		announced = append(announced, t.TrackInfo)
	}
	return &sfu.ReconnectDetails{
		Strategy:          opts.Strategy,
		AnnouncedTracks:   announced,
		Subscriptions:     c.subscriptions.Subscriptions(),
		ReconnectAttempt:  uint32(opts.Attempt),
		MigratingFrom:     opts.MigratingFrom,
		PreviousSessionID: opts.PreviousSessionID,
	}
}

func (c *Connection) webrtcConfig(creds ports.Credentials) webrtcinfra.Config {
	config := c.opts.WebRTC
	config.ICEServers = append([]webrtc.ICEServer(nil), config.ICEServers...)
	for _, s := range creds.ICEServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Password,
		})
	}
	return config
}

func clientDetails() sfu.ClientDetails {
	return sfu.ClientDetails{
		SDKType:      0,
		Major:        "0",
		Minor:        "1",
		Patch:        "0",
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

func (c *Connection) current() *sfuSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Connection) takeSession() *sfuSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	return s
}

func (c *Connection) reconnect(strategy domain.ReconnectionStrategy, reason string) {
	switch c.State() {
	case domain.StateIdle, domain.StateJoining, domain.StateLeft:
		return
	}
	go func() {
		if err := c.reconnection.Reconnect(c.ctx, strategy, reason); err != nil {
			c.logger.Warnw("reconnection ended with error", "strategy", strategy.String(), "error", err)
		}
	}()
}

// AddTracks publishes local audio and/or video on the current session.
func (c *Connection) AddTracks(ctx context.Context, audio, video webrtcinfra.RTPSource) error {
	s := c.current()
	if s == nil || c.State() != domain.StateJoined {
		return apperrors.NewNotConnectedError("connection is not joined")
	}
	return s.pcs.AddTracks(ctx, audio, video)
}

// On registers fn for every event of type t.
func (c *Connection) On(t domain.EventType, fn func(domain.Event)) *events.Subscription {
	return c.emitter.Subscribe(t, fn)
}

// Events exposes the emitter for typed registration with events.On.
func (c *Connection) Events() *events.Emitter {
	return c.emitter
}

// Wait blocks until the connection is left or ctx is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection is left.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Leave tells the SFU the session is over and closes everything. Later
// calls return the result of the first one.
func (c *Connection) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.leaveErr = c.leave(ctx)
	})
	return c.leaveErr
}

func (c *Connection) leave(ctx context.Context) error {
	c.logger.Infow("leaving call")
	c.SetState(domain.StateLeft)
	c.cancel()

	if c.network != nil {
		c.network.Stop()
	}
	if err := c.reconnection.Wait(ctx); err != nil {
		c.logger.Warnw("reconnection still running while leaving", "error", err)
	}
	c.reporter.Stop()
	if c.current() != nil {
		if err := c.reporter.Run(ctx); err != nil {
			c.logger.Debugw("final stats report failed", "error", err)
		}
	}

	var err error
	if s := c.takeSession(); s != nil {
		if s.signaling != nil {
			err = multierr.Append(err, s.signaling.Leave(leaveReason))
		}
		err = multierr.Append(err, s.close())
	}

	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()
	if socket != nil {
		socket.Disconnect()
	}

	c.coordSub.Unsubscribe()
	c.tracer.Dispose()
	close(c.done)
	return err
}

func (c *Connection) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState records the new state and emits ConnectionStateChanged when it
// differs from the previous one. Left is final.
func (c *Connection) SetState(state domain.ConnectionState) {
	c.mu.Lock()
	previous := c.state
	if previous == domain.StateLeft {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.stateChanged(previous, state)
}

// TransitionState sets state only if the current one is among from.
func (c *Connection) TransitionState(state domain.ConnectionState, from ...domain.ConnectionState) bool {
	c.mu.Lock()
	previous := c.state
	if !slices.Contains(from, previous) {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.mu.Unlock()
	c.stateChanged(previous, state)
	return true
}

func (c *Connection) stateChanged(previous, state domain.ConnectionState) {
	if previous == state {
		return
	}

	c.metrics.SetConnectionState(state)
	c.tracer.Trace("connectionStateChanged", "", map[string]string{
		"previous": string(previous),
		"current":  string(state),
	})
	c.logger.Debugw("connection state changed", "previous", string(previous), "current", string(state))
	c.emitter.Emit(domain.ConnectionStateChanged{Previous: previous, Current: state})
}

func (c *Connection) SessionID() string {
	if s := c.current(); s != nil {
		return s.id
	}
	return ""
}

// SignalClient returns the RPC client of the current session, or nil.
func (c *Connection) SignalClient() ports.SignalClient {
	if s := c.current(); s != nil && s.client != nil {
		return s.client
	}
	return nil
}

func (c *Connection) EdgeName() string {
	if s := c.current(); s != nil {
		return s.creds.Server.EdgeName
	}
	return ""
}

func (c *Connection) SignalingHealthy() bool {
	s := c.current()
	return s != nil && s.signaling != nil && s.signaling.Healthy()
}

func (c *Connection) RestartPublisherICE(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return apperrors.NewNotConnectedError("no sfu session")
	}
	return s.pcs.RestartICE(ctx, domain.PeerTypePublisher)
}

// Teardown closes the current session before a rejoin.
func (c *Connection) Teardown(ctx context.Context) {
	if s := c.takeSession(); s != nil {
		if err := s.close(); err != nil {
			c.logger.Debugw("error closing sfu session", "session_id", s.id, "error", err)
		}
	}
}

// Detach removes the current session and returns a func that closes it.
func (c *Connection) Detach() func() {
	s := c.takeSession()
	var once sync.Once
	return func() {
		once.Do(func() {
			if s == nil {
				return
			}
			if err := s.close(); err != nil {
				c.logger.Debugw("error closing detached sfu session", "session_id", s.id, "error", err)
			}
		})
	}
}

func (c *Connection) RestorePublishedTracks(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return apperrors.NewNotConnectedError("no sfu session")
	}
	return s.pcs.RestorePublishedTracks(ctx)
}

// Snapshotters implements stats.Source.
func (c *Connection) Snapshotters() (publisher, subscriber *stats.Snapshotter) {
	if s := c.current(); s != nil && s.pcs != nil {
		return s.pcs.Snapshotters()
	}
	return nil, nil
}

func (c *Connection) PeerConnectionID(peerType domain.PeerType) string {
	if s := c.current(); s != nil && s.pcs != nil {
		return s.pcs.PeerConnectionID(peerType)
	}
	return ""
}

// FastReconnectDeadline is the SFU's bound for a FAST reconnect, or the
// configured default before the first join response.
func (c *Connection) FastReconnectDeadline() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fastDeadline
}

func (c *Connection) CallCID() string {
	return c.opts.CallCID()
}

func (c *Connection) Participants(ctx context.Context) ([]*domain.Participant, error) {
	return c.subscriptions.Participants(ctx)
}

func (c *Connection) Subscriptions() []domain.SubscribedTrackDetail {
	return c.subscriptions.Subscriptions()
}

func (c *Connection) ReconnectAttempts() int {
	return c.info.Attempts()
}

// Reconnect starts a recovery with strategy and waits for its outcome.
func (c *Connection) Reconnect(ctx context.Context, strategy domain.ReconnectionStrategy, reason string) error {
	return c.reconnection.Reconnect(ctx, strategy, reason)
}
