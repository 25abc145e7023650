package services

import (
	"context"
	"net"
	"sync"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/events"

	"go.uber.org/zap"
)

// ConnectivityChecker reports whether the internet is reachable.
type ConnectivityChecker interface {
	Online(ctx context.Context) bool
}

// Reconnector is the part of ReconnectionService the monitor drives.
type Reconnector interface {
	Reconnect(ctx context.Context, strategy domain.ReconnectionStrategy, reason string) error
	HoldForNetwork()
	ReleaseNetwork()
}

// DialChecker considers the network up when a TCP connection to any of
// its hosts succeeds.
type DialChecker struct {
	hosts  []string
	dialer net.Dialer
}

func NewDialChecker(hosts []string, timeout time.Duration) *DialChecker {
	return &DialChecker{hosts: hosts, dialer: net.Dialer{Timeout: timeout}}
}

func (c *DialChecker) Online(ctx context.Context) bool {
	for _, host := range c.hosts {
		conn, err := c.dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}

type NetworkMonitorConfig struct {
	Hosts                 []string
	CheckInterval         time.Duration
	Timeout               time.Duration
	FastReconnectDeadline time.Duration
}

func DefaultNetworkMonitorConfig() NetworkMonitorConfig {
	return NetworkMonitorConfig{
		Hosts:                 []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"},
		CheckInterval:         time.Second,
		Timeout:               3 * time.Second,
		FastReconnectDeadline: 10 * time.Second,
	}
}

// NetworkMonitor polls connectivity. Losing it while joined marks the
// connection offline and holds reconnection attempts; regaining it starts
// a fast reconnect when the outage was short, a rejoin otherwise.
type NetworkMonitor struct {
	config      NetworkMonitorConfig
	checker     ConnectivityChecker
	state       ports.StateHolder
	reconnector Reconnector
	info        *domain.ReconnectionInfo
	emitter     *events.Emitter
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNetworkMonitor(
	config NetworkMonitorConfig,
	checker ConnectivityChecker,
	state ports.StateHolder,
	reconnector Reconnector,
	info *domain.ReconnectionInfo,
	emitter *events.Emitter,
	logger *zap.SugaredLogger,
) *NetworkMonitor {
	if checker == nil {
		checker = NewDialChecker(config.Hosts, config.Timeout)
	}
	return &NetworkMonitor{
		config:      config,
		checker:     checker,
		state:       state,
		reconnector: reconnector,
		info:        info,
		emitter:     emitter,
		logger:      logger,
		online:      true,
	}
}

func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.logger.Warnw("network monitoring already started")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.logger.Infow("starting network connectivity monitoring", "interval", m.config.CheckInterval)
	go m.loop(ctx, m.done)
}

// Stop ends the polling loop and waits for it.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.logger.Infow("stopping network connectivity monitoring")
	cancel()
	<-done
}

func (m *NetworkMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		m.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one connectivity check and handles a change.
func (m *NetworkMonitor) Poll(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	online := m.checker.Online(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.handleChange(ctx, online)
	}
}

// Online reports the last observed connectivity.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *NetworkMonitor) handleChange(ctx context.Context, online bool) {
	now := time.Now()
	m.logger.Infow("network status changed", "online", online)
	if m.emitter != nil {
		m.emitter.Emit(domain.NetworkChanged{Online: online, At: now})
	}

	if !online {
		if m.state.State() != domain.StateJoined {
			return
		}
		m.info.MarkOffline(now)
		m.reconnector.HoldForNetwork()
		m.state.SetState(domain.StateOffline)
		return
	}

	strategy := domain.StrategyRejoin
	if last := m.info.LastOffline(); !last.IsZero() && now.Sub(last) <= m.config.FastReconnectDeadline {
		strategy = domain.StrategyFast
	}
	m.reconnector.ReleaseNetwork()
	go func() {
		if err := m.reconnector.Reconnect(ctx, strategy, "going online"); err != nil {
			m.logger.Warnw("reconnection after network recovery failed", "strategy", strategy.String(), "error", err)
		}
	}()
}
