package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/events"
	apperrors "streamrtc/pkg/errors"
	"streamrtc/pkg/tracing"

	"go.uber.org/zap"
)

var (
	ErrReconnectTimeout = errors.New("disconnection timeout exceeded")
	errRecoveryOvertaken = errors.New("connection state changed during recovery")
)

type ReconnectConfig struct {
	DisconnectionTimeout  time.Duration
	RetryDelay            time.Duration
	FastReconnectDeadline time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		DisconnectionTimeout:  30 * time.Second,
		RetryDelay:            500 * time.Millisecond,
		FastReconnectDeadline: 10 * time.Second,
	}
}

// ReconnectionService runs the single recovery loop of a connection.
// Concurrent triggers collapse into the attempt already in flight.
type ReconnectionService struct {
	config  ReconnectConfig
	target  ports.Reconnectable
	info    *domain.ReconnectionInfo
	emitter *events.Emitter
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	running  atomic.Bool
	mu       sync.Mutex
	finished chan struct{}

	gateMu sync.Mutex
	gate   chan struct{}
}

func NewReconnectionService(
	config ReconnectConfig,
	target ports.Reconnectable,
	info *domain.ReconnectionInfo,
	emitter *events.Emitter,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *ReconnectionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ReconnectionService{
		config:  config,
		target:  target,
		info:    info,
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
	}
}

// Info returns the bookkeeping shared with the peer connections.
func (s *ReconnectionService) Info() *domain.ReconnectionInfo {
	return s.info
}

// Running reports whether a reconnection loop is in flight.
func (s *ReconnectionService) Running() bool {
	return s.running.Load()
}

// Wait blocks until the reconnection in flight, if any, has returned.
func (s *ReconnectionService) Wait(ctx context.Context) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished == nil {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HoldForNetwork makes the next attempts wait until ReleaseNetwork.
func (s *ReconnectionService) HoldForNetwork() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// ReleaseNetwork lets waiting attempts proceed.
func (s *ReconnectionService) ReleaseNetwork() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (s *ReconnectionService) waitForNetwork(ctx context.Context) error {
	s.gateMu.Lock()
	gate := s.gate
	s.gateMu.Unlock()
	if gate == nil {
		return nil
	}
	s.logger.Debugw("waiting for network availability")
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect recovers the connection with strategy, downgrading to a rejoin
// after any failed attempt, until it succeeds or the disconnection timeout
// runs out. It returns nil straight away when a recovery already owns the
// connection. Authentication failures end the loop at once.
func (s *ReconnectionService) Reconnect(ctx context.Context, strategy domain.ReconnectionStrategy, reason string) error {
	if strategy == domain.StrategyDisconnect {
		// Leaving cancels the connection context this call usually runs on.
		return s.target.Leave(context.WithoutCancel(ctx))
	}
	switch state := s.target.State(); {
	case state == domain.StateLeft:
		return nil
	case state.Recovering():
		s.logger.Debugw("reconnection already in progress", "current_state", string(state))
		return nil
	}
	finished := make(chan struct{})
	s.mu.Lock()
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Debugw("reconnection already in progress", "strategy", strategy.String())
		return nil
	}
	s.finished = finished
	s.mu.Unlock()

	// ReconnectionFailed goes out after the loop is released so that its
	// handlers may leave the connection.
	var failure string
	defer func() {
		s.mu.Lock()
		s.finished = nil
		s.mu.Unlock()
		s.running.Store(false)
		close(finished)
		if failure != "" && s.emitter != nil {
			s.emitter.Emit(domain.ReconnectionFailed{Reason: failure})
		}
	}()

	start := time.Now()
	s.info.SetStrategy(strategy, reason)
	s.logger.Infow("starting reconnection", "strategy", strategy.String(), "reason", reason)

	ctx, cancel := context.WithTimeout(ctx, s.config.DisconnectionTimeout)
	defer cancel()

	for {
		if elapsed := time.Since(start); elapsed > s.config.DisconnectionTimeout {
			s.logger.Warnw("stopping reconnection attempts after reaching disconnection timeout", "elapsed", elapsed)
			failure = s.fail(ErrReconnectTimeout.Error())
			return ErrReconnectTimeout
		}

		current := s.info.Strategy()
		if current != domain.StrategyFast {
			s.info.IncrementAttempts()
		}

		err := s.waitForNetwork(ctx)
		if err == nil {
			s.logger.Infow("executing reconnection", "strategy", current.String(), "attempt", s.info.Attempts())
			attemptCtx, span := tracing.TraceReconnect(ctx, current.String(), reason)
			err = s.execute(attemptCtx, current)
			if err != nil {
				tracing.RecordError(attemptCtx, err)
			}
			span.End()
		}

		if err == nil {
			duration := time.Since(start)
			s.metrics.RecordReconnect(current, true, duration)
			if s.emitter != nil {
				s.emitter.Emit(domain.ReconnectionSuccess{Strategy: current, Duration: duration})
			}
			s.info.Reset()
			s.ReleaseNetwork()
			s.logger.Infow("reconnection completed", "strategy", current.String(), "duration", duration)
			return nil
		}

		if errors.Is(err, errRecoveryOvertaken) {
			s.logger.Infow("abandoning reconnection", "strategy", current.String(), "current_state", string(s.target.State()))
			return nil
		}
		s.metrics.RecordReconnect(current, false, time.Since(start))
		if apperrors.IsAuthError(err) {
			s.logger.Errorw("authentication failed during reconnection", "strategy", current.String(), "error", err)
			failure = s.fail(err.Error())
			return err
		}
		if s.target.State() == domain.StateOffline {
			s.logger.Debugw("can't reconnect while offline, stopping attempts")
			return err
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.logger.Warnw("stopping reconnection attempts after reaching disconnection timeout", "error", err)
				failure = s.fail(ErrReconnectTimeout.Error())
				return ErrReconnectTimeout
			}
			return ctx.Err()
		}

		s.logger.Warnw("reconnection failed, attempting with rejoin", "strategy", current.String(), "error", err)
		select {
		case <-time.After(s.config.RetryDelay):
		case <-ctx.Done():
		}
		s.info.SetStrategy(domain.StrategyRejoin, "")

		if st := s.target.State(); st == domain.StateJoined || st == domain.StateLeft || st == domain.StateReconnectFailed {
			return nil
		}
	}
}

func (s *ReconnectionService) fail(reason string) string {
	if s.target.State() != domain.StateLeft {
		s.target.SetState(domain.StateReconnectFailed)
	}
	return reason
}

// markJoined ends a recovery unless the connection moved on meanwhile,
// for instance because it was left.
func (s *ReconnectionService) markJoined() error {
	if !s.target.TransitionState(domain.StateJoined, domain.StateReconnecting, domain.StateMigrating) {
		return errRecoveryOvertaken
	}
	return nil
}

func (s *ReconnectionService) execute(ctx context.Context, strategy domain.ReconnectionStrategy) error {
	switch strategy {
	case domain.StrategyFast:
		return s.reconnectFast(ctx)
	case domain.StrategyRejoin:
		return s.reconnectRejoin(ctx)
	case domain.StrategyMigrate:
		return s.reconnectMigrate(ctx)
	default:
		s.logger.Debugw("no-op reconnection strategy", "strategy", strategy.String())
		return nil
	}
}

// reconnectFast restarts ICE when signaling is still up. Otherwise it
// joins again under the same session id and restores the published tracks.
func (s *ReconnectionService) reconnectFast(ctx context.Context) error {
	s.target.SetState(domain.StateReconnecting)

	if s.target.SignalingHealthy() {
		if err := s.target.RestartPublisherICE(ctx); err != nil {
			return fmt.Errorf("ice restart failed: %w", err)
		}
		s.logger.Infow("ice restart completed for healthy signaling")
		return s.markJoined()
	}

	sessionID := s.target.SessionID()
	closeOld := s.target.Detach()
	defer closeOld()

	err := s.target.ConnectSFU(ctx, ports.ConnectOptions{
		Strategy:      domain.StrategyFast,
		Attempt:       s.info.Attempts(),
		SessionID:     sessionID,
		FastReconnect: true,
	})
	if err != nil {
		return fmt.Errorf("fast reconnect failed: %w", err)
	}
	if err := s.target.RestorePublishedTracks(ctx); err != nil {
		return err
	}
	return s.markJoined()
}

func (s *ReconnectionService) reconnectRejoin(ctx context.Context) error {
	s.target.SetState(domain.StateReconnecting)
	s.target.Teardown(ctx)

	err := s.target.ConnectSFU(ctx, ports.ConnectOptions{
		Strategy: domain.StrategyRejoin,
		Attempt:  s.info.Attempts(),
	})
	if err != nil {
		return fmt.Errorf("rejoin failed: %w", err)
	}
	if err := s.target.RestorePublishedTracks(ctx); err != nil {
		return err
	}
	return s.markJoined()
}

// reconnectMigrate moves to another SFU. The old session stays open until
// the new one is up, then it is closed whatever the outcome.
func (s *ReconnectionService) reconnectMigrate(ctx context.Context) error {
	s.target.SetState(domain.StateMigrating)

	migratingFrom := s.target.EdgeName()
	previous := ""
	if migratingFrom != "" {
		previous = s.target.SessionID()
	}
	closeOld := s.target.Detach()
	defer closeOld()

	err := s.target.ConnectSFU(ctx, ports.ConnectOptions{
		Strategy:          domain.StrategyMigrate,
		Attempt:           s.info.Attempts(),
		MigratingFrom:     migratingFrom,
		PreviousSessionID: previous,
	})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := s.target.RestorePublishedTracks(ctx); err != nil {
		return err
	}
	return s.markJoined()
}
