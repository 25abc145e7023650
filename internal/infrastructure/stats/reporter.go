package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const (
	DefaultInterval      = 8 * time.Second
	DefaultScheduleDelay = 3 * time.Second
)

// Source exposes the current peer connections of a session. Either
// snapshotter may be nil while the matching peer connection does not exist.
type Source interface {
	Snapshotters() (publisher, subscriber *Snapshotter)
	PeerConnectionID(peerType domain.PeerType) string
	SessionID() string
	SignalClient() ports.SignalClient
}

type ReporterConfig struct {
	Interval      time.Duration
	SDK           string
	SDKVersion    string
	WebRTCVersion string
}

// Reporter periodically ships stats and trace records to the SFU.
type Reporter struct {
	config  ReporterConfig
	source  Source
	tracer  *Tracer
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	runMu sync.Mutex

	mu            sync.Mutex
	running       bool
	stopped       bool
	cancel        context.CancelFunc
	ctx           context.Context
	oneShotCancel context.CancelFunc
	wg            sync.WaitGroup
}

func NewReporter(
	config ReporterConfig,
	source Source,
	tracer *Tracer,
	breaker *circuitbreaker.CircuitBreaker,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Reporter {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Reporter{
		config:  config,
		source:  source,
		tracer:  tracer,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}
}

// Start launches the periodic loop. A non-positive interval disables it.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.Interval <= 0 || r.running || r.stopped {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go r.loop(r.ctx)
	r.logger.Infow("stats reporter started", "interval", r.config.Interval)
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warnw("failed to send stats", "error", err)
			}
		}
	}
}

// Stop cancels the loop and any pending one-shot run and waits for them.
// The reporter can't be started or scheduled again afterwards.
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.running = false
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.oneShotCancel != nil {
		r.oneShotCancel()
		r.oneShotCancel = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Infow("stats reporter stopped")
}

// ScheduleOne runs one report after delay, replacing a pending one.
func (r *Reporter) ScheduleOne(delay time.Duration) {
	if delay <= 0 {
		delay = DefaultScheduleDelay
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.oneShotCancel != nil {
		r.oneShotCancel()
	}
	parent := r.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	r.oneShotCancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warnw("delayed stats send failed", "error", err)
		}
	}()
}

// Flush triggers a report without waiting for it. No-op unless started.
func (r *Reporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.stopped {
		return
	}
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warnw("stats flush failed", "error", err)
		}
	}()
}

// Run collects and sends one report. Trace records are rolled back when
// the send fails so the next report carries them again.
func (r *Reporter) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	pubSnap, subSnap := r.source.Snapshotters()
	pub := r.collect(ctx, pubSnap, domain.PeerTypePublisher)
	sub := r.collect(ctx, subSnap, domain.PeerTypeSubscriber)

	slice := r.tracer.Take()
	if err := r.send(ctx, slice, pub, sub); err != nil {
		slice.Rollback()
		r.metrics.RecordStatsSend(false, len(slice.Snapshot))
		r.logger.Debugw("stats send failed, traces rolled back", "error", err, "traces", len(slice.Snapshot))
		return err
	}
	r.metrics.RecordStatsSend(true, len(slice.Snapshot))
	return nil
}

func (r *Reporter) collect(ctx context.Context, s *Snapshotter, peerType domain.PeerType) *ComputedStats {
	if s == nil {
		return nil
	}
	pcID := r.source.PeerConnectionID(peerType)
	computed, err := s.Get(ctx)
	if err != nil {
		r.logger.Debugw("failed to get stats", "peer_type", peerType.String(), "error", err)
		r.tracer.Trace("getstatsOnFailure", pcID, err.Error())
		return nil
	}
	r.tracer.Trace("getstats", pcID, computed.Delta)
	return computed
}

var errNoSignalClient = errors.New("signaling client not available")

func (r *Reporter) send(ctx context.Context, slice TraceSlice, pub, sub *ComputedStats) error {
	client := r.source.SignalClient()
	if client == nil {
		return errNoSignalClient
	}

	req, err := r.buildRequest(slice, pub, sub)
	if err != nil {
		return err
	}
	return r.breaker.Execute(ctx, func() error {
		return client.SendStats(ctx, req)
	})
}

func (r *Reporter) buildRequest(slice TraceSlice, pub, sub *ComputedStats) (*ports.SendStatsRequest, error) {
	snapshot := slice.Snapshot
	if snapshot == nil {
		snapshot = []TraceRecord{}
	}
	rtcStats, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode traces: %w", err)
	}
	pubJSON, err := flattenJSON(pub)
	if err != nil {
		return nil, err
	}
	subJSON, err := flattenJSON(sub)
	if err != nil {
		return nil, err
	}

	req := &ports.SendStatsRequest{
		SessionID:       r.source.SessionID(),
		SDK:             r.config.SDK,
		SDKVersion:      r.config.SDKVersion,
		WebRTCVersion:   r.config.WebRTCVersion,
		PublisherStats:  pubJSON,
		SubscriberStats: subJSON,
		RTCStats:        string(rtcStats),
	}
	if pub != nil {
		req.EncodeStats = pub.Performance
	}
	if sub != nil {
		req.DecodeStats = sub.Performance
	}
	return req, nil
}

func flattenJSON(c *ComputedStats) (string, error) {
	records := []map[string]any{}
	if c != nil {
		records = Flatten(c.Raw)
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode stats: %w", err)
	}
	return string(b), nil
}
