package testutils

import (
	"context"
	"sync"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// MockSignalClient is a ports.SignalClient backed by testify/mock.
type MockSignalClient struct {
	mock.Mock
}

func (m *MockSignalClient) SetPublisher(ctx context.Context, req *ports.SetPublisherRequest) (*ports.SetPublisherResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.SetPublisherResponse), args.Error(1)
}

func (m *MockSignalClient) UpdateSubscriptions(ctx context.Context, req *ports.UpdateSubscriptionsRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSignalClient) SendStats(ctx context.Context, req *ports.SendStatsRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSignalClient) SendAnswer(ctx context.Context, req *ports.SendAnswerRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSignalClient) IceTrickle(ctx context.Context, req *ports.ICETrickleRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSignalClient) IceRestart(ctx context.Context, req *ports.ICERestartRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// RecordingMetrics is a ports.Metrics that remembers what it was told.
type RecordingMetrics struct {
	mu            sync.Mutex
	States        []domain.ConnectionState
	Reconnects    []domain.ReconnectionStrategy
	StatsSent     int
	StatsFailed   int
	Heartbeats    int
	Stale         int
	Subscriptions int
	RPCs          map[string]int
}

func (r *RecordingMetrics) SetConnectionState(state domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = append(r.States, state)
}

func (r *RecordingMetrics) RecordReconnect(strategy domain.ReconnectionStrategy, success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reconnects = append(r.Reconnects, strategy)
}

func (r *RecordingMetrics) RecordRPC(method string, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RPCs == nil {
		r.RPCs = make(map[string]int)
	}
	r.RPCs[method]++
}

func (r *RecordingMetrics) RecordStatsSend(success bool, traces int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.StatsSent++
	} else {
		r.StatsFailed++
	}
}

func (r *RecordingMetrics) RecordHeartbeat(stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Heartbeats++
	if stale {
		r.Stale++
	}
}

func (r *RecordingMetrics) SetSubscriptions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Subscriptions = n
}

func (r *RecordingMetrics) StaleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stale
}

func (r *RecordingMetrics) StateHistory() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionState(nil), r.States...)
}

// StaticSession is a ports.Session with a fixed id and client.
type StaticSession struct {
	ID     string
	Client ports.SignalClient
}

func (s StaticSession) SessionID() string                { return s.ID }
func (s StaticSession) SignalClient() ports.SignalClient { return s.Client }
