package stats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/pkg/circuitbreaker"
	"streamrtc/tests/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticSource struct {
	pub, sub *Snapshotter
	client   ports.SignalClient
}

func (s *staticSource) Snapshotters() (*Snapshotter, *Snapshotter) { return s.pub, s.sub }
func (s *staticSource) PeerConnectionID(pt domain.PeerType) string { return "0-" + pt.Short() }
func (s *staticSource) SessionID() string                          { return "session-1" }
func (s *staticSource) SignalClient() ports.SignalClient           { return s.client }

type constProvider struct{ report RawReport }

func (p constProvider) Stats(ctx context.Context) (RawReport, error) { return p.report, nil }

func newTestReporter(t *testing.T, src Source, tracer *Tracer) *Reporter {
	return NewReporter(
		ReporterConfig{Interval: DefaultInterval, SDK: "stream-go", SDKVersion: "0.1.0", WebRTCVersion: "v3"},
		src, tracer, circuitbreaker.New(circuitbreaker.DefaultConfig()), &testutils.RecordingMetrics{},
		zaptest.NewLogger(t).Sugar(),
	)
}

func TestReporter_RunSendsBundle(t *testing.T) {
	client := &testutils.MockSignalClient{}
	pub := NewSnapshotter(constProvider{RawReport{"t": {"type": "transport", "timestamp": 1.0}}}, domain.PeerTypePublisher)
	src := &staticSource{pub: pub, client: client}
	tracer := NewTracer()
	tracer.Trace("create", "0-pub", "x")

	var sent *ports.SendStatsRequest
	client.On("SendStats", mock.Anything, mock.AnythingOfType("*ports.SendStatsRequest")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*ports.SendStatsRequest) }).
		Return(nil).Once()

	r := newTestReporter(t, src, tracer)
	require.NoError(t, r.Run(context.Background()))

	require.NotNil(t, sent)
	assert.Equal(t, "session-1", sent.SessionID)
	assert.Equal(t, "stream-go", sent.SDK)
	assert.Equal(t, "[]", sent.SubscriberStats)

	var pubStats []map[string]any
	require.NoError(t, json.Unmarshal([]byte(sent.PublisherStats), &pubStats))
	require.Len(t, pubStats, 1)
	assert.Equal(t, "t", pubStats[0]["id"])

	var traces [][]any
	require.NoError(t, json.Unmarshal([]byte(sent.RTCStats), &traces))
	require.Len(t, traces, 2)
	assert.Equal(t, "create", traces[0][0])
	assert.Equal(t, "getstats", traces[1][0])
	assert.Equal(t, "0-pub", traces[1][1])
	assert.Equal(t, 0, tracer.Len())
	client.AssertExpectations(t)
}

func TestReporter_FailedSendRollsBackTraces(t *testing.T) {
	client := &testutils.MockSignalClient{}
	client.On("SendStats", mock.Anything, mock.Anything).Return(errors.New("unavailable")).Once()
	tracer := NewTracer()
	tracer.Trace("a", "0-pub", 1)

	r := newTestReporter(t, &staticSource{client: client}, tracer)
	err := r.Run(context.Background())
	require.Error(t, err)

	slice := tracer.Take()
	require.Len(t, slice.Snapshot, 1)
	assert.Equal(t, "a", slice.Snapshot[0][0])
}

func TestReporter_StatsFailureIsTraced(t *testing.T) {
	client := &testutils.MockSignalClient{}
	var sent *ports.SendStatsRequest
	client.On("SendStats", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*ports.SendStatsRequest) }).
		Return(nil)
	sub := NewSnapshotter(&sequenceProvider{err: errors.New("pc closed")}, domain.PeerTypeSubscriber)

	r := newTestReporter(t, &staticSource{sub: sub, client: client}, NewTracer())
	require.NoError(t, r.Run(context.Background()))

	var traces [][]any
	require.NoError(t, json.Unmarshal([]byte(sent.RTCStats), &traces))
	require.Len(t, traces, 1)
	assert.Equal(t, []any{"getstatsOnFailure", "0-sub", "pc closed"}, traces[0][:3])
}

func TestReporter_NoClientKeepsTraces(t *testing.T) {
	tracer := NewTracer()
	tracer.Trace("a", "", nil)
	r := newTestReporter(t, &staticSource{}, tracer)

	assert.Error(t, r.Run(context.Background()))
	assert.Equal(t, 1, tracer.Len())
}

func TestReporter_ScheduleOneReplacesPending(t *testing.T) {
	client := &testutils.MockSignalClient{}
	done := make(chan struct{}, 2)
	client.On("SendStats", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { done <- struct{}{} }).
		Return(nil)

	r := newTestReporter(t, &staticSource{client: client}, NewTracer())
	r.ScheduleOne(time.Hour)
	r.ScheduleOne(10 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled report did not run")
	}
	r.Stop()
	client.AssertNumberOfCalls(t, "SendStats", 1)
}

func TestReporter_StartIgnoresNonPositiveInterval(t *testing.T) {
	r := NewReporter(ReporterConfig{}, &staticSource{}, NewTracer(), nil, nil, zaptest.NewLogger(t).Sugar())
	r.Start(context.Background())
	r.Flush()
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.False(t, r.running)
}

func TestReporter_ScheduleAfterStopIsIgnored(t *testing.T) {
	client := &testutils.MockSignalClient{}
	client.On("SendStats", mock.Anything, mock.Anything).Return(nil).Maybe()

	r := newTestReporter(t, &staticSource{client: client}, NewTracer())
	r.Start(context.Background())
	r.Stop()

	r.ScheduleOne(time.Millisecond)
	r.Flush()
	r.Start(context.Background())

	r.mu.Lock()
	assert.False(t, r.running)
	assert.Nil(t, r.oneShotCancel)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine scheduled after stop")
	}
	time.Sleep(20 * time.Millisecond)
	client.AssertNotCalled(t, "SendStats", mock.Anything, mock.Anything)
}
