package monitoring

import (
	"net/http"
	"time"

	"streamrtc/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var connectionStates = []domain.ConnectionState{
	domain.StateIdle,
	domain.StateJoining,
	domain.StateJoined,
	domain.StateRinging,
	domain.StateReconnecting,
	domain.StateMigrating,
	domain.StateOffline,
	domain.StateReconnectFailed,
	domain.StateLeft,
}

// PrometheusCollector implements ports.Metrics on its own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	subscriptions   prometheus.Gauge

	reconnectsTotal   *prometheus.CounterVec
	reconnectDuration *prometheus.HistogramVec

	rpcTotal    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec

	statsReportsTotal *prometheus.CounterVec
	traceRecordsTotal prometheus.Counter
	heartbeatsTotal   *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamrtc_connection_state",
			Help: "Current call connection state (1 for the active state)",
		}, []string{"state"}),

		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamrtc_subscriptions",
			Help: "Number of tracks in the last subscription list pushed to the SFU",
		}),

		reconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrtc_reconnects_total",
			Help: "Reconnection attempts by strategy and result",
		}, []string{"strategy", "result"}),

		reconnectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamrtc_reconnect_duration_seconds",
			Help:    "Time from the start of a reconnection to its outcome",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"strategy"}),

		rpcTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrtc_sfu_rpc_total",
			Help: "SFU signal server calls by method and result",
		}, []string{"method", "result"}),

		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamrtc_sfu_rpc_duration_seconds",
			Help:    "Latency of SFU signal server calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method"}),

		statsReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrtc_stats_reports_total",
			Help: "Stats reports sent to the SFU by result",
		}, []string{"result"}),

		traceRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamrtc_trace_records_sent_total",
			Help: "Trace records delivered with stats reports",
		}),

		heartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrtc_coordinator_heartbeats_total",
			Help: "Coordinator heartbeat checks by outcome",
		}, []string{"result"}),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (p *PrometheusCollector) SetConnectionState(state domain.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordReconnect(strategy domain.ReconnectionStrategy, success bool, d time.Duration) {
	p.reconnectsTotal.WithLabelValues(strategy.String(), result(success)).Inc()
	p.reconnectDuration.WithLabelValues(strategy.String()).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordRPC(method string, err error, d time.Duration) {
	p.rpcTotal.WithLabelValues(method, result(err == nil)).Inc()
	p.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordStatsSend(success bool, traces int) {
	p.statsReportsTotal.WithLabelValues(result(success)).Inc()
	if success {
		p.traceRecordsTotal.Add(float64(traces))
	}
}

func (p *PrometheusCollector) RecordHeartbeat(stale bool) {
	if stale {
		p.heartbeatsTotal.WithLabelValues("stale").Inc()
		return
	}
	p.heartbeatsTotal.WithLabelValues("ok").Inc()
}

func (p *PrometheusCollector) SetSubscriptions(n int) {
	p.subscriptions.Set(float64(n))
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
