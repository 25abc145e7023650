package ports

import (
	"time"

	"streamrtc/internal/core/domain"
)

// Metrics receives the operational counters of a connection.
type Metrics interface {
	SetConnectionState(state domain.ConnectionState)
	RecordReconnect(strategy domain.ReconnectionStrategy, success bool, d time.Duration)
	RecordRPC(method string, err error, d time.Duration)
	RecordStatsSend(success bool, traces int)
	RecordHeartbeat(stale bool)
	SetSubscriptions(n int)
}

type NopMetrics struct{}

func (NopMetrics) SetConnectionState(domain.ConnectionState)                        {}
func (NopMetrics) RecordReconnect(domain.ReconnectionStrategy, bool, time.Duration) {}
func (NopMetrics) RecordRPC(string, error, time.Duration)                           {}
func (NopMetrics) RecordStatsSend(bool, int)                                        {}
func (NopMetrics) RecordHeartbeat(bool)                                             {}
func (NopMetrics) SetSubscriptions(int)                                             {}
