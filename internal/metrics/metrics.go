// Package metrics registers the gateway's Prometheus instruments. NewMetrics
// is idempotent: the default registry rejects duplicate registration, so the
// instrument set is built once and shared.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a fleet gateway.
type Metrics struct {
	// Command dispatch
	CommandsHandled *prometheus.CounterVec
	CommandLatency  *prometheus.HistogramVec

	// Accumulator
	BufferFlushes    *prometheus.CounterVec
	FlushedMessages  prometheus.Counter
	OrphanRecoveries prometheus.Counter

	// Session processing
	TurnsStarted   prometheus.Counter
	TurnDuration   prometheus.Histogram
	LockContention prometheus.Counter
	ActionsRun     *prometheus.CounterVec

	// Connections and liveness
	ConnectionsActive prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	HeartbeatsSent    prometheus.Counter

	// Messaging
	MessagesInbound  *prometheus.CounterVec
	MessagesOutbound prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			CommandsHandled: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fleet_commands_handled_total",
					Help: "Total number of dispatch commands handled",
				},
				[]string{"kind", "success"},
			),
			CommandLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "fleet_command_duration_seconds",
					Help:    "Command handling duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to 8s
				},
				[]string{"kind"},
			),

			BufferFlushes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fleet_buffer_flushes_total",
					Help: "Total number of accumulator buffer flushes",
				},
				[]string{"trigger"}, // debounce, forced, shutdown
			),
			FlushedMessages: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_flushed_messages_total",
					Help: "Total number of messages drained from session buffers",
				},
			),
			OrphanRecoveries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_orphan_buffer_recoveries_total",
					Help: "Total number of orphaned buffers recovered during shutdown sweeps",
				},
			),

			TurnsStarted: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_turns_started_total",
					Help: "Total number of session processing turns started",
				},
			),
			TurnDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "fleet_turn_duration_seconds",
					Help:    "Session processing turn duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to 51s
				},
			),
			LockContention: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_lock_contention_total",
					Help: "Total number of turns abandoned because the session lock was held",
				},
			),
			ActionsRun: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fleet_actions_run_total",
					Help: "Total number of actions executed",
				},
				[]string{"executor", "success"},
			),

			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "fleet_connections_active",
					Help: "Number of bot connections currently open on this gateway",
				},
			),
			ConnectionEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fleet_connection_events_total",
					Help: "Total number of connection state transitions",
				},
				[]string{"state"},
			),
			HeartbeatsSent: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_heartbeats_sent_total",
					Help: "Total number of liveness heartbeats written to the broker",
				},
			),

			MessagesInbound: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fleet_messages_inbound_total",
					Help: "Total number of inbound transport messages",
				},
				[]string{"platform"},
			),
			MessagesOutbound: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "fleet_messages_outbound_total",
					Help: "Total number of outbound payloads delivered",
				},
			),
		}
	})

	return sharedMetrics
}

// RecordCommand records a handled command and its latency.
func (m *Metrics) RecordCommand(kind string, success bool, elapsed time.Duration) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	m.CommandsHandled.WithLabelValues(kind, successStr).Inc()
	m.CommandLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RecordFlush records one buffer flush and the messages it drained.
func (m *Metrics) RecordFlush(trigger string, messages int) {
	m.BufferFlushes.WithLabelValues(trigger).Inc()
	m.FlushedMessages.Add(float64(messages))
}

// RecordAction records one executed action.
func (m *Metrics) RecordAction(executor string, success bool) {
	successStr := "false"
	if success {
		successStr = "true"
	}
	m.ActionsRun.WithLabelValues(executor, successStr).Inc()
}
