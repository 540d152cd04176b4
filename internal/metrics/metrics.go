// Package metrics registers the Prometheus instruments for the sync runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync core.
type Metrics struct {
	// Tick loop
	TicksCaptured prometheus.CounterVec
	TicksDelayed  prometheus.CounterVec
	TickDuration  prometheus.HistogramVec
	TickHeadroom  prometheus.GaugeVec

	// Sessions
	SessionsConnected prometheus.GaugeVec
	SessionsClosed    prometheus.CounterVec

	// Delivery
	MessagesEnqueued prometheus.CounterVec
	MessagesDropped  prometheus.CounterVec
	MessagesSent     prometheus.CounterVec

	// Queries
	QueryDuration prometheus.HistogramVec
	QueryFailures prometheus.CounterVec

	// Keyframes
	KeyframeEntities prometheus.HistogramVec
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksCaptured: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_ticks_captured_total",
				Help: "Ticks captured per sync group",
			},
			[]string{"sync_group"},
		),
		TicksDelayed: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_ticks_delayed_total",
				Help: "Ticks whose capture overran the configured tick rate",
			},
			[]string{"sync_group"},
		),
		TickDuration: *factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "world_tick_duration_seconds",
				Help:    "Wall time of one tick capture including diff and fan-out handoff",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"sync_group"},
		),
		TickHeadroom: *factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "world_tick_headroom_ms",
				Help: "Milliseconds left before the next scheduled fire after the last capture",
			},
			[]string{"sync_group"},
		),
		SessionsConnected: *factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "world_sessions_connected",
				Help: "Live sessions per sync group",
			},
			[]string{"sync_group"},
		),
		SessionsClosed: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_sessions_closed_total",
				Help: "Sessions closed, by reason",
			},
			[]string{"sync_group", "reason"}, // reason: expired, invalid, backpressure, transport, shutdown
		),
		MessagesEnqueued: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_messages_enqueued_total",
				Help: "Messages placed on per-session outbound queues",
			},
			[]string{"type"},
		),
		MessagesDropped: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_messages_dropped_total",
				Help: "Non-critical messages dropped under backpressure",
			},
			[]string{"type"},
		),
		MessagesSent: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_messages_sent_total",
				Help: "Messages written to sockets",
			},
			[]string{"type"},
		),
		QueryDuration: *factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "world_query_duration_seconds",
				Help:    "Duration of client queries executed under agent context",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"}, // status: ok, error, timeout
		),
		QueryFailures: *factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "world_query_failures_total",
				Help: "Client queries that failed, by error kind",
			},
			[]string{"kind"},
		),
		KeyframeEntities: *factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "world_keyframe_entities",
				Help:    "Entity count of delivered keyframes",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"sync_group"},
		),
	}
}
