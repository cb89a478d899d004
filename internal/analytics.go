package minstrel

import "github.com/prometheus/client_golang/prometheus"

var (
	minstrelEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minstrel_events_total",
			Help: "Events drained from the unified queue by type",
		},
		[]string{"type"},
	)

	minstrelGatewayLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minstrel_gateway_latency_ms",
			Help: "Gateway heartbeat round trip time",
		},
	)

	minstrelPlayerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minstrel_players_count",
			Help: "Number of active guild players",
		},
	)

	minstrelNodeReconnectCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minstrel_node_reconnects_total",
			Help: "Number of audio node reconnects",
		},
	)

	minstrelIdleDestroyCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minstrel_idle_destroys_total",
			Help: "Number of players destroyed by the idle timeout",
		},
	)
)
