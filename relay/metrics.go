package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "umlsync_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	}, []string{"channel"})

	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "umlsync_ws_sessions_active",
		Help: "Number of active collaboration sessions.",
	})

	metricMessagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umlsync_ws_messages_broadcast_total",
		Help: "Messages fanned out to session participants.",
	}, []string{"channel"})

	metricMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "umlsync_ws_messages_dropped_total",
		Help: "Inbound messages dropped before broadcast.",
	}, []string{"reason"})
)
