package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total websocket connections accepted",
		},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Currently open websocket connections",
		},
	)

	packetsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_packets_relayed_total",
			Help: "Packets fanned out to channel subscribers",
		},
		[]string{"event"},
	)

	messagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Messages written through the send path",
		},
	)

	presenceUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_presence_updates_total",
			Help: "Online-status updates received",
		},
	)
)
