// Package metrics exposes the process's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infusionrelay_inbound_messages_total",
		Help: "Device messages received from the broker, by kind.",
	}, []string{"kind"})

	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infusionrelay_dropped_messages_total",
		Help: "Device messages dropped before reaching the cache, by reason.",
	}, []string{"reason"})

	CommandsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infusionrelay_commands_published_total",
		Help: "Commands handed to the broker, by command and result.",
	}, []string{"command", "result"})

	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infusionrelay_broker_connected",
		Help: "1 while the broker connection is up.",
	})

	DegradedDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infusionrelay_degraded_detections_total",
		Help: "Status reads that found no heartbeat and synthesized degraded.",
	})

	ActiveLoops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "infusionrelay_broadcast_loops",
		Help: "Active periodic broadcast loops, by room kind.",
	}, []string{"kind"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infusionrelay_ws_clients",
		Help: "Connected live-push clients.",
	})
)
