// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection counts, counters for message and
// moderation throughput, and a histogram for send pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomMembers tracks the current number of (connection, channel) room memberships.
	RoomMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_room_members",
		Help: "Current number of channel room memberships",
	})

	// MessagesTotal counts sends by outcome: "created", "warned", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of send operations processed",
	}, []string{"outcome"})

	// StrikesTotal counts strikes recorded by the moderation engine.
	StrikesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_strikes_total",
		Help: "Total number of moderation strikes recorded",
	})

	// MutesTotal counts mutes created by strike escalation.
	MutesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_mutes_total",
		Help: "Total number of mutes created by escalation",
	})

	// SendLatency records end-to-end send pipeline latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Send pipeline processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomMembers,
		MessagesTotal,
		StrikesTotal,
		MutesTotal,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
