// Package metrics provides Prometheus instrumentation for Drift. It exposes
// gauges for relay connectivity and matchmaking state, counters for event
// throughput, and histograms for match latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelaysConnected tracks the current number of connected relay endpoints.
	RelaysConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_relays_connected",
		Help: "Current number of connected relay endpoints",
	})

	// PublishesTotal counts publish outcomes, labeled "ok" or "degraded"
	// (no endpoint reachable, event recorded locally only).
	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_publishes_total",
		Help: "Total number of publish attempts by outcome",
	}, []string{"outcome"})

	// EventsReceivedTotal counts inbound events accepted by the pool.
	EventsReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_events_received_total",
		Help: "Total number of inbound events accepted",
	})

	// EventsDroppedTotal counts inbound events dropped, labeled by reason:
	// "duplicate", "invalid", "expired", or "decrypt".
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_events_dropped_total",
		Help: "Total number of inbound events dropped",
	}, []string{"reason"})

	// SubscriptionsActive tracks the number of live pool subscriptions.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_subscriptions_active",
		Help: "Current number of active subscriptions",
	})

	// MatchState reports the state machine position (0=disconnected,
	// 1=looking, 2=connecting, 3=connected).
	MatchState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_match_state",
		Help: "Matchmaking state machine position",
	})

	// MatchDuration records the time from startLooking to connected.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_duration_seconds",
		Help:    "Time from start of looking to confirmed pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})

	// RelaydConnections tracks active client connections on the relay daemon.
	RelaydConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_relayd_connections",
		Help: "Current number of client connections on the relay daemon",
	})

	// RelaydEventsTotal counts events handled by the relay daemon, labeled
	// "accepted", "rejected", or "limited".
	RelaydEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_relayd_events_total",
		Help: "Total number of events handled by the relay daemon",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		RelaysConnected,
		PublishesTotal,
		EventsReceivedTotal,
		EventsDroppedTotal,
		SubscriptionsActive,
		MatchState,
		MatchDuration,
		RelaydConnections,
		RelaydEventsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
