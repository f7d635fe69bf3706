// Package metrics provides Prometheus instrumentation for the Tandem chat
// server: gauges for live connections and matchmaking state, counters for
// message and match-outcome throughput, and a histogram for time-to-pair.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active socket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_connections_total",
		Help: "Current number of active socket connections",
	})

	// WaitingPoolSize tracks the current number of connections in the
	// waiting pool (stale entries included until lazily evicted).
	WaitingPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_waiting_pool_size",
		Help: "Current number of connections waiting for a random match",
	})

	// PendingRooms tracks the number of match rooms awaiting the handshake.
	PendingRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_pending_rooms",
		Help: "Current number of match rooms pending acceptance",
	})

	// MatchOutcomes counts terminal outcomes of match attempts, labeled by
	// outcome: "paired", "waiting", "connected", "rejected",
	// "profile_incomplete", "partner_lookup_failed", "no_mutual_interest",
	// "peer_disconnected".
	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_match_outcomes_total",
		Help: "Match state machine outcomes",
	}, []string{"outcome"})

	// MessagesTotal counts relayed chat messages, labeled by kind:
	// "private" or "group".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_messages_total",
		Help: "Total number of chat messages relayed",
	}, []string{"kind"})

	// PersistFailures counts best-effort store writes that failed and were
	// skipped without affecting delivery.
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_persist_failures_total",
		Help: "Chat message persistence failures (delivery proceeded)",
	})

	// TimeToPair records how long a claimed partner had been waiting before
	// being paired.
	TimeToPair = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_time_to_pair_seconds",
		Help:    "Waiting-pool residence time of claimed partners",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingPoolSize,
		PendingRooms,
		MatchOutcomes,
		MessagesTotal,
		PersistFailures,
		TimeToPair,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
