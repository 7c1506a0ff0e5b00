// Package metrics provides Prometheus instrumentation for the chat server:
// gauges for connection and session counts, counters for message and match
// throughput, and histograms for wait times.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts relayed messages, labeled by outcome:
	// "delivered", "sent", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// MatchesTotal counts created matches, labeled by quality.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_matches_total",
		Help: "Total number of matches made",
	}, []string{"quality"})

	// MatchWaitSeconds records how long the claimed candidate waited in the
	// pool before being matched.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftchat_match_wait_seconds",
		Help:    "Time a user waited in the pool before being matched",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// ActiveSessions tracks the current number of connected chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftchat_active_sessions",
		Help: "Current number of connected chat sessions",
	})

	// WaitingUsers tracks the current waiting pool size, labeled by chat type.
	WaitingUsers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftchat_waiting_users",
		Help: "Current number of users waiting for a match",
	}, []string{"chat_type"})

	// SessionsEndedTotal counts ended sessions, labeled by who or what ended
	// them: "user", "disconnect", or "inactivity".
	SessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftchat_sessions_ended_total",
		Help: "Total number of chat sessions ended",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MatchesTotal,
		MatchWaitSeconds,
		ActiveSessions,
		WaitingUsers,
		SessionsEndedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
