// Package metrics provides Prometheus instrumentation for the room chat
// client. It exposes counters for transport traffic and join outcomes, a
// histogram for credential wait time and a gauge for the local log size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts inbound transport events, labeled by event name.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_received_total",
		Help: "Total number of events received from the server",
	}, []string{"event"})

	// EventsSent counts outbound transport events, labeled by event name.
	EventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_sent_total",
		Help: "Total number of events sent to the server",
	}, []string{"event"})

	// JoinAttempts counts finished join attempts by outcome.
	JoinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_join_attempts_total",
		Help: "Total number of room join attempts",
	}, []string{"outcome"}) // outcome = "joined", "denied", "timeout", "cancelled"

	// CredentialWait records how long a private-room join waited for its
	// credential to appear in the local store.
	CredentialWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_credential_wait_seconds",
		Help:    "Time spent polling the local store for a room credential",
		Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// LogEntries tracks the number of entries in the joined room's log.
	LogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_log_entries",
		Help: "Current number of entries in the local message log",
	})
)

// Join outcomes.
const (
	OutcomeJoined    = "joined"
	OutcomeDenied    = "denied"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		EventsSent,
		JoinAttempts,
		CredentialWait,
		LogEntries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
