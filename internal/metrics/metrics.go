package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "espresso_active_rooms",
			Help: "Room actors currently running",
		},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "espresso_live_sessions",
			Help: "Connected sessions across all rooms",
		},
	)

	SessionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espresso_sessions_opened_total",
			Help: "Sessions admitted to a room",
		},
		[]string{"room_type"}, // "direct" or "group"
	)

	OpensRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espresso_opens_rejected_total",
			Help: "Open calls refused before a session was created",
		},
		[]string{"reason"},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espresso_messages_persisted_total",
			Help: "Messages durably stored",
		},
		[]string{"room_type"},
	)

	ClientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espresso_client_errors_total",
			Help: "Error events sent back to a session",
		},
		[]string{"reason"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "espresso_persist_failures_total",
			Help: "Sends dropped because the message could not be stored",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "espresso_store_latency_seconds",
			Help:    "Directory and message store latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)

// ObserveStore records the time elapsed since start for op.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
