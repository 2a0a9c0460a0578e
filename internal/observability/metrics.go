package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "upend",
			Name:      "session_entries",
			Help:      "Live session book entries by state.",
		},
		[]string{"node", "state"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "upend",
			Name:      "session_transitions_total",
			Help:      "Session book transitions by reason.",
		},
		[]string{"node", "reason"},
	)
	signonOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "upend",
			Name:      "signon_outcomes_total",
			Help:      "Signon steps by attempt kind and outcome.",
		},
		[]string{"node", "attempt", "outcome"},
	)
	upendLinks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "upend",
			Name:      "links",
			Help:      "Connected downend links by transport.",
		},
		[]string{"node", "transport"},
	)
	keepAliveTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "session",
			Name:      "keepalive_timeouts_total",
			Help:      "Links force-closed by keep-alive supervision.",
		},
		[]string{"node", "side"},
	)
	downendStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "downend",
			Name:      "state_changes_total",
			Help:      "Connection supervisor state changes.",
		},
		[]string{"node", "state"},
	)
	downendReconnectDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "downend",
			Name:      "reconnect_delay_seconds",
			Help:      "Randomized wait before redialing.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node"},
	)
	inFlightCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "downend",
			Name:      "in_flight_calls",
			Help:      "Commands awaiting their answer.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionEntries,
			sessionTransitions,
			signonOutcomes,
			upendLinks,
			keepAliveTimeouts,
			downendStates,
			downendReconnectDelay,
			inFlightCalls,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// SetSessionEntries publishes the current count of entries in one state.
func SetSessionEntries(node, state string, n int) {
	RegisterMetrics()
	sessionEntries.WithLabelValues(node, state).Set(float64(n))
}

func RecordSessionTransition(node, reason string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(node, reason).Inc()
}

// RecordSignon counts one signon step. outcome is "ok", "secondary_required"
// or a failure kind name.
func RecordSignon(node, attempt, outcome string) {
	RegisterMetrics()
	signonOutcomes.WithLabelValues(node, attempt, outcome).Inc()
}

func AddUpendLinks(node, transport string, delta int) {
	RegisterMetrics()
	upendLinks.WithLabelValues(node, transport).Add(float64(delta))
}

// RecordKeepAliveTimeout counts a forced close; side is "upend" or "downend".
func RecordKeepAliveTimeout(node, side string) {
	RegisterMetrics()
	keepAliveTimeouts.WithLabelValues(node, side).Inc()
}

func RecordDownendState(node, state string) {
	RegisterMetrics()
	downendStates.WithLabelValues(node, state).Inc()
}

func RecordReconnectDelay(node string, delay time.Duration) {
	RegisterMetrics()
	downendReconnectDelay.WithLabelValues(node).Observe(delay.Seconds())
}

func SetInFlightCalls(node string, n int) {
	RegisterMetrics()
	inFlightCalls.WithLabelValues(node).Set(float64(n))
}
