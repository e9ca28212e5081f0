// Package metrics provides Prometheus metrics for monitoring the launcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts queue requests by action and response status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserlauncher_requests_total",
			Help: "Total number of queue requests processed",
		},
		[]string{"action", "status"},
	)

	// LaunchDuration tracks the launch pipeline duration.
	LaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browserlauncher_launch_duration_seconds",
			Help:    "Browser launch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~128s
		},
	)

	// SessionsLaunched counts successfully launched sessions.
	SessionsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserlauncher_sessions_launched_total",
			Help: "Total browser sessions launched",
		},
	)

	// SessionsTerminated counts terminations by reason.
	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserlauncher_sessions_terminated_total",
			Help: "Total browser sessions terminated by reason",
		},
		[]string{"reason"},
	)

	// ActiveSessions shows current live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserlauncher_active_sessions",
			Help: "Number of live browser sessions",
		},
	)

	// PortsFree shows free debug ports.
	PortsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserlauncher_ports_free",
			Help: "Debug ports currently free",
		},
	)

	// PortsReserved shows ports held by launches in flight.
	PortsReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserlauncher_ports_reserved",
			Help: "Debug ports reserved by launches in flight",
		},
	)

	// PortsActive shows ports owned by running sessions.
	PortsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserlauncher_ports_active",
			Help: "Debug ports owned by running sessions",
		},
	)

	// QueueReceives counts SQS receive calls by outcome.
	QueueReceives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserlauncher_queue_receives_total",
			Help: "SQS receive attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CallbackDeliveries counts callback POSTs by outcome.
	CallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserlauncher_callback_deliveries_total",
			Help: "Callback deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserlauncher_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		LaunchDuration,
		SessionsLaunched,
		SessionsTerminated,
		ActiveSessions,
		PortsFree,
		PortsReserved,
		PortsActive,
		QueueReceives,
		CallbackDeliveries,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordRequest records a processed queue request.
func RecordRequest(action, status string) {
	RequestsTotal.WithLabelValues(action, status).Inc()
}

// RecordTermination records a session termination.
func RecordTermination(reason string) {
	SessionsTerminated.WithLabelValues(reason).Inc()
}

// UpdatePortMetrics updates the port state gauges.
func UpdatePortMetrics(free, reserved, active int) {
	PortsFree.Set(float64(free))
	PortsReserved.Set(float64(reserved))
	PortsActive.Set(float64(active))
}

// UpdateSessionMetrics updates the live session gauge.
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}
