// Package metrics provides Prometheus metrics for the sync daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// Remote service metrics
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olsync_remote_requests_total",
			Help: "Total number of requests to the remote project service",
		},
		[]string{"op", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "olsync_remote_request_duration_seconds",
			Help:    "Remote request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Registry metrics
	registryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "olsync_registry_entries",
			Help: "Number of entries in the remote document registry",
		},
		[]string{"project"},
	)

	registryRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olsync_registry_refresh_total",
			Help: "Total number of registry refreshes",
		},
		[]string{"status"},
	)

	// Upload queue metrics
	flushItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olsync_flush_items_total",
			Help: "Total number of pending changes processed by upload flushes",
		},
		[]string{"kind", "status"},
	)

	// Realtime metrics
	remoteUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olsync_remote_updates_total",
			Help: "Total number of pushed document updates, by outcome",
		},
		[]string{"outcome"},
	)

	localUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olsync_local_updates_total",
			Help: "Total number of local edits submitted over the realtime channel",
		},
		[]string{"status"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "olsync_active_sessions",
			Help: "Number of projects currently being synced",
		},
	)
)

// Outcomes of a pushed remote update.
const (
	UpdateApplied    = "applied"
	UpdateDuplicate  = "duplicate"
	UpdateGap        = "gap"
	UpdateNotJoined  = "not_joined"
	UpdateFailed     = "failed"
	UpdateConcurrent = "concurrent"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics on `addr` until the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).WithField("addr", addr).Warn("Metrics server stopped")
		}
	}()
}

// RecordRemoteRequest records a request to the remote project service.
func RecordRemoteRequest(op string, duration time.Duration, err error) {
	remoteRequestsTotal.WithLabelValues(op, status(err)).Inc()
	remoteRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetRegistryEntries sets the registry size for a project.
func SetRegistryEntries(projectID string, count int) {
	registryEntries.WithLabelValues(projectID).Set(float64(count))
}

// RecordRegistryRefresh records a registry refresh.
func RecordRegistryRefresh(err error) {
	registryRefreshTotal.WithLabelValues(status(err)).Inc()
}

// RecordFlushItem records the result of a single pending change.
func RecordFlushItem(kind string, err error) {
	flushItemsTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordRemoteUpdate records the outcome of a pushed document update.
func RecordRemoteUpdate(outcome string) {
	remoteUpdatesTotal.WithLabelValues(outcome).Inc()
}

// RecordLocalUpdate records a local edit submitted over the realtime channel.
func RecordLocalUpdate(err error) {
	localUpdatesTotal.WithLabelValues(status(err)).Inc()
}

// SessionStarted increments the number of active sessions.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionStopped decrements the number of active sessions.
func SessionStopped() {
	activeSessions.Dec()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
