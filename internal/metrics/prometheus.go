package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for a cluster map node
type PrometheusMetrics struct {
	// Membership metrics
	ClusterMembersActive prometheus.Gauge
	MembershipEvents     *prometheus.CounterVec

	// Operation metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	MapOperations    *prometheus.CounterVec

	// Storage metrics
	EntriesLive *prometheus.GaugeVec

	// Replication metrics
	ReplicationMessages *prometheus.CounterVec
	ReplicationErrors   *prometheus.CounterVec

	// Notification metrics
	EventsDelivered prometheus.Counter
	ListenerPanics  prometheus.Counter
}

// NewPrometheusMetrics creates the PrometheusMetrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			ClusterMembersActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "clustermap_members_active",
				Help: "The number of members in the local cluster view",
			}),
			MembershipEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clustermap_membership_events_total",
					Help: "Membership changes observed by this node",
				},
				[]string{"type"},
			),

			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clustermap_http_requests_total",
					Help: "The total number of processed HTTP requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "clustermap_http_request_duration_seconds",
					Help:    "The HTTP request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "clustermap_http_requests_in_flight",
				Help: "The number of HTTP requests currently being processed",
			}),
			MapOperations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clustermap_map_operations_total",
					Help: "Map operations by map, operation and outcome",
				},
				[]string{"map", "op", "outcome"},
			),

			EntriesLive: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "clustermap_entries_live",
					Help: "The number of live entries per map",
				},
				[]string{"map"},
			),

			ReplicationMessages: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clustermap_replication_messages_total",
					Help: "Replication messages by direction (sent, received, applied, stale)",
				},
				[]string{"direction"},
			),
			ReplicationErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "clustermap_replication_errors_total",
					Help: "The total number of replication errors",
				},
				[]string{"stage"},
			),

			EventsDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clustermap_events_delivered_total",
				Help: "Change events handed to listeners",
			}),
			ListenerPanics: promauto.NewCounter(prometheus.CounterOpts{
				Name: "clustermap_listener_panics_total",
				Help: "Listener callbacks that panicked",
			}),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics()
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetClusterMembersActive updates the size of the local cluster view
func (pm *PrometheusMetrics) SetClusterMembersActive(count int) {
	pm.ClusterMembersActive.Set(float64(count))
}

// RecordMembershipEvent counts a membership change
func (pm *PrometheusMetrics) RecordMembershipEvent(eventType string) {
	pm.MembershipEvents.WithLabelValues(eventType).Inc()
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	pm.RequestsInFlight.Dec()
}

// RecordMapOperation counts a map operation
func (pm *PrometheusMetrics) RecordMapOperation(mapName, op, outcome string) {
	pm.MapOperations.WithLabelValues(mapName, op, outcome).Inc()
}

// SetEntriesLive updates the live entry count of a map
func (pm *PrometheusMetrics) SetEntriesLive(mapName string, count int) {
	pm.EntriesLive.WithLabelValues(mapName).Set(float64(count))
}

// RecordReplicationMessage counts a replication message
func (pm *PrometheusMetrics) RecordReplicationMessage(direction string) {
	pm.ReplicationMessages.WithLabelValues(direction).Inc()
}

// RecordReplicationError records a replication error at the given stage
func (pm *PrometheusMetrics) RecordReplicationError(stage string) {
	pm.ReplicationErrors.WithLabelValues(stage).Inc()
}

// RecordEventDelivered counts an event handed to a listener
func (pm *PrometheusMetrics) RecordEventDelivered() {
	pm.EventsDelivered.Inc()
}

// RecordListenerPanic counts a listener panic
func (pm *PrometheusMetrics) RecordListenerPanic() {
	pm.ListenerPanics.Inc()
}
