package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crank_workers_total",
			Help: "Total number of registered workers by state",
		},
		[]string{"state"},
	)

	CapabilitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_capabilities_total",
			Help: "Total number of distinct capability ids known to the registry",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_heartbeats_total",
			Help: "Total number of heartbeats received by worker state transition",
		},
		[]string{"result"},
	)

	TombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_tombstones_total",
			Help: "Total number of retained tombstone records",
		},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crank_dispatch_latency_seconds",
			Help:    "Time taken to route a job request to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_dispatch_total",
			Help: "Total number of dispatch decisions by outcome",
		},
		[]string{"outcome"},
	)

	InFlightDispatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crank_inflight_dispatches",
			Help: "Current number of in-flight dispatches held by the backpressure semaphore",
		},
	)

	// Certificate lifecycle metrics
	CertificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_certificates_issued_total",
			Help: "Total number of certificates issued by role",
		},
		[]string{"role"},
	)

	CertificatesRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_certificates_revoked_total",
			Help: "Total number of certificates revoked",
		},
	)

	CertificateRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_certificate_rotations_total",
			Help: "Total number of successful certificate rotations",
		},
	)

	CSRFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_csr_failures_total",
			Help: "Total number of CSR submission failures",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crank_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crank_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Mesh metrics
	MeshSnapshotsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_mesh_snapshots_sent_total",
			Help: "Total number of mesh state snapshots sent to peer controllers",
		},
	)

	MeshSnapshotsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_mesh_snapshots_received_total",
			Help: "Total number of mesh state snapshots received from peer controllers",
		},
	)

	MeshStaleEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crank_mesh_stale_evictions_total",
			Help: "Total number of mesh entries evicted as stale",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(CapabilitiesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(TombstonesTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(InFlightDispatches)
	prometheus.MustRegister(CertificatesIssued)
	prometheus.MustRegister(CertificatesRevoked)
	prometheus.MustRegister(CertificateRotations)
	prometheus.MustRegister(CSRFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(MeshSnapshotsSent)
	prometheus.MustRegister(MeshSnapshotsReceived)
	prometheus.MustRegister(MeshStaleEvictions)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
