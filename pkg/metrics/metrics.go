package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus collectors for the scheduling core
type Metrics struct {
	// Detection runs by type and outcome
	DetectionRunsTotal *prometheus.CounterVec

	// Run latency distribution
	DetectionRunDuration *prometheus.HistogramVec

	// Alerts produced per run type
	AlertsGenerated *prometheus.CounterVec

	// Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)
	CircuitBreakerState *prometheus.GaugeVec

	// Whether the governor is currently throttling (0/1)
	ThrottlingActive prometheus.Gauge

	// Admission rejections by kind and reason class
	AdmissionRejections *prometheus.CounterVec

	// Current preloading aggressiveness as tuned by the governor
	PreloadingAggressiveness prometheus.Gauge

	// Active background tasks and preloads
	ActiveOperations *prometheus.GaugeVec
}

// New registers and returns the metrics set. A nil registerer yields a
// detached local registry, handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DetectionRunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gestibat_detection_runs_total",
			Help: "Total number of detection runs by type and outcome.",
		}, []string{"run_type", "outcome"}),

		DetectionRunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gestibat_detection_run_duration_seconds",
			Help:    "Histogram of detection run durations.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"run_type"}),

		AlertsGenerated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gestibat_detection_alerts_total",
			Help: "Total alerts generated by detection runs.",
		}, []string{"run_type", "severity"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gestibat_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"dependency"}),

		ThrottlingActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gestibat_governor_throttling_active",
			Help: "Whether the resource governor is throttling background work.",
		}),

		AdmissionRejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gestibat_admission_rejections_total",
			Help: "Admission rejections by operation kind and reason.",
		}, []string{"kind", "reason"}),

		PreloadingAggressiveness: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gestibat_governor_preloading_aggressiveness",
			Help: "Current preloading aggressiveness tuned by the adaptive loop.",
		}),

		ActiveOperations: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gestibat_active_operations",
			Help: "Currently running operations by kind.",
		}, []string{"kind"}),
	}
}
