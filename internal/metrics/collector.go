// internal/metrics/collector.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_runs_total",
			Help: "Total recovery runs by scenario and terminal status",
		},
		[]string{"scenario", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recoverd_run_duration_seconds",
			Help:    "Recovery run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"scenario"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recoverd_runs_active",
			Help: "Number of recovery runs in a non-terminal state",
		},
	)

	// Step metrics
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_steps_total",
			Help: "Total executed recovery steps by outcome",
		},
		[]string{"step", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recoverd_step_duration_seconds",
			Help:    "Recovery step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"step"},
	)

	// Validation metrics
	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_validations_total",
			Help: "Total backup validations by result",
		},
		[]string{"result"},
	)

	validationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recoverd_validation_duration_seconds",
			Help:    "Backup validation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Objective metrics
	objectiveResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_objective_results_total",
			Help: "RTO/RPO evaluations by tier and outcome",
		},
		[]string{"tier", "objective", "met"},
	)

	// Engine client metrics
	engineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_engine_requests_total",
			Help: "Total backup-engine requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	engineRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recoverd_engine_request_duration_seconds",
			Help:    "Backup-engine request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Catalog metrics
	catalogBackups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recoverd_catalog_backups",
			Help: "Backups currently visible in the catalog by tier",
		},
		[]string{"tier"},
	)
)

// Collector manages metrics collection
type Collector struct {
	startTime time.Time
}

// NewCollector creates a metrics collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// RecordRun records a terminal recovery run
func (c *Collector) RecordRun(scenario, status string, duration time.Duration) {
	runsTotal.WithLabelValues(scenario, status).Inc()
	runDuration.WithLabelValues(scenario).Observe(duration.Seconds())
}

// RunStarted increments the active-run gauge
func (c *Collector) RunStarted() {
	activeRuns.Inc()
}

// RunFinished decrements the active-run gauge
func (c *Collector) RunFinished() {
	activeRuns.Dec()
}

// RecordStep records one executed step
func (c *Collector) RecordStep(step, outcome string, duration time.Duration) {
	stepsTotal.WithLabelValues(step, outcome).Inc()
	stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordValidation records one backup validation
func (c *Collector) RecordValidation(passed bool, duration time.Duration) {
	result := "failed"
	if passed {
		result = "passed"
	}
	validationsTotal.WithLabelValues(result).Inc()
	validationDuration.Observe(duration.Seconds())
}

// RecordObjective records an RTO or RPO evaluation
func (c *Collector) RecordObjective(tier, objective string, met bool) {
	metStr := "false"
	if met {
		metStr = "true"
	}
	objectiveResults.WithLabelValues(tier, objective, metStr).Inc()
}

// RecordEngineRequest records one backup-engine call
func (c *Collector) RecordEngineRequest(operation, status string, duration time.Duration) {
	engineRequests.WithLabelValues(operation, status).Inc()
	engineRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetCatalogBackups sets the per-tier catalog gauge
func (c *Collector) SetCatalogBackups(tier string, count int) {
	catalogBackups.WithLabelValues(tier).Set(float64(count))
}

// Uptime returns the uptime duration
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
