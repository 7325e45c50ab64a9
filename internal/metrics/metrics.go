// ============================================================================
// forgec metrics - Prometheus metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects compile run metrics and exposes them for Prometheus.
//
// Metrics:
//
//   1. Counters:
//      - forgec_jobs_dispatched_total: compiler invocations started
//      - forgec_jobs_succeeded_total: compiler invocations that returned output
//      - forgec_jobs_failed_total: compiler invocations that failed to run
//      - forgec_dirty_files_total: files handed to the compiler as dirty
//      - forgec_server_requests_total{code}: compile RPCs served
//
//   2. Histograms:
//      - forgec_job_latency_seconds{compiler,version}: wall time per invocation
//
//   3. Gauges:
//      - forgec_cached_artifacts: artifacts reused from the cache by the last run
//      - forgec_last_run_duration_seconds: wall time of the last compile run
//
// Example queries:
//
//   # p95 compiler latency per version
//   histogram_quantile(0.95, sum by (le, version) (rate(forgec_job_latency_seconds_bucket[5m])))
//
//   # invocation failure ratio
//   rate(forgec_jobs_failed_total[5m]) / rate(forgec_jobs_dispatched_total[5m])
//
// HTTP endpoint:
//   /metrics, default port 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every forgec metric.
type Collector struct {
	jobsDispatched prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter
	dirtyFiles     prometheus.Counter
	serverRequests *prometheus.CounterVec

	jobLatency *prometheus.HistogramVec

	cachedArtifacts prometheus.Gauge
	runDuration     prometheus.Gauge
}

// NewCollector creates the collector and registers it with prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers the collector's metrics with reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgec_jobs_dispatched_total",
			Help: "Total number of compiler invocations started",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgec_jobs_succeeded_total",
			Help: "Total number of compiler invocations that returned output",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgec_jobs_failed_total",
			Help: "Total number of compiler invocations that failed to run",
		}),
		dirtyFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgec_dirty_files_total",
			Help: "Total number of dirty files handed to a compiler",
		}),
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgec_server_requests_total",
			Help: "Compile RPCs served, by status code",
		}, []string{"code"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgec_job_latency_seconds",
			Help:    "Compiler invocation latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"compiler", "version"}),
		cachedArtifacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgec_cached_artifacts",
			Help: "Artifacts reused from the cache by the last run",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgec_last_run_duration_seconds",
			Help: "Wall time of the last compile run in seconds",
		}),
	}

	reg.MustRegister(
		c.jobsDispatched,
		c.jobsSucceeded,
		c.jobsFailed,
		c.dirtyFiles,
		c.serverRequests,
		c.jobLatency,
		c.cachedArtifacts,
		c.runDuration,
	)
	return c
}

// RecordDispatch records a compiler invocation for dirty files.
func (c *Collector) RecordDispatch(dirty int) {
	c.jobsDispatched.Inc()
	c.dirtyFiles.Add(float64(dirty))
}

// RecordSuccess records a finished invocation and its latency.
func (c *Collector) RecordSuccess(compiler, version string, seconds float64) {
	c.jobsSucceeded.Inc()
	c.jobLatency.WithLabelValues(compiler, version).Observe(seconds)
}

// RecordFailure records an invocation failure.
func (c *Collector) RecordFailure() {
	c.jobsFailed.Inc()
}

// RecordRequest records one served compile RPC.
func (c *Collector) RecordRequest(code string) {
	c.serverRequests.WithLabelValues(code).Inc()
}

// SetCachedArtifacts sets the number of artifacts reused by the last run.
func (c *Collector) SetCachedArtifacts(n int) {
	c.cachedArtifacts.Set(float64(n))
}

// SetRunDuration sets the wall time of the last run.
func (c *Collector) SetRunDuration(seconds float64) {
	c.runDuration.Set(seconds)
}

// Handler serves the metrics registered with prometheus.DefaultGatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on port. It blocks until the server fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
