package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the summed sample value of a counter or gauge family.
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				total += m.GetGauge().GetValue()
			}
			if m.GetHistogram() != nil {
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()
	require.NotNil(t, collector)
	assert.NotNil(t, collector.jobsDispatched)
	assert.NotNil(t, collector.jobLatency)
	assert.NotNil(t, collector.runDuration)
}

func TestRecordJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg)

	c.RecordDispatch(3)
	c.RecordDispatch(2)
	c.RecordSuccess("Solc", "0.8.19", 0.4)
	c.RecordFailure()

	assert.Equal(t, 2.0, value(t, reg, "forgec_jobs_dispatched_total"))
	assert.Equal(t, 5.0, value(t, reg, "forgec_dirty_files_total"))
	assert.Equal(t, 1.0, value(t, reg, "forgec_jobs_succeeded_total"))
	assert.Equal(t, 1.0, value(t, reg, "forgec_jobs_failed_total"))
	assert.Equal(t, 1.0, value(t, reg, "forgec_job_latency_seconds"))
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg)

	c.SetCachedArtifacts(7)
	c.SetRunDuration(1.5)
	c.SetCachedArtifacts(2)

	assert.Equal(t, 2.0, value(t, reg, "forgec_cached_artifacts"))
	assert.Equal(t, 1.5, value(t, reg, "forgec_last_run_duration_seconds"))
}

func TestRecordRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith(reg)

	c.RecordRequest("OK")
	c.RecordRequest("OK")
	c.RecordRequest("Internal")

	assert.Equal(t, 3.0, value(t, reg, "forgec_server_requests_total"))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg)
	assert.Panics(t, func() { NewCollectorWith(reg) })
}

func TestHandler(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
