package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RuntimeCreated("v5", true, time.Second)
		m.ExecutionFinished("v5", 200, time.Second)
		m.ExecutionFailed("v5", "execution_timeout")
		m.ColdStart(time.Second)
		m.Retry()
		m.Evicted(3)
		m.SetActiveRuntimes(1)
		m.SetUsage(10, map[string]float64{"r1": 1})
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()

	m.RuntimeCreated("v5", true, time.Second)
	m.RuntimeCreated("v5", false, time.Second)
	m.RuntimeCreated("v5", false, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuntimesCreated.WithLabelValues("v5", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuntimesCreated.WithLabelValues("v5", "failure")))

	m.ExecutionFinished("v2", 204, time.Millisecond)
	m.ExecutionFinished("v2", 503, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("v2", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("v2", "5xx")))

	m.Retry()
	m.Retry()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionRetries))

	m.Evicted(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RuntimesEvicted))
}

func TestSetUsageDropsGoneRuntimes(t *testing.T) {
	m := New()

	m.SetUsage(50, map[string]float64{"a": 10, "b": 20})
	assert.Equal(t, 2, testutil.CollectAndCount(m.RuntimeCPUUsage))

	m.SetUsage(40, map[string]float64{"b": 30})
	assert.Equal(t, 1, testutil.CollectAndCount(m.RuntimeCPUUsage))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.RuntimeCPUUsage.WithLabelValues("b")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.HostCPUUsage))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetActiveRuntimes(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openruntimes_executor_active_runtimes 3")
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "unknown", statusClass(0))
	assert.Equal(t, "unknown", statusClass(700))
}
