package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMetrics(t *testing.T) {
	m := New()
	m.TaskQueued(3)
	m.TaskStarted("build01")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersActive.WithLabelValues("build01")))
	m.TaskFinished("build01", OutcomeOK, 2*time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksQueued))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkersActive.WithLabelValues("build01")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("build01", OutcomeOK)))
}

func TestCacheMetrics(t *testing.T) {
	m := New()
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.CacheEvicted(4)
	m.CacheSize(7)
	m.VariantLookup("profile", true)
	m.VariantLookup("profile", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatasetHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatasetMisses))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DatasetEvictions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DatasetsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VariantLookups.WithLabelValues("profile", "miss")))
}

func TestMonitoringEndpoints(t *testing.T) {
	m := New()
	m.CacheHit()
	ms := NewMonitoringServer("127.0.0.1:0", m)
	ms.RegisterHealthCheck("goroutines", GoroutineCheck)
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "vpb_dataset_cache_hits_total 1"))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, HealthStatusHealthy, health.Status)
	require.Len(t, health.Checks, 1)
	assert.Equal(t, "goroutines", health.Checks[0].Name)
}

func TestUnhealthyCheckFailsHealth(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", New())
	ms.RegisterHealthCheck("ledger", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "database locked"}
	})
	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
