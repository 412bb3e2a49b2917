package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()

	m.AuthFailure("replay")
	m.AuthFailure("replay")
	m.IngestAccepted("t1")
	m.JobRows("offline", "opened", 3)
	m.JobRows("offline", "cleared", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.authFailures.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestAccepted.WithLabelValues("t1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.jobRows.WithLabelValues("offline", "opened")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.JobRun("nonces", "ok", 0.01)

	h := m.InstrumentHandler("health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	// A second wrap with the same name reuses the registered collectors.
	m.InstrumentHandler("health", h)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `hostbeat_jobs_runs_total{job="nonces",status="ok"} 1`)
	assert.Contains(t, rr.Body.String(), `hostbeat_http_requests_total{code="200",handler="health",method="get"} 1`)
}
