package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("periodic", "ok", time.Second)
	m.AddInflight(1)
	m.SetPhase("TICKING", []string{"TICKING"})
	m.WriterDropped("queue_full")
	assert.Nil(t, m.Registry())
}

func TestCountersAndPhase(t *testing.T) {
	m := New()
	m.ObserveDispatch("periodic", "ok", 10*time.Millisecond)
	m.ObserveDispatch("periodic", "failed", 10*time.Millisecond)
	m.ObserveDispatch("periodic", "failed", 10*time.Millisecond)
	m.SetPhase("TICKING", []string{"INIT", "TICKING"})
	m.IncCancelled()

	body := scrape(t, m)
	assert.Contains(t, body, `warden_dispatch_units_total{kind="periodic",result="failed"} 2`)
	assert.Contains(t, body, `warden_scheduler_phase{phase="TICKING"} 1`)
	assert.Contains(t, body, `warden_scheduler_phase{phase="INIT"} 0`)
	assert.Contains(t, body, "warden_scheduler_cancellations_total 1")
}
