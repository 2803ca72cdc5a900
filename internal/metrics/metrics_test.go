package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTransition(t *testing.T) {
	m := New()
	m.ObserveTransition("call", "ok")
	m.ObserveTransition("call", "ok")
	m.ObserveTransition("call", "conflict")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("call", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("call", "conflict")))
}

func TestObserveSweep(t *testing.T) {
	m := New()
	m.ObserveSweep(3, 1, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepEntries.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepEntries.WithLabelValues("skipped")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("seat", "ok")
	m.ObserveRegistration("MANUAL")
	m.ObserveSweep(1, 0, 0)
	m.ObserveRequest(http.MethodGet, http.StatusOK, time.Millisecond)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRegistration("TABLET")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "waiting_registrations_total"))
}
