package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCounterVec(t *testing.T) {
	testCases := []struct {
		subsystem  string
		name       string
		help       string
		labelNames []string
	}{
		{
			subsystem:  "http",
			name:       "requests_total",
			help:       "help1",
			labelNames: []string{"method", "route", "status_code"},
		},
		{
			subsystem:  "engine",
			name:       "transfers_total",
			help:       "help2",
			labelNames: []string{"status"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			counterVec := newCounterVec(tc.subsystem, tc.name, tc.help, tc.labelNames...)

			assert.NotNil(t, counterVec)
			assert.IsType(t, &prometheus.CounterVec{}, counterVec)

			values := make([]string, len(tc.labelNames))
			counterVec.WithLabelValues(values...).Inc()
			assert.Equal(t, 1, testutil.CollectAndCount(counterVec))
		})
	}
}

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveRequest(http.MethodPost, "/api/stylize", http.StatusOK)
	m.ObserveRequest(http.MethodPost, "/api/stylize", http.StatusOK)
	m.ObserveRequest(http.MethodPost, "/api/stylize", http.StatusServiceUnavailable)

	m.ObserveEngine("transfer", 120*time.Millisecond, nil)
	m.ObserveEngine("transfer", 10*time.Millisecond, errors.New("boom"))
	m.ObserveEngine("describe", 10*time.Millisecond, nil)

	m.Queued(2)
	m.Queued(-1)
	m.InFlight(1)
	m.SetReady(true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "/api/stylize", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transfers.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transfers.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.queued), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.engineReady), 0)

	m.SetReady(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.engineReady), 0)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stylize_http_requests_total{method="POST",route="/api/stylize",status_code="503"} 1`)
	assert.Contains(t, string(body), `stylize_engine_duration_seconds_count{operation="transfer"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
