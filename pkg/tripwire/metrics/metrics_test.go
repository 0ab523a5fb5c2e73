package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectorMetrics_PerDetectorSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDetectorMetrics(reg)

	a := m.ForDetector("errors")
	b := m.ForDetector("logins")
	a.Observed.Add(3)
	a.Fired.Inc()
	b.Dropped.Inc()
	b.Sum.Set(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.observed.WithLabelValues("errors")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fired.WithLabelValues("errors")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("logins")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sum.WithLabelValues("logins")))

	count, err := testutil.GatherAndCount(reg, "tripwire_events_observed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDetectorMetrics_Forget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDetectorMetrics(reg)
	m.ForDetector("gone").Observed.Inc()

	m.Forget("gone")

	count, err := testutil.GatherAndCount(reg, "tripwire_events_observed_total")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	h := NewHTTPMetrics(prometheus.NewRegistry())

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})
	handler := h.Middleware(mux)

	for _, path := range []string{"/ok", "/ok", "/bad"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	}

	stats := h.GetStats()
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.InDelta(t, 33.3, stats.ErrorRate, 0.1)
	assert.Equal(t, int64(0), stats.PendingRequests)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.requests.WithLabelValues("202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.requests.WithLabelValues("400")))
}

func TestHTTPMetrics_EmptyStats(t *testing.T) {
	stats := NewHTTPMetrics(nil).GetStats()
	assert.Zero(t, stats.RequestCount)
	assert.Zero(t, stats.ErrorRate)
	assert.Zero(t, stats.RequestRate)
}
