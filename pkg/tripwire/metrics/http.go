package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks requests against the ingest endpoint
type HTTPMetrics struct {
	requestCount      int64 // Total requests
	errorCount        int64 // Error responses (>= 400)
	totalResponseTime int64 // Sum of all response times (nanoseconds)
	maxResponseTime   int64 // Maximum response time (nanoseconds)
	pendingRequests   int64 // Currently processing requests
	startTime         time.Time

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// HTTPStats is a point-in-time view of ingest traffic
type HTTPStats struct {
	RequestCount    int64     `json:"request_count"`
	ErrorCount      int64     `json:"error_count"`
	ErrorRate       float64   `json:"error_rate"`        // Percentage
	RequestRate     float64   `json:"request_rate"`      // Per second
	AvgResponseTime int64     `json:"avg_response_time"` // Nanoseconds
	MaxResponseTime int64     `json:"max_response_time"` // Nanoseconds
	PendingRequests int64     `json:"pending_requests"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewHTTPMetrics creates the ingest collectors and registers them with reg
// when it is not nil.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	h := &HTTPMetrics{
		startTime: time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Ingest requests by response code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "request_duration_seconds",
			Help:      "Ingest request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(h.requests, h.latency)
	}
	return h
}

// ResponseWriter wrapper to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.statusCode = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(data)
}

// Middleware wraps next with request accounting
func (h *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		atomic.AddInt64(&h.pendingRequests, 1)
		defer atomic.AddInt64(&h.pendingRequests, -1)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(startTime)
		durationNs := duration.Nanoseconds()

		atomic.AddInt64(&h.requestCount, 1)
		atomic.AddInt64(&h.totalResponseTime, durationNs)
		for {
			current := atomic.LoadInt64(&h.maxResponseTime)
			if durationNs <= current {
				break
			}
			if atomic.CompareAndSwapInt64(&h.maxResponseTime, current, durationNs) {
				break
			}
		}
		if wrapped.statusCode >= 400 {
			atomic.AddInt64(&h.errorCount, 1)
		}

		h.requests.WithLabelValues(strconv.Itoa(wrapped.statusCode)).Inc()
		h.latency.Observe(duration.Seconds())
	})
}

// GetStats returns current ingest statistics
func (h *HTTPMetrics) GetStats() HTTPStats {
	requestCount := atomic.LoadInt64(&h.requestCount)
	errorCount := atomic.LoadInt64(&h.errorCount)
	totalResponseTime := atomic.LoadInt64(&h.totalResponseTime)

	stats := HTTPStats{
		RequestCount:    requestCount,
		ErrorCount:      errorCount,
		MaxResponseTime: atomic.LoadInt64(&h.maxResponseTime),
		PendingRequests: atomic.LoadInt64(&h.pendingRequests),
		Timestamp:       time.Now(),
	}

	if requestCount > 0 {
		stats.ErrorRate = float64(errorCount) / float64(requestCount) * 100
		stats.AvgResponseTime = totalResponseTime / requestCount
		if uptime := time.Since(h.startTime); uptime > 0 {
			stats.RequestRate = float64(requestCount) / uptime.Seconds()
		}
	}

	return stats
}
