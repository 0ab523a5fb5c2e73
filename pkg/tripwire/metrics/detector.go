// Package metrics exposes Prometheus instrumentation for detectors and the
// HTTP ingest path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tripwire"

// DetectorMetrics holds the per-detector vectors. One instance is shared by
// every detector in an engine and registered once.
type DetectorMetrics struct {
	observed *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	fired    *prometheus.CounterVec
	sum      *prometheus.GaugeVec
}

// DetectorInstruments are the vectors bound to a single detector name.
type DetectorInstruments struct {
	Observed prometheus.Counter
	Dropped  prometheus.Counter
	Fired    prometheus.Counter
	Sum      prometheus.Gauge
}

// NewDetectorMetrics creates the detector vectors and registers them with reg.
// A nil reg leaves the vectors unregistered, which is what tests usually want.
func NewDetectorMetrics(reg prometheus.Registerer) *DetectorMetrics {
	labels := []string{"detector"}
	m := &DetectorMetrics{
		observed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_observed_total",
			Help:      "Events delivered to a detector, including stale ones.",
		}, labels),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected because they fell outside the window.",
		}, labels),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Times the windowed count reached the detector threshold.",
		}, labels),
		sum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_sum",
			Help:      "Events currently inside the detector window.",
		}, labels),
	}
	if reg != nil {
		reg.MustRegister(m.observed, m.dropped, m.fired, m.sum)
	}
	return m
}

// ForDetector returns the instruments labelled with name.
func (m *DetectorMetrics) ForDetector(name string) DetectorInstruments {
	return DetectorInstruments{
		Observed: m.observed.WithLabelValues(name),
		Dropped:  m.dropped.WithLabelValues(name),
		Fired:    m.fired.WithLabelValues(name),
		Sum:      m.sum.WithLabelValues(name),
	}
}

// Forget drops every series for name, used when a detector is removed.
func (m *DetectorMetrics) Forget(name string) {
	m.observed.DeleteLabelValues(name)
	m.dropped.DeleteLabelValues(name)
	m.fired.DeleteLabelValues(name)
	m.sum.DeleteLabelValues(name)
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
