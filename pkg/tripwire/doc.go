// Package tripwire provides windowed threshold detectors for event streams:
// each detector counts events over a trailing window of whole seconds and
// raises an alert once the count reaches its threshold.
//
// # Overview
//
// A detector is configured with a name, a threshold, a window length in
// seconds and an alert discipline. Events are bucketed by the Unix second of
// their timestamp; the window covers the newest second seen and the
// WindowSeconds-1 seconds before it. Events older than that are dropped.
//
// # Quick Start
//
//	package main
//
//	import (
//		"time"
//
//		"github.com/chosenoffset/tripwire/pkg/tripwire"
//	)
//
//	func main() {
//		engine := tripwire.NewEngine()
//		engine.AddDetector(tripwire.DetectorConfig{
//			Name:             "payment_errors",
//			Threshold:        5,
//			WindowSeconds:    120,
//			ResetOnThreshold: true,
//		})
//		engine.Start()
//		defer engine.Stop()
//
//		engine.Deliver(tripwire.Event{Timestamp: time.Now(), Level: "error"})
//
//		// Access dashboard at http://localhost:9090
//		select {} // Keep running
//	}
//
// # Alert Disciplines
//
// With ResetOnThreshold the window is cleared every time the detector fires,
// so a sustained burst raises one alert per Threshold events. Without it the
// detector fires on every event while the windowed count stays at or above
// Threshold.
//
// # HTTP Integration
//
// Mount the ingest endpoint to accept JSON, JSON arrays or NDJSON over HTTP:
//
//	ingest.Mount(engine) // POST http://localhost:9090/api/ingest
//
// # Architecture
//
//   - window: the per-second ring buffer counter
//   - Detector: a mutex-guarded counter that turns decisions into alerts
//   - Engine: named detectors, limits, and alert routing
//   - actions: pluggable alert handlers (log, console, dashboard, rate limit)
//   - dashboard: live alert feed and alert lifecycle over HTTP and websocket
//   - metrics: Prometheus instrumentation served at /metrics
//   - ingest and config: the HTTP intake and YAML configuration
//
// # Example Application
//
// See the tripwire-example directory for a ledger service whose failed
// transfers feed a detector. Run it with:
//
//	go run ./tripwire-example/cmd/server
//
// Generate load with:
//
//	go run ./tripwire-example/cmd/fuzz
package tripwire
