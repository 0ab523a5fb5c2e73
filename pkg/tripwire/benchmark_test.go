package tripwire

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// BenchmarkEngineCreation benchmarks the time it takes to create a new engine
func BenchmarkEngineCreation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		engine := NewEngine(WithoutDashboard())
		_ = engine
	}
}

// BenchmarkDetectorAdding benchmarks adding and clearing a single detector
func BenchmarkDetectorAdding(b *testing.B) {
	engine := NewEngine(WithoutDashboard())
	cfg := DetectorConfig{Name: "bench", Threshold: 5, WindowSeconds: 120, ResetOnThreshold: true}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := engine.AddDetector(cfg); err != nil {
			b.Fatal(err)
		}
		engine.ClearDetectors()
	}
}

// BenchmarkDetectorIngest benchmarks a single detector over advancing seconds
func BenchmarkDetectorIngest(b *testing.B) {
	d, err := NewDetector(DetectorConfig{Name: "bench", Threshold: 1000, WindowSeconds: 120, ResetOnThreshold: true}, nil)
	if err != nil {
		b.Fatal(err)
	}
	base := time.Unix(1_700_000_000, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Ingest(Event{Timestamp: base.Add(time.Duration(i/10) * time.Second)})
	}
}

// BenchmarkEngineIngest benchmarks fan-out to several detectors
func BenchmarkEngineIngest(b *testing.B) {
	for _, n := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("detectors=%d", n), func(b *testing.B) {
			engine := NewEngine(WithoutDashboard())
			for i := 0; i < n; i++ {
				cfg := DetectorConfig{Name: fmt.Sprintf("d%d", i), Threshold: 1 << 30, WindowSeconds: 60}
				if err := engine.AddDetector(cfg); err != nil {
					b.Fatal(err)
				}
			}
			ev := Event{Timestamp: time.Unix(1_700_000_000, 0)}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				engine.Ingest(ev)
			}
		})
	}
}

// BenchmarkConcurrentDeliver benchmarks contended delivery to one detector
func BenchmarkConcurrentDeliver(b *testing.B) {
	engine := NewEngine(WithoutDashboard())
	if err := engine.AddDetector(DetectorConfig{Name: "shared", Threshold: 1 << 30, WindowSeconds: 300}); err != nil {
		b.Fatal(err)
	}
	base := time.Unix(1_700_000_000, 0)
	var seq int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s := atomic.AddInt64(&seq, 1)
			engine.Deliver(Event{Timestamp: base.Add(time.Duration(s/1000) * time.Second)})
		}
	})
}
