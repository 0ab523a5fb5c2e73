package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
	"github.com/chosenoffset/tripwire/pkg/tripwire/actions"
	"github.com/chosenoffset/tripwire/pkg/tripwire/ingest"
)

func main() {
	fmt.Println("Starting Tripwire Dashboard Demo...")

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	engine := tripwire.NewEngine(tripwire.WithLogger(logger), tripwire.WithAttachOnStart(true))
	engine.RegisterHandler(actions.AlertAction, &actions.ConsoleAlertHandler{Out: os.Stdout})
	ingest.Mount(engine)

	detectors := []tripwire.DetectorConfig{
		{Name: "payment_errors", Threshold: 5, WindowSeconds: 120, ResetOnThreshold: true, Severity: "high"},
		{Name: "login_failures", Threshold: 10, WindowSeconds: 30, ResetOnThreshold: false, Severity: "medium"},
		{Name: "disk_warnings", Threshold: 3, WindowSeconds: 600, ResetOnThreshold: true, Severity: "low"},
	}
	for _, d := range detectors {
		if err := engine.AddDetector(d); err != nil {
			logger.Error("Error adding detector", zap.String("detector", d.Name), zap.Error(err))
			continue
		}
		fmt.Printf("Added detector: %s (%d in %ds)\n", d.Name, d.Threshold, d.WindowSeconds)
	}

	engine.Start()
	defer engine.Stop()

	fmt.Println("Tripwire engine started!")
	fmt.Println("Dashboard available at: http://localhost:9090")
	fmt.Println("API endpoints:")
	fmt.Println("  - GET  /api/detectors - Detector state")
	fmt.Println("  - GET  /api/events    - Recent events")
	fmt.Println("  - GET  /api/alerts    - Alerts")
	fmt.Println("  - POST /api/ingest    - Deliver events (JSON or NDJSON)")
	fmt.Println("  - GET  /metrics       - Prometheus metrics")
	fmt.Println()
	fmt.Println("Generating event bursts to trip detectors...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	generateEvents(ctx, engine)
}

// generateEvents delivers a trickle of events with an occasional burst.
func generateEvents(ctx context.Context, engine *tripwire.Engine) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n := 1
		if rand.Intn(5) == 0 {
			n = 6 + rand.Intn(6)
			fmt.Printf("Burst of %d events\n", n)
		}
		for i := 0; i < n; i++ {
			engine.Deliver(tripwire.Event{
				Timestamp: time.Now(),
				Level:     "error",
				Message:   "synthetic failure",
			})
		}
	}
}
