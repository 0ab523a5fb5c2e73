// Package main runs the tripwire example application: an in-memory ledger
// whose failed transfers feed a windowed threshold detector.
//
// The server runs on :8080 with the following API endpoints:
//   - POST /account: Create new account with initial balance
//   - GET /balance?id=<account_id>: Get account balance
//   - POST /transfer: Transfer funds between accounts
//   - GET /tripwire/detectors: Detector state
//
// The tripwire dashboard, ingest endpoint and Prometheus metrics are on :9090.
//
// Usage:
//
//	go run ./tripwire-example/cmd/server [-config tripwire.yaml]
//
// Without a config file a single failed_transfers detector is installed:
// 5 failures within 120 seconds raise an alert.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
	"github.com/chosenoffset/tripwire/pkg/tripwire/config"
	"github.com/chosenoffset/tripwire/tripwire-example/internal/ledger"
)

func main() {
	configPath := flag.String("config", "", "tripwire YAML config")
	addr := flag.String("addr", ":8080", "ledger listen address")
	flag.Parse()

	boot, _ := zap.NewProduction()
	cfg, err := loadConfig(*configPath)
	if err != nil {
		boot.Fatal("Failed to load config", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		boot.Fatal("Failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	engine, err := cfg.Engine(logger, os.Stdout, tripwire.WithAttachOnStart(true))
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	engine.Start()
	defer engine.Stop()

	l := ledger.NewLedger(engine, engine.Clock(), logger.Named("ledger"))

	mux := http.NewServeMux()
	mux.HandleFunc("/account", l.HandleCreateAccount)
	mux.HandleFunc("/balance", l.HandleGetBalance)
	mux.HandleFunc("/transfer", l.HandleTransfer)
	mux.HandleFunc("/tripwire/detectors", handleDetectors(engine))

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Ledger listening",
		zap.String("addr", *addr),
		zap.Int("dashboard_port", cfg.Dashboard.Port),
		zap.Int("detectors", len(engine.Detectors())))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Notify.Dedup = true
	cfg.Detectors = []config.DetectorConfig{{
		Name:      "failed_transfers",
		Threshold: 5,
		Severity:  "high",
	}}
	return cfg, cfg.Validate()
}

// handleDetectors exposes detector snapshots
func handleDetectors(engine *tripwire.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"detectors": engine.Statuses(),
		}); err != nil {
			http.Error(w, "failed to encode detectors", http.StatusInternalServerError)
		}
	}
}
