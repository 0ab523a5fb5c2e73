package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chosenoffset/tripwire/tripwire-example/internal/scenario"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "ledger base URL")
	interval := flag.Duration("interval", 100*time.Millisecond, "pause between rounds")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	if err := scenario.Seed(ctx, client, *baseURL); err != nil {
		logger.Fatal("Failed to seed accounts", zap.Error(err))
	}

	scenarios := []scenario.Scenario{
		scenario.OverdraftBurst{Attempts: 8, Rate: rate.Limit(4)},
		scenario.OverdraftBurst{Attempts: 2, Rate: rate.Limit(1)},
	}
	steady := scenario.Steady{Transfers: 1}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if rand.Intn(10) < 8 {
			if err := steady.Run(ctx, client, *baseURL); err != nil {
				logger.Warn("Normal transaction failed", zap.Error(err))
			}
			continue
		}
		sc := scenarios[rand.Intn(len(scenarios))]
		logger.Info("Running scenario", zap.String("scenario", sc.Name()))
		if err := sc.Run(ctx, client, *baseURL); err != nil {
			logger.Warn("Scenario failed", zap.String("scenario", sc.Name()), zap.Error(err))
		}
	}
}
