// Package scenario drives traffic against the example ledger server.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"

	"golang.org/x/time/rate"
)

type Scenario interface {
	Name() string
	Run(ctx context.Context, client *http.Client, baseURL string) error
}

// Accounts used by every scenario. Seed creates them.
const (
	Rich  = "acct-rich"
	Empty = "acct-empty"
)

// Seed creates the scenario accounts. Existing accounts are left alone.
func Seed(ctx context.Context, client *http.Client, baseURL string) error {
	for id, balance := range map[string]float64{Rich: 1_000_000, Empty: 0} {
		status, err := post(ctx, client, baseURL+"/account", map[string]interface{}{"id": id, "balance": balance})
		if err != nil {
			return err
		}
		if status != http.StatusCreated && status != http.StatusConflict {
			return fmt.Errorf("seed %s: unexpected status %d", id, status)
		}
	}
	return nil
}

// Steady sends valid transfers from the rich account.
type Steady struct {
	Transfers int
}

func (s Steady) Name() string { return "steady" }

func (s Steady) Run(ctx context.Context, client *http.Client, baseURL string) error {
	for i := 0; i < s.Transfers; i++ {
		amount := 1 + rand.Float64()*99
		status, err := transfer(ctx, client, baseURL, Rich, Empty, amount)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("steady transfer: unexpected status %d", status)
		}
	}
	return nil
}

// OverdraftBurst fires transfers from the empty account, each of which the
// ledger rejects, at Rate per second.
type OverdraftBurst struct {
	Attempts int
	Rate     rate.Limit
}

func (o OverdraftBurst) Name() string { return "overdraft-burst" }

func (o OverdraftBurst) Run(ctx context.Context, client *http.Client, baseURL string) error {
	limiter := rate.NewLimiter(o.Rate, 1)
	if o.Rate == 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	for i := 0; i < o.Attempts; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		status, err := transfer(ctx, client, baseURL, Empty, Rich, 1_000)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			return fmt.Errorf("overdraft unexpectedly succeeded")
		}
	}
	return nil
}

func transfer(ctx context.Context, client *http.Client, baseURL, from, to string, amount float64) (int, error) {
	return post(ctx, client, baseURL+"/transfer", map[string]interface{}{
		"from":   from,
		"to":     to,
		"amount": amount,
	})
}

func post(ctx context.Context, client *http.Client, url string, body interface{}) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
