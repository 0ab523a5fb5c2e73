// Package ledger is a small in-memory account ledger used by the tripwire
// example server.
//
// The ledger serves three endpoints:
//   - POST /account: create an account with an initial balance
//   - GET /balance?id=<account_id>: read a balance
//   - POST /transfer: move funds between accounts
//
// Every rejected transfer is delivered to a tripwire.Sink as an error event,
// so a detector configured for it alerts when failures cluster.
package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
)

// Ledger manages account balances and provides thread-safe operations
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]float64

	sink   tripwire.Sink
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewLedger returns an empty ledger that reports failed transfers to sink.
// A nil sink discards them.
func NewLedger(sink tripwire.Sink, clock clockwork.Clock, logger *zap.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		accounts: make(map[string]float64),
		sink:     sink,
		clock:    clock,
		logger:   logger,
	}
}

// CreateAccountRequest is the input for /account
type CreateAccountRequest struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
}

func (l *Ledger) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[req.ID]; exists {
		http.Error(w, "account already exists", http.StatusConflict)
		return
	}

	l.accounts[req.ID] = req.Balance
	w.WriteHeader(http.StatusCreated)
}

func (l *Ledger) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	balance, ok := l.accounts[id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	fmt.Fprintf(w, "%.2f", balance)
}

type TransferRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

func (l *Ledger) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		l.transferFailed(req, "invalid amount")
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	status, reason := l.transfer(req)
	if status != http.StatusOK {
		l.transferFailed(req, reason)
		http.Error(w, reason, status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Ledger) transfer(req TransferRequest) (int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, fromOk := l.accounts[req.From]
	toBal, toOk := l.accounts[req.To]

	if !fromOk || !toOk {
		return http.StatusNotFound, "invalid account(s)"
	}
	if fromBal < req.Amount {
		return http.StatusBadRequest, "insufficient funds"
	}

	l.accounts[req.From] = fromBal - req.Amount
	l.accounts[req.To] = toBal + req.Amount
	return http.StatusOK, ""
}

// transferFailed runs outside the ledger lock so alert handlers never block
// other transfers.
func (l *Ledger) transferFailed(req TransferRequest, reason string) {
	l.logger.Debug("Transfer failed",
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Float64("amount", req.Amount),
		zap.String("reason", reason))
	if l.sink == nil {
		return
	}
	l.sink.Deliver(tripwire.Event{
		Timestamp: l.clock.Now(),
		Level:     "error",
		Message:   "Transfer failed: " + reason,
		Properties: map[string]interface{}{
			"from":   req.From,
			"to":     req.To,
			"amount": req.Amount,
			"reason": reason,
		},
	})
}

// Balance returns the balance of id.
func (l *Ledger) Balance(id string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.accounts[id]
	return b, ok
}
