package actions

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ActionType string

const (
	AlertAction ActionType = "alert"
)

type Action struct {
	Type          ActionType
	Detector      string
	Message       string
	Severity      string
	Timestamp     time.Time
	Count         int
	Threshold     int
	WindowSeconds int
}

type ActionHandler interface {
	Handle(action Action) error
}

// HandlerFunc adapts a plain function to ActionHandler.
type HandlerFunc func(action Action) error

func (f HandlerFunc) Handle(action Action) error { return f(action) }

type ConsoleAlertHandler struct {
	Out io.Writer
}

func (h *ConsoleAlertHandler) Handle(action Action) error {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	timestamp := action.Timestamp.Format("15:04:05")
	_, err := fmt.Fprintf(out, "[%s] ALERT [%s]: %s\n", timestamp, action.Detector, action.Message)
	return err
}

// LogHandler writes one structured line per alert.
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(action Action) error {
	h.logger.Info("Threshold reached",
		zap.String("detector", action.Detector),
		zap.String("severity", action.Severity),
		zap.Time("event_time", action.Timestamp),
		zap.Int("count", action.Count),
		zap.Int("threshold", action.Threshold),
		zap.Int("window_seconds", action.WindowSeconds),
	)
	return nil
}

type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[ActionType][]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		handlers: make(map[ActionType][]ActionHandler),
	}
}

func (r *ActionRegistry) RegisterHandler(actionType ActionType, handler ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = append(r.handlers[actionType], handler)
}

// ExecuteAction runs every handler registered for the action type. A failing
// handler does not stop the others; all errors are returned together.
func (r *ActionRegistry) ExecuteAction(action Action) error {
	r.mu.RLock()
	handlers, exists := r.handlers[action.Type]
	if !exists {
		r.mu.RUnlock()
		return fmt.Errorf("no handlers registered for action type: %s", action.Type)
	}

	// Copy handlers to release lock quickly
	handlersCopy := make([]ActionHandler, len(handlers))
	copy(handlersCopy, handlers)
	r.mu.RUnlock()

	var errs error
	for _, handler := range handlersCopy {
		if err := handler.Handle(action); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("handler error for %s: %w", action.Type, err))
		}
	}
	return errs
}

// CreateAction builds an action stamped with the time of the event that
// caused it.
func (r *ActionRegistry) CreateAction(actionType ActionType, message, detector string, at time.Time) Action {
	return Action{
		Type:      actionType,
		Message:   message,
		Timestamp: at,
		Detector:  detector,
	}
}
