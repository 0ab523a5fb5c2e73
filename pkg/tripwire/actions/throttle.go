package actions

import (
	"sync"

	"golang.org/x/time/rate"
)

// DashboardHandler forwards alerts to the dashboard event feed.
type DashboardHandler struct {
	send func(eventType, message, detector string, data interface{})
}

func NewDashboardHandler(send func(eventType, message, detector string, data interface{})) *DashboardHandler {
	return &DashboardHandler{send: send}
}

func (h *DashboardHandler) Handle(action Action) error {
	h.send(string(action.Type), action.Message, action.Detector, map[string]interface{}{
		"severity":       action.Severity,
		"event_time":     action.Timestamp,
		"count":          action.Count,
		"threshold":      action.Threshold,
		"window_seconds": action.WindowSeconds,
	})
	return nil
}

// RateLimitHandler passes at most limit alerts per second, per detector, to
// next. Alerts over the limit are dropped and counted.
type RateLimitHandler struct {
	next  ActionHandler
	limit rate.Limit
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]uint64
}

func NewRateLimitHandler(next ActionHandler, limit rate.Limit, burst int) *RateLimitHandler {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitHandler{
		next:       next,
		limit:      limit,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]uint64),
	}
}

func (h *RateLimitHandler) Handle(action Action) error {
	h.mu.Lock()
	l, ok := h.limiters[action.Detector]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[action.Detector] = l
	}
	allowed := l.Allow()
	if !allowed {
		h.suppressed[action.Detector]++
	}
	h.mu.Unlock()

	if !allowed {
		return nil
	}
	return h.next.Handle(action)
}

// Suppressed reports how many alerts for detector were dropped by the limiter.
func (h *RateLimitHandler) Suppressed(detector string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suppressed[detector]
}

// DedupHandler drops repeats of an alert for the same detector within the
// same event second. Continuous detectors fire on every qualifying event, so
// a burst inside one second would otherwise notify once per event.
type DedupHandler struct {
	next ActionHandler

	mu   sync.Mutex
	last map[string]int64
}

func NewDedupHandler(next ActionHandler) *DedupHandler {
	return &DedupHandler{next: next, last: make(map[string]int64)}
}

func (h *DedupHandler) Handle(action Action) error {
	second := action.Timestamp.Unix()

	h.mu.Lock()
	prev, seen := h.last[action.Detector]
	if seen && prev == second {
		h.mu.Unlock()
		return nil
	}
	h.last[action.Detector] = second
	h.mu.Unlock()

	return h.next.Handle(action)
}
