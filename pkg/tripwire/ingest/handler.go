package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
)

const (
	// DefaultMaxBodyBytes caps a single ingest request body.
	DefaultMaxBodyBytes = 4 << 20
	// maxReportedErrors bounds the per-record errors echoed in a response.
	maxReportedErrors = 10
)

// Ingester is what the handler feeds. *tripwire.Engine satisfies it.
type Ingester interface {
	Ingest(ev tripwire.Event) []tripwire.Alert
}

var _ Ingester = (*tripwire.Engine)(nil)

// Response is the JSON body returned for every ingest request.
type Response struct {
	Accepted int              `json:"accepted"`
	Rejected int              `json:"rejected"`
	Fired    []tripwire.Alert `json:"fired"`
	Errors   []string         `json:"errors,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type handler struct {
	sink     Ingester
	clock    clockwork.Clock
	logger   *zap.Logger
	maxBytes int64
}

// Option configures the ingest handler.
type Option func(*handler)

func WithClock(clock clockwork.Clock) Option {
	return func(h *handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// Handler returns an http.Handler that decodes POSTed events and delivers them
// to sink in body order. Malformed records are counted and skipped.
func Handler(sink Ingester, opts ...Option) http.Handler {
	h := &handler{
		sink:     sink,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		maxBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Fired: []tripwire.Alert{}}
	dec := NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBytes), h.clock)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			resp.Rejected++
			if len(resp.Errors) < maxReportedErrors {
				resp.Errors = append(resp.Errors, recErr.Error())
			}
			continue
		}
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			h.logger.Debug("Ingest aborted",
				zap.Int("accepted", resp.Accepted),
				zap.Error(err))
			resp.Error = err.Error()
			writeJSON(w, status, resp)
			return
		}

		resp.Accepted++
		resp.Fired = append(resp.Fired, h.sink.Ingest(ev)...)
	}

	if resp.Rejected > 0 {
		h.logger.Debug("Rejected malformed events",
			zap.Int("rejected", resp.Rejected),
			zap.Strings("errors", resp.Errors))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Mount serves the ingest handler at /api/ingest on the engine's dashboard,
// counted by the engine's HTTP metrics. Call it before the engine starts.
func Mount(e *tripwire.Engine, opts ...Option) {
	opts = append([]Option{
		WithClock(e.Clock()),
		WithLogger(e.Logger().Named("ingest")),
	}, opts...)
	e.Dashboard().Handle("/api/ingest", e.HTTPMetrics().Middleware(Handler(e, opts...)))
}
