package tripwire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire/metrics"
	"github.com/chosenoffset/tripwire/pkg/tripwire/window"
)

// ErrInvalidConfig wraps every detector configuration problem.
var ErrInvalidConfig = errors.New("invalid detector config")

// Event is a single timestamped occurrence delivered to detectors.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Level      string                 `json:"level,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Second returns the event time truncated to whole Unix seconds.
func (e Event) Second() int64 {
	return e.Timestamp.Unix()
}

// Observer turns an event second into a fire/no-fire decision.
type Observer interface {
	Observe(second int64) window.Decision
}

// Sink accepts events from whatever ingests the stream.
type Sink interface {
	Deliver(ev Event)
}

var (
	_ Observer = (*window.Counter)(nil)
	_ Observer = (*Detector)(nil)
	_ Sink     = (*Detector)(nil)
	_ Sink     = (*Engine)(nil)
)

// Severities accepted in DetectorConfig.Severity.
var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// DetectorConfig describes one threshold detector.
type DetectorConfig struct {
	// Name identifies the detector in alerts, logs and metrics.
	Name string `yaml:"name" json:"name"`
	// Threshold is the windowed count at which the detector fires.
	Threshold int `yaml:"threshold" json:"threshold"`
	// WindowSeconds is the trailing window length.
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
	// ResetOnThreshold clears the window after each alert. When false the
	// detector fires on every event while the count stays at or above
	// Threshold.
	ResetOnThreshold bool `yaml:"reset_on_threshold" json:"reset_on_threshold"`
	// Severity is attached to alerts; empty means "medium".
	Severity string `yaml:"severity" json:"severity"`
}

// Validate reports the first problem with the config.
func (c DetectorConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case c.Threshold < 1:
		return fmt.Errorf("%w: %s: threshold must be >= 1, got %d", ErrInvalidConfig, c.Name, c.Threshold)
	case c.WindowSeconds < 1:
		return fmt.Errorf("%w: %s: window_seconds must be >= 1, got %d", ErrInvalidConfig, c.Name, c.WindowSeconds)
	case c.Severity != "" && !severities[c.Severity]:
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidConfig, c.Name, c.Severity)
	}
	return nil
}

func (c DetectorConfig) severity() string {
	if c.Severity == "" {
		return "medium"
	}
	return c.Severity
}

// Alert is produced when a detector fires.
type Alert struct {
	Detector      string    `json:"detector"`
	Message       string    `json:"message"`
	Severity      string    `json:"severity"`
	EventTime     time.Time `json:"event_time"`
	Count         int       `json:"count"`
	Threshold     int       `json:"threshold"`
	WindowSeconds int       `json:"window_seconds"`
}

// AlertFunc receives alerts from a detector. It runs on the delivering
// goroutine, outside the detector lock.
type AlertFunc func(Alert)

// DetectorStatus is a point-in-time view of a detector.
type DetectorStatus struct {
	Name             string     `json:"name"`
	Threshold        int        `json:"threshold"`
	WindowSeconds    int        `json:"window_seconds"`
	ResetOnThreshold bool       `json:"reset_on_threshold"`
	Severity         string     `json:"severity"`
	Sum              int        `json:"sum"`
	HeadSecond       *int64     `json:"head_second,omitempty"`
	Observed         uint64     `json:"observed"`
	Dropped          uint64     `json:"dropped"`
	Fired            uint64     `json:"fired"`
	LastFired        *time.Time `json:"last_fired,omitempty"`
}

// Detector serializes access to a window.Counter and turns its decisions
// into alerts.
type Detector struct {
	cfg     DetectorConfig
	onAlert AlertFunc
	logger  *zap.Logger
	clock   clockwork.Clock
	inst    *metrics.DetectorInstruments

	mu        sync.Mutex
	counter   *window.Counter
	observed  uint64
	fired     uint64
	lastFired time.Time
}

// DetectorOption configures optional Detector collaborators.
type DetectorOption func(*Detector)

// WithDetectorLogger sets the logger used for debug output.
func WithDetectorLogger(logger *zap.Logger) DetectorOption {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDetectorClock sets the clock used to stamp LastFired.
func WithDetectorClock(clock clockwork.Clock) DetectorOption {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithInstruments records observed, dropped and fired counts on inst.
func WithInstruments(inst metrics.DetectorInstruments) DetectorOption {
	return func(d *Detector) { d.inst = &inst }
}

// NewDetector validates cfg and builds a detector. onAlert may be nil when
// the caller only consumes Observe decisions.
func NewDetector(cfg DetectorConfig, onAlert AlertFunc, opts ...DetectorOption) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	counter, err := window.New(cfg.WindowSeconds, cfg.Threshold, cfg.ResetOnThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.Name, err)
	}
	d := &Detector{
		cfg:     cfg,
		onAlert: onAlert,
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		counter: counter,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("detector", cfg.Name))
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Name returns the configured detector name.
func (d *Detector) Name() string { return d.cfg.Name }

// Attach anchors the window at now. Events stamped before now are then judged
// against the attach time instead of starting a fresh window.
func (d *Detector) Attach(now time.Time) {
	d.mu.Lock()
	d.counter.Prime(now.Unix())
	d.mu.Unlock()
	d.logger.Debug("Detector attached", zap.Time("at", now))
}

// Observe feeds one event second to the counter. Calls are serialized.
func (d *Detector) Observe(second int64) window.Decision {
	decision, _ := d.observe(second)
	return decision
}

func (d *Detector) observe(second int64) (window.Decision, int) {
	d.mu.Lock()
	droppedBefore := d.counter.Dropped()
	decision := d.counter.Observe(second)
	dropped := d.counter.Dropped() != droppedBefore
	sum := d.counter.Sum()
	d.observed++
	if decision == window.Fire {
		d.fired++
		d.lastFired = d.clock.Now()
	}
	if d.inst != nil {
		d.inst.Observed.Inc()
		d.inst.Sum.Set(float64(sum))
		if dropped {
			d.inst.Dropped.Inc()
		}
		if decision == window.Fire {
			d.inst.Fired.Inc()
		}
	}
	d.mu.Unlock()

	if dropped {
		d.logger.Debug("Dropped event outside window", zap.Int64("second", second))
	}
	return decision, sum
}

// Deliver observes ev and raises an alert when the detector fires.
func (d *Detector) Deliver(ev Event) {
	d.Ingest(ev)
}

// Ingest is Deliver that also returns the alert, if one fired.
func (d *Detector) Ingest(ev Event) (Alert, bool) {
	decision, sum := d.observe(ev.Second())
	if decision != window.Fire {
		return Alert{}, false
	}

	count := sum
	if d.cfg.ResetOnThreshold {
		// The counter has already cleared itself; the count that fired is the threshold.
		count = d.cfg.Threshold
	}
	alert := Alert{
		Detector:      d.cfg.Name,
		Message:       fmt.Sprintf("Threshold %s reached", d.cfg.Name),
		Severity:      d.cfg.severity(),
		EventTime:     ev.Timestamp,
		Count:         count,
		Threshold:     d.cfg.Threshold,
		WindowSeconds: d.cfg.WindowSeconds,
	}
	if d.onAlert != nil {
		d.onAlert(alert)
	}
	return alert, true
}

// Snapshot returns the detector's current state.
func (d *Detector) Snapshot() DetectorStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DetectorStatus{
		Name:             d.cfg.Name,
		Threshold:        d.cfg.Threshold,
		WindowSeconds:    d.cfg.WindowSeconds,
		ResetOnThreshold: d.cfg.ResetOnThreshold,
		Severity:         d.cfg.severity(),
		Sum:              d.counter.Sum(),
		Observed:         d.observed,
		Dropped:          d.counter.Dropped(),
		Fired:            d.fired,
	}
	if head, ok := d.counter.HeadSecond(); ok {
		st.HeadSecond = &head
	}
	if !d.lastFired.IsZero() {
		last := d.lastFired
		st.LastFired = &last
	}
	return st
}
