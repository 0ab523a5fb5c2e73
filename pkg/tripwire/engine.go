package tripwire

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chosenoffset/tripwire/pkg/tripwire/actions"
	"github.com/chosenoffset/tripwire/pkg/tripwire/dashboard"
	"github.com/chosenoffset/tripwire/pkg/tripwire/metrics"
)

var (
	// ErrDuplicateDetector is returned when a detector name is already in use.
	ErrDuplicateDetector = errors.New("detector already exists")
	// ErrLimitExceeded is returned when adding a detector would break ResourceLimits.
	ErrLimitExceeded = errors.New("resource limit exceeded")
)

// Engine hosts named detectors, fans events out to them and routes their
// alerts to registered action handlers. It is safe for concurrent use.
type Engine struct {
	detectors        []*Detector
	byName           map[string]*Detector
	actionRegistry   *actions.ActionRegistry
	dashboard        *dashboard.Server
	dashboardEnabled bool
	dashboardRunning bool
	running          bool
	stopped          bool
	stopCh           chan struct{}
	loopDone         chan struct{}
	mutex            sync.RWMutex

	limits         *ResourceLimits
	logger         *zap.Logger
	clock          clockwork.Clock
	registry       *prometheus.Registry
	detectorStats  *metrics.DetectorMetrics
	httpMetrics    *metrics.HTTPMetrics
	attachOnStart  bool
	statusInterval time.Duration
	dashboardPort  int
}

// ResourceLimits bounds what an engine accepts
type ResourceLimits struct {
	MaxDetectors     int // Maximum number of detectors
	MaxWindowSeconds int // Longest window a detector may use; each second costs one bucket
}

// DefaultResourceLimits returns reasonable default limits
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxDetectors:     100,
		MaxWindowSeconds: 24 * 60 * 60,
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithLimits(limits *ResourceLimits) Option {
	return func(e *Engine) {
		if limits != nil {
			e.limits = limits
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRegistry sets the Prometheus registry served at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	}
}

func WithDashboardPort(port int) Option {
	return func(e *Engine) { e.dashboardPort = port }
}

// WithoutDashboard keeps Start from listening on the dashboard port. The
// dashboard handler is still available through Dashboard().Handler().
func WithoutDashboard() Option {
	return func(e *Engine) { e.dashboardEnabled = false }
}

// WithAttachOnStart anchors every detector window at the clock time when the
// engine starts, or when the detector is added to a running engine.
func WithAttachOnStart(attach bool) Option {
	return func(e *Engine) { e.attachOnStart = attach }
}

// WithStatusInterval sets how often detector snapshots are pushed to the dashboard.
func WithStatusInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.statusInterval = d
		}
	}
}

// NewEngine creates an engine with no detectors. Alerts go to a zap log
// handler and the dashboard feed until more handlers are registered.
//
// The engine is not started by default - call Start() to serve the dashboard.
func NewEngine(opts ...Option) *Engine {
	engine := &Engine{
		byName:           make(map[string]*Detector),
		actionRegistry:   actions.NewActionRegistry(),
		dashboardEnabled: true,
		stopCh:           make(chan struct{}),
		limits:           DefaultResourceLimits(),
		logger:           zap.NewNop(),
		clock:            clockwork.NewRealClock(),
		statusInterval:   time.Second,
		dashboardPort:    9090,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.registry == nil {
		engine.registry = metrics.NewRegistry()
	}
	engine.detectorStats = metrics.NewDetectorMetrics(engine.registry)
	engine.httpMetrics = metrics.NewHTTPMetrics(engine.registry)

	engine.dashboard = dashboard.NewServer(engine.dashboardPort, engine.logger.Named("dashboard"))
	engine.dashboard.Handle("/metrics", promhttp.HandlerFor(engine.registry, promhttp.HandlerOpts{}))
	engine.dashboard.SetDetectorsProvider(func() interface{} {
		return engine.Statuses()
	})

	engine.actionRegistry.RegisterHandler(actions.AlertAction, actions.NewLogHandler(engine.logger))
	engine.actionRegistry.RegisterHandler(actions.AlertAction, actions.NewDashboardHandler(engine.dashboard.SendEventUpdate))

	return engine
}

// Start serves the dashboard and begins pushing detector status to it.
//
// Start is idempotent. An engine cannot be restarted once stopped.
func (e *Engine) Start() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.running {
		return
	}
	if e.stopped {
		e.logger.Warn("Engine already stopped; ignoring Start")
		return
	}
	e.running = true

	if e.attachOnStart {
		now := e.clock.Now()
		for _, d := range e.detectors {
			d.Attach(now)
		}
	}

	if e.dashboardEnabled {
		e.dashboardRunning = true
		go func() {
			if err := e.dashboard.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("Dashboard failed to start", zap.Error(err))
				e.mutex.Lock()
				e.dashboardRunning = false
				e.mutex.Unlock()
			}
		}()
	}

	e.loopDone = make(chan struct{})
	go e.statusLoop(e.stopCh, e.loopDone)

	e.logger.Info("Engine started",
		zap.Int("detectors", len(e.detectors)),
		zap.Bool("dashboard", e.dashboardEnabled))
}

// Stop halts the status loop and shuts the dashboard down.
//
// Stop is idempotent - calling it multiple times has no effect.
func (e *Engine) Stop() {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	e.dashboardRunning = false
	close(e.stopCh)
	loopDone := e.loopDone
	e.mutex.Unlock()

	<-loopDone
	if err := e.dashboard.Stop(); err != nil {
		e.logger.Warn("Dashboard shutdown", zap.Error(err))
	}
	e.logger.Info("Engine stopped")
}

// IsRunning returns true if the engine is currently running
func (e *Engine) IsRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

// AddDetector validates cfg and adds a detector to the engine.
//
// Returns an error if:
//   - The config is invalid (ErrInvalidConfig)
//   - The name is already in use (ErrDuplicateDetector)
//   - Resource limits are exceeded (ErrLimitExceeded)
func (e *Engine) AddDetector(cfg DetectorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(e.detectors) >= e.limits.MaxDetectors {
		return fmt.Errorf("%w: maximum number of detectors (%d)", ErrLimitExceeded, e.limits.MaxDetectors)
	}
	if cfg.WindowSeconds > e.limits.MaxWindowSeconds {
		return fmt.Errorf("%w: %s: window of %ds exceeds %ds",
			ErrLimitExceeded, cfg.Name, cfg.WindowSeconds, e.limits.MaxWindowSeconds)
	}
	if _, exists := e.byName[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDetector, cfg.Name)
	}

	d, err := NewDetector(cfg, e.dispatch,
		WithDetectorLogger(e.logger),
		WithDetectorClock(e.clock),
		WithInstruments(e.detectorStats.ForDetector(cfg.Name)),
	)
	if err != nil {
		return err
	}
	if e.running && e.attachOnStart {
		d.Attach(e.clock.Now())
	}

	e.detectors = append(e.detectors, d)
	e.byName[cfg.Name] = d
	e.logger.Debug("Detector added",
		zap.String("detector", cfg.Name),
		zap.Int("threshold", cfg.Threshold),
		zap.Int("window_seconds", cfg.WindowSeconds),
		zap.Bool("reset_on_threshold", cfg.ResetOnThreshold))
	return nil
}

// RemoveDetector drops the named detector. It reports whether one existed.
func (e *Engine) RemoveDetector(name string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.byName[name]; !ok {
		return false
	}
	delete(e.byName, name)
	for i, d := range e.detectors {
		if d.Name() == name {
			e.detectors = append(e.detectors[:i:i], e.detectors[i+1:]...)
			break
		}
	}
	e.detectorStats.Forget(name)
	return true
}

// ClearDetectors removes every detector from the engine
func (e *Engine) ClearDetectors() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for name := range e.byName {
		e.detectorStats.Forget(name)
	}
	e.detectors = nil
	e.byName = make(map[string]*Detector)
}

// Detectors returns the detectors in the order they were added.
func (e *Engine) Detectors() []*Detector {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	out := make([]*Detector, len(e.detectors))
	copy(out, e.detectors)
	return out
}

// Detector looks a detector up by name.
func (e *Engine) Detector(name string) (*Detector, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	d, ok := e.byName[name]
	return d, ok
}

// Statuses snapshots every detector.
func (e *Engine) Statuses() []DetectorStatus {
	detectors := e.Detectors()
	out := make([]DetectorStatus, len(detectors))
	for i, d := range detectors {
		out[i] = d.Snapshot()
	}
	return out
}

// Deliver hands ev to every detector.
func (e *Engine) Deliver(ev Event) {
	e.Ingest(ev)
}

// Ingest hands ev to every detector and returns the alerts it caused.
// Handlers run before Ingest returns.
func (e *Engine) Ingest(ev Event) []Alert {
	var fired []Alert
	for _, d := range e.Detectors() {
		if alert, ok := d.Ingest(ev); ok {
			fired = append(fired, alert)
		}
	}
	return fired
}

// dispatch routes one alert through the action registry.
func (e *Engine) dispatch(alert Alert) {
	action := e.actionRegistry.CreateAction(actions.AlertAction, alert.Message, alert.Detector, alert.EventTime)
	action.Severity = alert.Severity
	action.Count = alert.Count
	action.Threshold = alert.Threshold
	action.WindowSeconds = alert.WindowSeconds
	if err := e.actionRegistry.ExecuteAction(action); err != nil {
		e.logger.Warn("Alert handler failed",
			zap.String("detector", alert.Detector),
			zap.Error(err))
	}
}

// RegisterHandler adds an alert handler.
func (e *Engine) RegisterHandler(actionType actions.ActionType, handler actions.ActionHandler) {
	e.actionRegistry.RegisterHandler(actionType, handler)
}

// GetResourceLimits returns the current resource limits
func (e *Engine) GetResourceLimits() *ResourceLimits {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.limits
}

func (e *Engine) Dashboard() *dashboard.Server      { return e.dashboard }
func (e *Engine) Registry() *prometheus.Registry    { return e.registry }
func (e *Engine) HTTPMetrics() *metrics.HTTPMetrics { return e.httpMetrics }
func (e *Engine) Clock() clockwork.Clock            { return e.clock }
func (e *Engine) Logger() *zap.Logger               { return e.logger }

func (e *Engine) statusLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := e.clock.NewTicker(e.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			e.sendStatusToDashboard()
		case <-stop:
			return
		}
	}
}

func (e *Engine) sendStatusToDashboard() {
	e.mutex.RLock()
	dashboardRunning := e.dashboardRunning
	e.mutex.RUnlock()

	if !dashboardRunning {
		return
	}
	e.dashboard.SendStatusUpdate(e.Statuses())
}
