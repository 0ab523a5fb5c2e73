// Package config loads tripwire settings from YAML and builds a wired engine
// from them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/tripwire/pkg/tripwire"
	"github.com/chosenoffset/tripwire/pkg/tripwire/actions"
	"github.com/chosenoffset/tripwire/pkg/tripwire/ingest"
)

const (
	DefaultWindowSeconds  = 120
	DefaultDashboardPort  = 9090
	DefaultStatusInterval = "1s"
)

// Config is the root of a tripwire YAML file.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Notify    NotifyConfig     `yaml:"notify"`
	Limits    LimitsConfig     `yaml:"limits"`
	Detectors []DetectorConfig `yaml:"detectors"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	MaxClients     int    `yaml:"max_clients,omitempty"`
	StatusInterval string `yaml:"status_interval,omitempty"` // e.g. "1s"
}

// NotifyConfig controls the console alert handler.
type NotifyConfig struct {
	Console   bool    `yaml:"console"`
	RateLimit float64 `yaml:"rate_limit,omitempty"` // alerts per second per detector, 0 = unlimited
	Burst     int     `yaml:"burst,omitempty"`
	Dedup     bool    `yaml:"dedup"`
}

type LimitsConfig struct {
	MaxDetectors     int `yaml:"max_detectors,omitempty"`
	MaxWindowSeconds int `yaml:"max_window_seconds,omitempty"`
}

// DetectorConfig mirrors tripwire.DetectorConfig with YAML defaults: a missing
// window is DefaultWindowSeconds and a missing reset_on_threshold is true.
type DetectorConfig struct {
	Name             string `yaml:"name"`
	Threshold        int    `yaml:"threshold"`
	WindowSeconds    int    `yaml:"window_seconds,omitempty"`
	ResetOnThreshold *bool  `yaml:"reset_on_threshold,omitempty"`
	Severity         string `yaml:"severity,omitempty"`
}

// Detector resolves defaults and returns the engine form.
func (d DetectorConfig) Detector() tripwire.DetectorConfig {
	window := d.WindowSeconds
	if window == 0 {
		window = DefaultWindowSeconds
	}
	reset := true
	if d.ResetOnThreshold != nil {
		reset = *d.ResetOnThreshold
	}
	return tripwire.DetectorConfig{
		Name:             d.Name,
		Threshold:        d.Threshold,
		WindowSeconds:    window,
		ResetOnThreshold: reset,
		Severity:         d.Severity,
	}
}

// Default returns a config with no detectors and every default applied.
func Default() *Config {
	cfg := &Config{
		Dashboard: DashboardConfig{Enabled: true},
		Notify:    NotifyConfig{Console: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Problems splits an error from Load, Parse or Validate into the individual
// problems it aggregates, looking through any wrapping.
func Problems(err error) []error {
	if err == nil {
		return nil
	}
	var group interface{ Errors() []error }
	if errors.As(err, &group) {
		return group.Errors()
	}
	return []error{err}
}

// Parse decodes YAML, applies defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = DefaultDashboardPort
	}
	if c.Dashboard.StatusInterval == "" {
		c.Dashboard.StatusInterval = DefaultStatusInterval
	}
	if c.Notify.RateLimit > 0 && c.Notify.Burst == 0 {
		c.Notify.Burst = 1
	}
	limits := tripwire.DefaultResourceLimits()
	if c.Limits.MaxDetectors == 0 {
		c.Limits.MaxDetectors = limits.MaxDetectors
	}
	if c.Limits.MaxWindowSeconds == 0 {
		c.Limits.MaxWindowSeconds = limits.MaxWindowSeconds
	}
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var err error
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("dashboard.port: %d out of range", c.Dashboard.Port))
	}
	if c.Dashboard.MaxClients < 0 {
		err = multierr.Append(err, fmt.Errorf("dashboard.max_clients: must not be negative"))
	}
	if d, derr := time.ParseDuration(c.Dashboard.StatusInterval); derr != nil || d <= 0 {
		err = multierr.Append(err, fmt.Errorf("dashboard.status_interval: %q is not a positive duration", c.Dashboard.StatusInterval))
	}
	if c.Notify.RateLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("notify.rate_limit: must not be negative"))
	}
	if c.Notify.Burst < 0 {
		err = multierr.Append(err, fmt.Errorf("notify.burst: must not be negative"))
	}
	if c.Limits.MaxDetectors < 1 || c.Limits.MaxWindowSeconds < 1 {
		err = multierr.Append(err, fmt.Errorf("limits: values must be positive"))
	}
	if len(c.Detectors) > c.Limits.MaxDetectors {
		err = multierr.Append(err, fmt.Errorf("detectors: %d configured, limit is %d", len(c.Detectors), c.Limits.MaxDetectors))
	}

	seen := make(map[string]bool, len(c.Detectors))
	for i, d := range c.Detectors {
		resolved := d.Detector()
		if verr := resolved.Validate(); verr != nil {
			err = multierr.Append(err, fmt.Errorf("detectors[%d]: %w", i, verr))
			continue
		}
		if seen[resolved.Name] {
			err = multierr.Append(err, fmt.Errorf("detectors[%d]: %w: %s", i, tripwire.ErrDuplicateDetector, resolved.Name))
		}
		seen[resolved.Name] = true
		if resolved.WindowSeconds > c.Limits.MaxWindowSeconds {
			err = multierr.Append(err, fmt.Errorf("detectors[%d]: %s: window of %ds exceeds limits.max_window_seconds",
				i, resolved.Name, resolved.WindowSeconds))
		}
	}
	return err
}

// NewLogger builds the zap logger described by the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Engine builds an engine with every configured detector, the console alert
// handler writing to console, and the ingest endpoint mounted. The engine is
// not started.
func (c *Config) Engine(logger *zap.Logger, console io.Writer, opts ...tripwire.Option) (*tripwire.Engine, error) {
	interval, err := time.ParseDuration(c.Dashboard.StatusInterval)
	if err != nil {
		return nil, fmt.Errorf("dashboard.status_interval: %w", err)
	}

	base := []tripwire.Option{
		tripwire.WithLogger(logger),
		tripwire.WithLimits(&tripwire.ResourceLimits{
			MaxDetectors:     c.Limits.MaxDetectors,
			MaxWindowSeconds: c.Limits.MaxWindowSeconds,
		}),
		tripwire.WithDashboardPort(c.Dashboard.Port),
		tripwire.WithStatusInterval(interval),
	}
	if !c.Dashboard.Enabled {
		base = append(base, tripwire.WithoutDashboard())
	}
	engine := tripwire.NewEngine(append(base, opts...)...)
	engine.Dashboard().SetMaxClients(c.Dashboard.MaxClients)

	var errs error
	for _, d := range c.Detectors {
		errs = multierr.Append(errs, engine.AddDetector(d.Detector()))
	}
	if errs != nil {
		return nil, errs
	}

	if c.Notify.Console && console != nil {
		var h actions.ActionHandler = &actions.ConsoleAlertHandler{Out: console}
		if c.Notify.RateLimit > 0 {
			h = actions.NewRateLimitHandler(h, rate.Limit(c.Notify.RateLimit), c.Notify.Burst)
		}
		if c.Notify.Dedup {
			h = actions.NewDedupHandler(h)
		}
		engine.RegisterHandler(actions.AlertAction, h)
	}

	ingest.Mount(engine)
	return engine, nil
}
