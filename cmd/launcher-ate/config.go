package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"launcher-ate/internal/ports"
	"launcher-ate/internal/runner"
)

type Config struct {
	BaseDir    string `yaml:"base_dir"`
	TestsDir   string `yaml:"tests_dir"`
	ActionsDir string `yaml:"actions_dir"`
	ReportsDir string `yaml:"reports_dir"`
	Anchors    struct {
		Setup    string `yaml:"setup"`
		Baseline string `yaml:"baseline"`
		Reset    string `yaml:"reset"`
		Teardown string `yaml:"teardown"`
	} `yaml:"anchors"`
	Runner struct {
		RequireVerdict  bool               `yaml:"require_verdict"`
		ProtocolTimeout time.Duration      `yaml:"protocol_timeout"`
		OperatorTimeout time.Duration      `yaml:"operator_timeout"`
		ProtocolLimits  map[string]float64 `yaml:"protocol_limits"`
	} `yaml:"runner"`
	Tools struct {
		Iperf        string        `yaml:"iperf"`
		IperfServer  string        `yaml:"iperf_server"`
		IperfTimeout time.Duration `yaml:"iperf_timeout"`
	} `yaml:"tools"`
	Probe struct {
		Greeting    string        `yaml:"greeting"`
		Request     string        `yaml:"request"`
		Baud        int           `yaml:"baud"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
		VendorIDs   []string      `yaml:"vendor_ids"`
	} `yaml:"probe"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		ClientID        string `yaml:"client_id"`
		Node            string `yaml:"node"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Monitor struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"monitor"`
	Log struct {
		Level       string `yaml:"level"`
		Format      string `yaml:"format"`
		File        string `yaml:"file"`         // persistent log, appended across runs
		CampaignDir string `yaml:"campaign_dir"` // one log file per run campaign
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Anchors.Setup == "" || c.Anchors.Baseline == "" {
		return fmt.Errorf("anchors.setup and anchors.baseline are required")
	}
	if c.Runner.ProtocolTimeout < 0 {
		return fmt.Errorf("runner.protocol_timeout must not be negative")
	}
	if c.Runner.OperatorTimeout < 0 {
		return fmt.Errorf("runner.operator_timeout must not be negative")
	}
	if c.Probe.Baud <= 0 {
		return fmt.Errorf("probe.baud must be positive, got %d", c.Probe.Baud)
	}
	if c.Probe.ReadTimeout <= 0 {
		return fmt.Errorf("probe.read_timeout must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		return fmt.Errorf("monitor.listen is required when the monitor is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// path resolves p against base_dir unless it is already absolute.
func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) runnerConfig() runner.Config {
	return runner.Config{
		SetupAction:    c.Anchors.Setup,
		ResetAction:    c.Anchors.Reset,
		TeardownAction: c.Anchors.Teardown,
		RequireVerdict: c.Runner.RequireVerdict,
	}
}

func (c *Config) scratch() runner.Scratch {
	return runner.Scratch{
		ProtocolTimeout: c.Runner.ProtocolTimeout,
		ProtocolLimits:  c.Runner.ProtocolLimits,
		OperatorTimeout: c.Runner.OperatorTimeout,
	}
}

func (c *Config) tools() runner.Tools {
	return runner.Tools{
		Iperf:        c.Tools.Iperf,
		IperfServer:  c.Tools.IperfServer,
		IperfTimeout: c.Tools.IperfTimeout,
	}
}

func (c *Config) probeConfig() ports.Config {
	return ports.Config{
		Greeting:    c.Probe.Greeting,
		Request:     c.Probe.Request,
		Baud:        c.Probe.Baud,
		ReadTimeout: c.Probe.ReadTimeout,
		VendorIDs:   c.Probe.VendorIDs,
	}
}

// loadConfig reads the file at path. A relative base_dir is taken from the
// file's directory.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data, filepath.Dir(path))
}

// parseConfig decodes data and applies defaults. Empty data yields the
// default configuration. A relative base_dir is joined to dir, or left
// relative to the working directory when dir is empty.
func parseConfig(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Defaults
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	if cfg.TestsDir == "" {
		cfg.TestsDir = "tests"
	}
	if cfg.ActionsDir == "" {
		cfg.ActionsDir = "actions"
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = "reports"
	}
	if cfg.Anchors.Setup == "" {
		cfg.Anchors.Setup = "setup"
	}
	if cfg.Anchors.Baseline == "" {
		cfg.Anchors.Baseline = "iperf"
	}
	if cfg.Anchors.Reset == "" {
		cfg.Anchors.Reset = "reset"
	}
	if cfg.Anchors.Teardown == "" {
		cfg.Anchors.Teardown = "teardown"
	}
	if cfg.Runner.ProtocolTimeout == 0 {
		cfg.Runner.ProtocolTimeout = 2 * time.Second
	}
	if cfg.Tools.IperfTimeout == 0 {
		cfg.Tools.IperfTimeout = 30 * time.Second
	}
	if cfg.Probe.Greeting == "" {
		cfg.Probe.Greeting = ports.DefaultGreeting
	}
	if cfg.Probe.Baud == 0 {
		cfg.Probe.Baud = ports.DefaultBaud
	}
	if cfg.Probe.ReadTimeout == 0 {
		cfg.Probe.ReadTimeout = ports.DefaultReadTimeout
	}
	if cfg.Probe.VendorIDs == nil {
		cfg.Probe.VendorIDs = ports.DefaultVendorIDs
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "launcher-ate.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "launcher-ate"
	}
	if cfg.Monitor.Listen == "" {
		cfg.Monitor.Listen = "127.0.0.1:8090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.CampaignDir == "" {
		cfg.Log.CampaignDir = "logs"
	}

	if dir != "" && !filepath.IsAbs(cfg.BaseDir) {
		cfg.BaseDir = filepath.Join(dir, cfg.BaseDir)
	}
	cfg.TestsDir = cfg.path(cfg.TestsDir)
	cfg.ActionsDir = cfg.path(cfg.ActionsDir)
	cfg.ReportsDir = cfg.path(cfg.ReportsDir)
	cfg.Store.Path = cfg.path(cfg.Store.Path)
	cfg.Log.File = cfg.path(cfg.Log.File)
	cfg.Log.CampaignDir = cfg.path(cfg.Log.CampaignDir)

	return &cfg, nil
}

// newLogger builds the logger writing to w at the configured level and
// format.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// openLogFile opens path for appending, creating its directory.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
