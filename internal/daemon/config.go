// Package daemon manages the propserve server lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/propserve/propserve/internal/infra/taskstore"
)

// Tool runtimes.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// Config holds all daemon and client configuration.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	API       APIConfig       `toml:"api"`
	Tool      ToolConfig      `toml:"tool"`
	Workers   WorkersConfig   `toml:"workers"`
	Client    ClientConfig    `toml:"client"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Health    HealthConfig    `toml:"health"`
}

// StorageConfig places the two task zones, the scratch area and the state db.
type StorageConfig struct {
	InboundRoot string `toml:"inbound_root"`
	ServeRoot   string `toml:"serve_root"`
	WorkRoot    string `toml:"work_root"`
	StateDir    string `toml:"state_dir"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	EnableClear bool     `toml:"enable_clear"`
	MaxUpload   string   `toml:"max_upload"` // e.g. "64MB"; "" or "0" = unlimited
}

// ToolConfig describes the external tool and how to start it.
type ToolConfig struct {
	Runtime        string   `toml:"runtime"` // local | docker
	Path           string   `toml:"path"`
	HomeDir        string   `toml:"home_dir"`
	EnvVar         string   `toml:"env_var"`
	ConfigName     string   `toml:"config_name"`
	ConfigTemplate string   `toml:"config_template"`
	ResultName     string   `toml:"result_name"`
	Outputs        []string `toml:"outputs"`
	Timeout        string   `toml:"timeout"`
	DockerImage    string   `toml:"docker_image"`
}

// WorkersConfig sizes the worker queue.
type WorkersConfig struct {
	Concurrency int `toml:"concurrency"`
	QueueDepth  int `toml:"queue_depth"`
}

// ClientConfig holds defaults for the client commands.
type ClientConfig struct {
	Server    string `toml:"server"`
	Interval  string `toml:"interval"`
	MaxRounds int    `toml:"max_rounds"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | console
	File   string `toml:"file"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// HealthConfig controls the periodic self-checks.
type HealthConfig struct {
	Interval string `toml:"interval"`
}

// DefaultConfig returns a configuration that runs out of $PROPSERVE_HOME.
func DefaultConfig() Config {
	home := propserveHome()
	return Config{
		Storage: StorageConfig{
			InboundRoot: filepath.Join(home, "inbound"),
			ServeRoot:   filepath.Join(home, "serve"),
			WorkRoot:    filepath.Join(home, "work"),
			StateDir:    home,
		},
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			CORSOrigins: []string{"*"},
			MaxUpload:   "64MB",
		},
		Tool: ToolConfig{
			Runtime:    RuntimeLocal,
			Path:       "xQPROP",
			EnvVar:     "QPdir",
			ConfigName: "QPlimits",
			ResultName: taskstore.DefaultResultName,
			Timeout:    "30m",
		},
		Workers: WorkersConfig{
			Concurrency: 2,
			QueueDepth:  1000,
		},
		Client: ClientConfig{
			Server:    "http://127.0.0.1:8080",
			Interval:  "5s",
			MaxRounds: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
		Health: HealthConfig{
			Interval: "60s",
		},
	}
}

// ConfigPath is where LoadConfig looks by default.
func ConfigPath() string {
	return filepath.Join(propserveHome(), "config.toml")
}

// LoadConfig reads path (ConfigPath() when empty), falling back to defaults
// for anything the file leaves out. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path (ConfigPath() when empty).
func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects settings that would only fail later.
func (c Config) Validate() error {
	if c.Storage.InboundRoot == "" || c.Storage.ServeRoot == "" {
		return fmt.Errorf("[storage] inbound_root and serve_root are required")
	}
	switch c.Tool.Runtime {
	case RuntimeLocal, RuntimeDocker:
	default:
		return fmt.Errorf("[tool] runtime must be %q or %q, got %q", RuntimeLocal, RuntimeDocker, c.Tool.Runtime)
	}
	if c.Tool.Runtime == RuntimeDocker && c.Tool.DockerImage == "" {
		return fmt.Errorf("[tool] docker_image is required for the docker runtime")
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"tool.timeout":    c.Tool.Timeout,
		"client.interval": c.Client.Interval,
		"health.interval": c.Health.Interval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Layout returns the task store layout with absolute roots. It is computed
// once at start-up and never changes afterwards.
func (c Config) Layout() (taskstore.Layout, error) {
	inbound, err := filepath.Abs(c.Storage.InboundRoot)
	if err != nil {
		return taskstore.Layout{}, err
	}
	serve, err := filepath.Abs(c.Storage.ServeRoot)
	if err != nil {
		return taskstore.Layout{}, err
	}
	return taskstore.Layout{InboundRoot: inbound, ServeRoot: serve, ResultName: c.Tool.ResultName}, nil
}

// MaxUploadBytes parses api.max_upload. Zero means unlimited.
func (c Config) MaxUploadBytes() (int64, error) {
	if c.API.MaxUpload == "" || c.API.MaxUpload == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.API.MaxUpload)
	if err != nil {
		return 0, fmt.Errorf("[api] max_upload: %w", err)
	}
	return int64(n), nil
}

// ToolTimeout parses tool.timeout. Zero means no limit.
func (c Config) ToolTimeout() time.Duration { return parseDuration(c.Tool.Timeout, 0) }

// PollInterval parses client.interval.
func (c Config) PollInterval() time.Duration { return parseDuration(c.Client.Interval, 5*time.Second) }

// HealthInterval parses health.interval.
func (c Config) HealthInterval() time.Duration { return parseDuration(c.Health.Interval, time.Minute) }

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// propserveHome returns the propserve data directory.
func propserveHome() string {
	if env := os.Getenv("PROPSERVE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".propserve")
}

// Home is exported for use by other packages.
func Home() string {
	return propserveHome()
}
