package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all coursepilot configuration.
type Config struct {
	Name string `yaml:"name"`

	// Workflow engine and batch policy
	Engine EngineConfig `yaml:"engine"`

	// Unit loading and hot swap
	Loader LoaderConfig `yaml:"loader"`

	// Browser sessions
	Browser BrowserConfig `yaml:"browser"`

	// Configuration store
	Store StoreConfig `yaml:"store"`

	// HTTP control surface
	Control ControlConfig `yaml:"control"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// EngineConfig configures re-authentication and launch policy.
type EngineConfig struct {
	ReauthTriggers []string `yaml:"reauth_triggers" env:"PILOT_REAUTH_TRIGGERS" envSeparator:","`
	MaxReauth      int      `yaml:"max_reauth" env:"PILOT_MAX_REAUTH"`
	LoginInterval  string   `yaml:"login_interval" env:"PILOT_LOGIN_INTERVAL"`
	MaxConcurrency int      `yaml:"max_concurrency" env:"PILOT_MAX_CONCURRENCY"` // hard cap across a batch, 0 = credential count
	KeepSessions   bool     `yaml:"keep_sessions" env:"PILOT_KEEP_SESSIONS"`
}

// LoaderConfig configures unit resolution.
type LoaderConfig struct {
	DepsDir      string `yaml:"deps_dir" env:"PILOT_DEPS_DIR"`
	ManifestName string `yaml:"manifest_name"`
	Debounce     string `yaml:"debounce"`
	GoBinary     string `yaml:"go_binary" env:"PILOT_GO_BINARY"`
}

// BrowserConfig configures the rod-backed session manager.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url" env:"PILOT_BROWSER_URL"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless" env:"PILOT_HEADLESS"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" env:"PILOT_DB"`
}

// ControlConfig configures the control surface.
type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"PILOT_CONTROL_ADDR"`
	APIKey     string `yaml:"api_key" env:"PILOT_CONTROL_KEY"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" env:"PILOT_DEBUG"`
	Level      string          `yaml:"level" env:"PILOT_LOG_LEVEL"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"PILOT_OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"PILOT_OTEL_ENDPOINT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "coursepilot",

		Engine: EngineConfig{
			ReauthTriggers: []string{"session expired", "please log in", "login required"},
			MaxReauth:      2,
			LoginInterval:  "5s",
		},

		Loader: LoaderConfig{
			DepsDir:      ".pilot/deps",
			ManifestName: "deps.txt",
			Debounce:     "500ms",
			GoBinary:     "go",
		},

		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
		},

		Store: StoreConfig{
			DatabasePath: ".pilot/pilot.db",
		},

		Control: ControlConfig{
			ListenAddr: "127.0.0.1:7420",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies PILOT_* environment variable overrides.
// Unset variables leave the file values alone.
func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetLoginInterval returns the stagger between workflow launches.
func (c *Config) GetLoginInterval() time.Duration {
	return parseDuration(c.Engine.LoginInterval, 5*time.Second)
}

// GetDebounce returns the hot-swap debounce window.
func (c *Config) GetDebounce() time.Duration {
	return parseDuration(c.Loader.Debounce, 500*time.Millisecond)
}

// NavigationTimeout returns the browser navigation timeout.
func (c *Config) NavigationTimeout() time.Duration {
	if c.Browser.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Browser.NavigationTimeoutMs) * time.Millisecond
}

// Resolve makes relative paths absolute against workspace.
func (c *Config) Resolve(workspace string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	c.Loader.DepsDir = abs(c.Loader.DepsDir)
	c.Store.DatabasePath = abs(c.Store.DatabasePath)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.MaxReauth < 0 {
		return fmt.Errorf("engine.max_reauth must be >= 0")
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must be >= 0")
	}
	for i, t := range c.Engine.ReauthTriggers {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("engine.reauth_triggers[%d] is empty", i)
		}
	}
	if c.Engine.LoginInterval != "" {
		d, err := time.ParseDuration(c.Engine.LoginInterval)
		if err != nil {
			return fmt.Errorf("engine.login_interval: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("engine.login_interval must not be negative")
		}
	}
	if c.Loader.Debounce != "" {
		if _, err := time.ParseDuration(c.Loader.Debounce); err != nil {
			return fmt.Errorf("loader.debounce: %w", err)
		}
	}
	if c.Loader.ManifestName == "" {
		return fmt.Errorf("loader.manifest_name is required")
	}
	return nil
}
