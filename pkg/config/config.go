// Package config loads the server configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" decode; yaml.v3 has
// no native handling for duration strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string ("90s", "5m") or an
// integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default configuration values exported for documentation and validation.
const (
	DefaultListen         = "127.0.0.1:8700"
	DefaultSQLitePath     = "data/parrot.db"
	DefaultLogDir         = "logs"
	DefaultFrameDir       = "data/frames"
	DefaultCapacity       = 64
	DefaultIdleTTL        = 30 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultShutdownGrace  = 15 * time.Second
	DefaultRetainedEvents = 64
	DefaultCallTimeout    = 60 * time.Second
	DefaultRetryBudget    = 1
	DefaultFrameInterval  = 2 * time.Second
	DefaultOracleModel    = "gpt-4o"
	DefaultOracleBaseURL  = "https://api.openai.com/v1"
	DefaultDriverEndpoint = "ws://127.0.0.1:9222/session"
	DefaultScoreThreshold = 0.6
)

// Config is the complete server configuration.
type Config struct {
	Listen      string            `yaml:"listen"`
	SQLitePath  string            `yaml:"sqlite_path"`
	LogDir      string            `yaml:"log_dir"`
	FrameDir    string            `yaml:"frame_dir"`
	Session     SessionConfig     `yaml:"session"`
	Stream      StreamConfig      `yaml:"stream"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Driver      DriverConfig      `yaml:"driver"`
	Convergence ConvergenceConfig `yaml:"convergence"`
}

// SessionConfig governs the session registry.
type SessionConfig struct {
	Capacity      int      `yaml:"capacity"`
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// StreamConfig governs the event multiplexer.
type StreamConfig struct {
	RetainedEvents int `yaml:"retained_events"`
}

// PipelineConfig governs capture and replay behavior.
type PipelineConfig struct {
	CallTimeout        Duration `yaml:"call_timeout"`
	RetryBudget        int      `yaml:"retry_budget"`
	ScreenshotInterval Duration `yaml:"screenshot_interval"`
}

// OracleConfig points at the chat-completions endpoint used for extraction
// and planning.
type OracleConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// DriverConfig points at the remote browser driver.
type DriverConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	OperationTimeout Duration `yaml:"operation_timeout"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
}

// ConvergenceConfig tunes the alignment scorer. Zero values fall back to the
// scorer's defaults.
type ConvergenceConfig struct {
	KindWeight    float64 `yaml:"kind_weight"`
	TargetWeight  float64 `yaml:"target_weight"`
	OrdinalWeight float64 `yaml:"ordinal_weight"`
	Threshold     float64 `yaml:"threshold"`
	GapPenalty    float64 `yaml:"gap_penalty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:     DefaultListen,
		SQLitePath: DefaultSQLitePath,
		LogDir:     DefaultLogDir,
		FrameDir:   DefaultFrameDir,
		Session: SessionConfig{
			Capacity:      DefaultCapacity,
			IdleTTL:       Duration(DefaultIdleTTL),
			SweepInterval: Duration(DefaultSweepInterval),
			ShutdownGrace: Duration(DefaultShutdownGrace),
		},
		Stream: StreamConfig{
			RetainedEvents: DefaultRetainedEvents,
		},
		Pipeline: PipelineConfig{
			CallTimeout:        Duration(DefaultCallTimeout),
			RetryBudget:        DefaultRetryBudget,
			ScreenshotInterval: Duration(DefaultFrameInterval),
		},
		Oracle: OracleConfig{
			BaseURL: DefaultOracleBaseURL,
			Model:   DefaultOracleModel,
			Timeout: Duration(DefaultCallTimeout),
		},
		Driver: DriverConfig{
			Endpoint:         DefaultDriverEndpoint,
			OperationTimeout: Duration(15 * time.Second),
			ConnectTimeout:   Duration(10 * time.Second),
		},
		Convergence: ConvergenceConfig{
			Threshold: DefaultScoreThreshold,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty), and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARROT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PARROT_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("PARROT_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("PARROT_SESSION_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.Capacity = n
		}
	}
	if v := os.Getenv("PARROT_SESSION_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTTL = Duration(d)
		}
	}
	if v := os.Getenv("PARROT_ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("PARROT_ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("PARROT_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("PARROT_DRIVER_ENDPOINT"); v != "" {
		cfg.Driver.Endpoint = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Session.Capacity <= 0 {
		return fmt.Errorf("session capacity must be positive, got %d", c.Session.Capacity)
	}
	if c.Stream.RetainedEvents < 0 {
		return fmt.Errorf("retained events must not be negative, got %d", c.Stream.RetainedEvents)
	}
	if c.Pipeline.RetryBudget < 0 {
		return fmt.Errorf("retry budget must not be negative, got %d", c.Pipeline.RetryBudget)
	}
	if c.Convergence.Threshold < 0 || c.Convergence.Threshold > 1 {
		return fmt.Errorf("convergence threshold must be in [0,1], got %g", c.Convergence.Threshold)
	}
	if c.Driver.Endpoint == "" {
		return fmt.Errorf("driver endpoint must not be empty")
	}
	return nil
}
