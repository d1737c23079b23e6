// ABOUTME: Configuration loading and parsing for coven-conductor
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config path.
const EnvPath = "COVEN_CONDUCTOR_CONFIG"

// Config represents the complete coven-conductor configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Broker      BrokerConfig      `yaml:"broker" toml:"broker"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" toml:"concurrency"`
	Tasks       TasksConfig       `yaml:"tasks" toml:"tasks"`
	Approval    ApprovalConfig    `yaml:"approval" toml:"approval"`
	RunLoop     RunLoopConfig     `yaml:"runloop" toml:"runloop"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses and the process identity
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// ProcessID identifies this process on persisted tasks and broadcast
	// envelopes. Generated when empty, which means restarts cannot recover
	// the previous run's tasks.
	ProcessID string `yaml:"process_id" toml:"process_id"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the durable store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// Broker kinds.
const (
	BrokerMemory   = "memory"
	BrokerNATS     = "nats"
	BrokerPostgres = "postgres"
)

// BrokerConfig selects the event channel shared by all processes
type BrokerConfig struct {
	Kind          string `yaml:"kind" toml:"kind"`
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	// Channel is the Postgres NOTIFY channel.
	Channel string `yaml:"channel" toml:"channel"`
}

// ConcurrencyConfig holds admission limits. This is the only section
// applied on reload.
type ConcurrencyConfig struct {
	MaxPerAgent int            `yaml:"max_per_agent" toml:"max_per_agent"`
	MaxTotal    int            `yaml:"max_total" toml:"max_total"`
	PerAgent    map[string]int `yaml:"per_agent" toml:"per_agent"`
}

// TasksConfig holds task registry timing
type TasksConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	OutboxSize    int           `yaml:"outbox_size" toml:"outbox_size"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// ApprovalConfig holds approval gate timing
type ApprovalConfig struct {
	Timeout      time.Duration `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// RunLoopConfig bounds task runs
type RunLoopConfig struct {
	MaxIterations      int  `yaml:"max_iterations" toml:"max_iterations"`
	SkipPlanning       bool `yaml:"skip_planning" toml:"skip_planning"`
	ResultPreviewChars int  `yaml:"result_preview_chars" toml:"result_preview_chars"`
}

// AgentConfig points at the model and tool backends
type AgentConfig struct {
	OllamaHost  string   `yaml:"ollama_host" toml:"ollama_host"`
	OllamaModel string   `yaml:"ollama_model" toml:"ollama_model"`
	MCPCommand  string   `yaml:"mcp_command" toml:"mcp_command"`
	MCPArgs     []string `yaml:"mcp_args" toml:"mcp_args"`
	MCPEndpoint string   `yaml:"mcp_endpoint" toml:"mcp_endpoint"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration that runs a single process on SQLite
// with the in-memory broker.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config path from the environment, falling back
// to $XDG_CONFIG_HOME/coven/conductor.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "conductor.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "conductor.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes a configuration in format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, ":8080")
	setDefault(&c.Server.GRPCAddr, ":50051")
	setDefault(&c.Database.Driver, DriverSQLite)
	if c.Database.Driver != DriverPostgres {
		setDefault(&c.Database.Path, "coven-conductor.db")
	}
	setDefault(&c.Broker.Kind, BrokerMemory)
	setDefault(&c.Broker.SubjectPrefix, "coven.conductor")
	setDefault(&c.Broker.Channel, "coven_conductor_events")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")

	setDefault(&c.Concurrency.MaxPerAgent, 3)
	setDefault(&c.Concurrency.MaxTotal, 10)
	setDefault(&c.Tasks.TTL, 30*time.Minute)
	setDefault(&c.Tasks.SweepInterval, time.Minute)
	setDefault(&c.Tasks.OutboxSize, 256)
	setDefault(&c.Approval.Timeout, 600*time.Second)
	setDefault(&c.Approval.PollInterval, time.Second)
	setDefault(&c.RunLoop.MaxIterations, 25)
	setDefault(&c.RunLoop.ResultPreviewChars, 500)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for %s", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerNATS:
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for nats")
		}
	case BrokerPostgres:
		if c.Database.Driver != DriverPostgres && c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for postgres unless database.driver is postgres")
		}
	default:
		return fmt.Errorf("broker.kind %q is not one of memory, nats, postgres", c.Broker.Kind)
	}

	if err := c.Concurrency.Validate(); err != nil {
		return err
	}

	if c.Agent.MCPCommand != "" && c.Agent.MCPEndpoint != "" {
		return fmt.Errorf("agent.mcp_command and agent.mcp_endpoint are mutually exclusive")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// Validate checks the admission limits.
func (c ConcurrencyConfig) Validate() error {
	if c.MaxPerAgent < 1 {
		return fmt.Errorf("concurrency.max_per_agent must be positive")
	}
	if c.MaxTotal < 1 {
		return fmt.Errorf("concurrency.max_total must be positive")
	}
	for k, v := range c.PerAgent {
		if v < 1 {
			return fmt.Errorf("concurrency.per_agent.%s must be positive", k)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tasks.ttl", cfg.Tasks.TTLRaw, &cfg.Tasks.TTL},
		{"tasks.sweep_interval", cfg.Tasks.SweepIntervalRaw, &cfg.Tasks.SweepInterval},
		{"approval.timeout", cfg.Approval.TimeoutRaw, &cfg.Approval.Timeout},
		{"approval.poll_interval", cfg.Approval.PollIntervalRaw, &cfg.Approval.PollInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
