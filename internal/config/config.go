// ABOUTME: Configuration loading and parsing for coven-coordinator
// ABOUTME: YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_COORD_CONFIG"

// Config represents the complete coven-coordinator configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Coordination CoordinationConfig `yaml:"coordination" toml:"coordination"`
	Executor     ExecutorConfig     `yaml:"executor" toml:"executor"`
	Agents       []AgentConfig      `yaml:"agents" toml:"agents"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// CoordinationConfig tunes the coordination core
type CoordinationConfig struct {
	FanInTimeout   time.Duration `yaml:"-" toml:"-"`
	PollInterval   time.Duration `yaml:"-" toml:"-"`
	LockTTL        time.Duration `yaml:"-" toml:"-"`
	ConflictWindow time.Duration `yaml:"-" toml:"-"`
	WriteRetention time.Duration `yaml:"-" toml:"-"`

	StopOnTimeout  bool `yaml:"stop_on_timeout" toml:"stop_on_timeout"`
	MaxSubscribers int  `yaml:"max_subscribers" toml:"max_subscribers"`

	// Raw string values for unmarshaling
	FanInTimeoutRaw   string `yaml:"fanin_timeout" toml:"fanin_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`
	LockTTLRaw        string `yaml:"lock_ttl" toml:"lock_ttl"`
	ConflictWindowRaw string `yaml:"conflict_window" toml:"conflict_window"`
	WriteRetentionRaw string `yaml:"write_retention" toml:"write_retention"`
}

// ExecutorConfig selects and configures the AI execution backend
type ExecutorConfig struct {
	Provider  string `yaml:"provider" toml:"provider"` // echo, anthropic, openai
	Model     string `yaml:"model" toml:"model"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`

	EchoDelay    time.Duration `yaml:"-" toml:"-"`
	EchoDelayRaw string        `yaml:"echo_delay" toml:"echo_delay"`
}

// AgentConfig describes one agent the coordinator may spawn
type AgentConfig struct {
	ID           string   `yaml:"id" toml:"id"`
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Model        string   `yaml:"model" toml:"model"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`
	// CanSpawn lists agent IDs this agent may fan out to; "*" allows all.
	CanSpawn []string `yaml:"can_spawn" toml:"can_spawn"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Executor providers.
const (
	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Default values applied when a field is left empty.
const (
	DefaultFanInTimeout   = 2 * time.Minute
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultLockTTL        = 30 * time.Second
	DefaultConflictWindow = 60 * time.Second
	DefaultWriteRetention = 5 * time.Minute
	DefaultMaxSubscribers = 100
	DefaultMaxTokens      = 4096
)

// DefaultPath returns $XDG_CONFIG_HOME/coven/coordinator.yaml, falling back to ~/.config.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "coordinator.yaml")
}

// ResolvePath picks the config file: explicit flag, then environment, then default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath()
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	cfg.Database.Path, err = expandHome(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding database path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Coordination.FanInTimeout == 0 {
		c.Coordination.FanInTimeout = DefaultFanInTimeout
	}
	if c.Coordination.PollInterval == 0 {
		c.Coordination.PollInterval = DefaultPollInterval
	}
	if c.Coordination.LockTTL == 0 {
		c.Coordination.LockTTL = DefaultLockTTL
	}
	if c.Coordination.ConflictWindow == 0 {
		c.Coordination.ConflictWindow = DefaultConflictWindow
	}
	if c.Coordination.WriteRetention == 0 {
		c.Coordination.WriteRetention = DefaultWriteRetention
	}
	if c.Coordination.MaxSubscribers == 0 {
		c.Coordination.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.Executor.Provider == "" {
		c.Executor.Provider = ProviderEcho
	}
	if c.Executor.MaxTokens == 0 {
		c.Executor.MaxTokens = DefaultMaxTokens
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Executor.Provider {
	case ProviderEcho:
	case ProviderAnthropic, ProviderOpenAI:
		if c.Executor.Model == "" {
			return fmt.Errorf("executor.model is required for provider %s", c.Executor.Provider)
		}
	default:
		return fmt.Errorf("executor.provider must be echo, anthropic or openai, got %q", c.Executor.Provider)
	}

	if c.Coordination.PollInterval < 0 || c.Coordination.FanInTimeout < 0 {
		return errors.New("coordination durations must be positive")
	}
	if c.Coordination.MaxSubscribers < 0 {
		return errors.New("coordination.max_subscribers must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
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
		{"coordination.fanin_timeout", cfg.Coordination.FanInTimeoutRaw, &cfg.Coordination.FanInTimeout},
		{"coordination.poll_interval", cfg.Coordination.PollIntervalRaw, &cfg.Coordination.PollInterval},
		{"coordination.lock_ttl", cfg.Coordination.LockTTLRaw, &cfg.Coordination.LockTTL},
		{"coordination.conflict_window", cfg.Coordination.ConflictWindowRaw, &cfg.Coordination.ConflictWindow},
		{"coordination.write_retention", cfg.Coordination.WriteRetentionRaw, &cfg.Coordination.WriteRetention},
		{"executor.echo_delay", cfg.Executor.EchoDelayRaw, &cfg.Executor.EchoDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Example is the starter configuration written by `coven-coord init`.
const Example = `# coven-coordinator configuration
server:
  http_addr: "127.0.0.1:8090"
  grpc_addr: "127.0.0.1:50061"

tailscale:
  enabled: false
  hostname: ""
  auth_key: "${TS_AUTHKEY}"

database:
  path: "~/.local/share/coven/coordinator.db"
  driver: "sqlite"

auth:
  jwt_secret: "${COVEN_JWT_SECRET}"

coordination:
  fanin_timeout: "2m"
  poll_interval: "500ms"
  stop_on_timeout: false
  lock_ttl: "30s"
  conflict_window: "60s"
  write_retention: "5m"
  max_subscribers: 100

executor:
  provider: "echo"
  model: ""
  api_key: "${ANTHROPIC_API_KEY}"
  max_tokens: 4096

agents:
  - id: "main"
    enabled: true
    can_spawn: ["*"]
  - id: "researcher"
    enabled: true
    capabilities: ["web"]
  - id: "writer"
    enabled: true

logging:
  level: "info"
  format: "text"
`
