// ABOUTME: Configuration loading from YAML with environment variable expansion
// ABOUTME: Defines Config sections for server, store, agent, runs, auth, limits and logging

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "RAG_GATEWAY_CONFIG"

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Runs      RunsConfig      `yaml:"runs"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains listener addresses and HTTP timeouts.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`

	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout"`
	ShutdownTimeoutRaw   string        `yaml:"shutdown_timeout"`
	ReadHeaderTimeout    time.Duration `yaml:"-"`
	ShutdownTimeout      time.Duration `yaml:"-"`
}

// DatabaseConfig selects the conversation store and the optional data source
// queried by the SQL sub-agent.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`

	DataDriver string `yaml:"data_driver"`
	DataDSN    string `yaml:"data_dsn"`
}

// AgentConfig configures the primary language model.
type AgentConfig struct {
	Provider        string  `yaml:"provider"` // openai or anthropic
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	AzureEndpoint   string  `yaml:"azure_endpoint"`
	AzureAPIVersion string  `yaml:"azure_api_version"`
	Model           string  `yaml:"model"`
	Temperature     float64 `yaml:"temperature"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxToolRounds   int     `yaml:"max_tool_rounds"`

	// HistoryMessagesRaw distinguishes an explicit 0 (no history) from unset.
	HistoryMessagesRaw *int `yaml:"history_messages"`
	HistoryMessages    int  `yaml:"-"`
}

// RunsConfig configures the run-based sub-agents. An empty assistant id
// leaves the matching tool unregistered.
type RunsConfig struct {
	SQLAssistantID   string `yaml:"sql_assistant_id"`
	ChartAssistantID string `yaml:"chart_assistant_id"`
	MaxPolls         int    `yaml:"max_polls"`
	ResultLimit      int    `yaml:"result_limit"`

	PollIntervalRaw string        `yaml:"poll_interval"`
	PollInterval    time.Duration `yaml:"-"`
}

// AuthConfig contains identity extraction settings.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	PrincipalHeader string `yaml:"principal_header"`
	AdminTokenHash  string `yaml:"admin_token_hash"`
	AllowAnonymous  bool   `yaml:"allow_anonymous"`

	// TrustPrincipalHeader accepts PrincipalHeader as the caller identity.
	// Unset means trusted only when no jwt_secret is configured.
	TrustPrincipalHeader *bool `yaml:"trust_principal_header"`
}

// PrincipalHeaderTrusted reports whether the principal header may identify
// callers. With a jwt_secret configured it must be enabled explicitly.
func (a AuthConfig) PrincipalHeaderTrusted() bool {
	if a.PrincipalHeader == "" {
		return false
	}
	if a.TrustPrincipalHeader != nil {
		return *a.TrustPrincipalHeader
	}
	return a.JWTSecret == ""
}

// LimitsConfig bounds how often one identity may start a turn.
type LimitsConfig struct {
	TurnsPerMinute int `yaml:"turns_per_minute"` // 0 disables the limiter
	Burst          int `yaml:"burst"`
}

// DedupeConfig sizes the replay cache in front of /history/update.
type DedupeConfig struct {
	MaxEntries int `yaml:"max_entries"`

	TTLRaw string        `yaml:"ttl"`
	TTL    time.Duration `yaml:"-"`
}

// TailscaleConfig contains settings for the optional tailnet listener.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file.
// Environment variables in the format ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// DefaultPath resolves the config location when no -config flag was given:
// $RAG_GATEWAY_CONFIG, then $XDG_CONFIG_HOME/rag-gateway/config.yaml, then
// ~/.config/rag-gateway/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rag-gateway", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "rag-gateway", "config.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of the environment variable.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "./rag-gateway.db"
	}
	if c.Database.DataDSN != "" && c.Database.DataDriver == "" {
		c.Database.DataDriver = c.Database.Driver
	}

	if c.Agent.Provider == "" {
		c.Agent.Provider = "openai"
	}
	if c.Agent.HistoryMessagesRaw != nil {
		c.Agent.HistoryMessages = *c.Agent.HistoryMessagesRaw
	} else if c.Agent.HistoryMessages == 0 {
		c.Agent.HistoryMessages = 4
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 4
	}
	if c.Agent.AzureEndpoint != "" && c.Agent.AzureAPIVersion == "" {
		c.Agent.AzureAPIVersion = "2024-06-01"
	}

	if c.Runs.PollInterval == 0 {
		c.Runs.PollInterval = 500 * time.Millisecond
	}
	if c.Runs.MaxPolls == 0 {
		c.Runs.MaxPolls = 240
	}
	if c.Runs.ResultLimit == 0 {
		c.Runs.ResultLimit = 20000
	}

	if c.Auth.PrincipalHeader == "" {
		c.Auth.PrincipalHeader = "X-Ms-Client-Principal-Id"
	}

	if c.Limits.TurnsPerMinute > 0 && c.Limits.Burst == 0 {
		c.Limits.Burst = c.Limits.TurnsPerMinute
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 10000
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "rag-gateway"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that required configuration fields are present and consistent.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.DataDSN != "" {
		switch c.Database.DataDriver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("database.data_driver must be sqlite or postgres, got %q", c.Database.DataDriver))
		}
	}

	switch c.Agent.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("agent.provider must be openai or anthropic, got %q", c.Agent.Provider))
	}
	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("agent.api_key is required"))
	}
	if c.Agent.Model == "" {
		errs = append(errs, errors.New("agent.model is required"))
	}
	if c.Agent.AzureEndpoint != "" && c.Agent.Provider != "openai" {
		errs = append(errs, errors.New("agent.azure_endpoint requires provider openai"))
	}
	if c.Agent.HistoryMessages < 0 {
		errs = append(errs, errors.New("agent.history_messages must not be negative"))
	}
	if c.Agent.MaxToolRounds < 0 {
		errs = append(errs, errors.New("agent.max_tool_rounds must not be negative"))
	}
	if c.Agent.Provider == "anthropic" && (c.Runs.SQLAssistantID != "" || c.Runs.ChartAssistantID != "") {
		errs = append(errs, errors.New("runs assistants require provider openai"))
	}

	if c.Runs.MaxPolls < 0 {
		errs = append(errs, errors.New("runs.max_polls must not be negative"))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}

	if c.Limits.TurnsPerMinute < 0 || c.Limits.Burst < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}

	if c.Tailscale.Enabled && c.Tailscale.AuthKey == "" && c.Tailscale.StateDir == "" {
		errs = append(errs, errors.New("tailscale requires auth_key or an existing state_dir"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// parseDurations converts raw duration strings to time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"runs.poll_interval", cfg.Runs.PollIntervalRaw, &cfg.Runs.PollInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
