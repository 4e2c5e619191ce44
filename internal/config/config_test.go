// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
agent:
  api_key: "sk-test"
  model: "gpt-4o"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  read_header_timeout: "5s"
  shutdown_timeout: "30s"

database:
  driver: "postgres"
  dsn: "postgres://rag@localhost/rag"
  data_dsn: "postgres://reader@localhost/sales"

agent:
  provider: "openai"
  api_key: "sk-test"
  azure_endpoint: "https://example.openai.azure.com"
  model: "gpt-4o"
  temperature: 0.2
  history_messages: 6
  max_tool_rounds: 2

runs:
  sql_assistant_id: "asst_sql"
  chart_assistant_id: "asst_chart"
  poll_interval: "250ms"
  max_polls: 100
  result_limit: 5000

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  principal_header: "X-User"
  allow_anonymous: true

limits:
  turns_per_minute: 10

dedupe:
  ttl: "1m"
  max_entries: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Server.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("Server.ReadHeaderTimeout = %v, want 5s", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Database.DataDriver != "postgres" {
		t.Errorf("Database.DataDriver = %q, want inherited postgres", cfg.Database.DataDriver)
	}

	if cfg.Agent.Temperature != 0.2 {
		t.Errorf("Agent.Temperature = %v", cfg.Agent.Temperature)
	}
	if cfg.Agent.HistoryMessages != 6 || cfg.Agent.MaxToolRounds != 2 {
		t.Errorf("Agent history/tool rounds = %d/%d", cfg.Agent.HistoryMessages, cfg.Agent.MaxToolRounds)
	}
	if cfg.Agent.AzureAPIVersion == "" {
		t.Error("Agent.AzureAPIVersion should default when azure_endpoint is set")
	}

	if cfg.Runs.PollInterval != 250*time.Millisecond {
		t.Errorf("Runs.PollInterval = %v, want 250ms", cfg.Runs.PollInterval)
	}
	if cfg.Runs.MaxPolls != 100 || cfg.Runs.ResultLimit != 5000 {
		t.Errorf("Runs = %+v", cfg.Runs)
	}

	if cfg.Auth.PrincipalHeader != "X-User" || !cfg.Auth.AllowAnonymous {
		t.Errorf("Auth = %+v", cfg.Auth)
	}

	if cfg.Limits.Burst != 10 {
		t.Errorf("Limits.Burst = %d, want default equal to turns_per_minute", cfg.Limits.Burst)
	}

	if cfg.Dedupe.TTL != time.Minute || cfg.Dedupe.MaxEntries != 50 {
		t.Errorf("Dedupe = %+v", cfg.Dedupe)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"http_addr", cfg.Server.HTTPAddr, "127.0.0.1:8080"},
		{"grpc_addr", cfg.Server.GRPCAddr, ""},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, 15 * time.Second},
		{"driver", cfg.Database.Driver, "sqlite"},
		{"dsn", cfg.Database.DSN, "./rag-gateway.db"},
		{"provider", cfg.Agent.Provider, "openai"},
		{"history_messages", cfg.Agent.HistoryMessages, 4},
		{"max_tool_rounds", cfg.Agent.MaxToolRounds, 4},
		{"poll_interval", cfg.Runs.PollInterval, 500 * time.Millisecond},
		{"max_polls", cfg.Runs.MaxPolls, 240},
		{"result_limit", cfg.Runs.ResultLimit, 20000},
		{"principal_header", cfg.Auth.PrincipalHeader, "X-Ms-Client-Principal-Id"},
		{"allow_anonymous", cfg.Auth.AllowAnonymous, false},
		{"principal_header_trusted", cfg.Auth.PrincipalHeaderTrusted(), true},
		{"turns_per_minute", cfg.Limits.TurnsPerMinute, 0},
		{"dedupe_ttl", cfg.Dedupe.TTL, 10 * time.Minute},
		{"log_level", cfg.Logging.Level, "info"},
		{"log_format", cfg.Logging.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_HistoryMessagesZero(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + "  history_messages: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Agent.HistoryMessages != 0 {
		t.Errorf("HistoryMessages = %d, want 0 (explicitly disabled)", cfg.Agent.HistoryMessages)
	}
}

func TestAuthConfig_PrincipalHeaderTrusted(t *testing.T) {
	yes, no := true, false
	secret := strings.Repeat("s", 32)

	tests := []struct {
		name string
		cfg  AuthConfig
		want bool
	}{
		{"header only", AuthConfig{PrincipalHeader: "X-User"}, true},
		{"jwt configured", AuthConfig{PrincipalHeader: "X-User", JWTSecret: secret}, false},
		{"jwt with explicit trust", AuthConfig{PrincipalHeader: "X-User", JWTSecret: secret, TrustPrincipalHeader: &yes}, true},
		{"explicitly off", AuthConfig{PrincipalHeader: "X-User", TrustPrincipalHeader: &no}, false},
		{"no header", AuthConfig{TrustPrincipalHeader: &yes}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.PrincipalHeaderTrusted(); got != tt.want {
				t.Errorf("PrincipalHeaderTrusted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RAG_API_KEY", "sk-from-env")
	t.Setenv("TEST_RAG_DSN", "/tmp/from-env.db")

	cfg, err := Load(writeConfig(t, `
database:
  dsn: "${TEST_RAG_DSN}"
agent:
  api_key: "${TEST_RAG_API_KEY}"
  model: "gpt-4o"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.APIKey != "sk-from-env" {
		t.Errorf("Agent.APIKey = %q, want %q", cfg.Agent.APIKey, "sk-from-env")
	}
	if cfg.Database.DSN != "/tmp/from-env.db" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RAG_A", "alpha")
	t.Setenv("RAG_B", "beta")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${RAG_A}", "alpha"},
		{"${RAG_A}-${RAG_B}", "alpha-beta"},
		{"x${RAG_UNSET_FOR_TEST}y", "xy"},
		{"$RAG_A", "$RAG_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
runs:
  poll_interval: "soon"
`))
	if err == nil {
		t.Fatal("Load() should fail on an invalid duration")
	}
	if !strings.Contains(err.Error(), "runs.poll_interval") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "agent: [unterminated")); err == nil {
		t.Fatal("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{
			name: "bad driver",
			extra: `
database:
  driver: "mysql"
  dsn: "x"
`,
			wantErr: "database.driver",
		},
		{
			name: "bad provider",
			extra: `
agent:
  provider: "llama"
  api_key: "k"
  model: "m"
`,
			wantErr: "agent.provider",
		},
		{
			name: "missing model",
			extra: `
agent:
  api_key: "k"
`,
			wantErr: "agent.model",
		},
		{
			name: "short jwt secret",
			extra: minimalConfig + `
auth:
  jwt_secret: "short"
`,
			wantErr: "jwt_secret",
		},
		{
			name: "anthropic with run assistants",
			extra: `
agent:
  provider: "anthropic"
  api_key: "k"
  model: "messages-model"
runs:
  sql_assistant_id: "asst_sql"
`,
			wantErr: "runs assistants",
		},
		{
			name: "tailscale without credentials",
			extra: minimalConfig + `
tailscale:
  enabled: true
`,
			wantErr: "tailscale",
		},
		{
			name: "bad log level",
			extra: minimalConfig + `
logging:
  level: "loud"
`,
			wantErr: "logging.level",
		},
		{
			name: "postgres without dsn",
			extra: minimalConfig + `
database:
  driver: "postgres"
`,
			wantErr: "database.dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.extra))
			if err == nil {
				t.Fatalf("Parse() should fail with %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/etc/rag/gateway.yaml")
		if got := DefaultPath(); got != "/etc/rag/gateway.yaml" {
			t.Errorf("DefaultPath() = %q", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "rag-gateway", "config.yaml")
		if got := DefaultPath(); got != want {
			t.Errorf("DefaultPath() = %q, want %q", got, want)
		}
	})
}
