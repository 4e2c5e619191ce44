// ABOUTME: Configuration loading for the rag-chat client
// ABOUTME: Optional TOML file in the XDG config dir with ${VAR} expansion

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the client configuration. Every field has a usable default, so
// the file itself is optional.
type Config struct {
	Server       string `toml:"server"`
	Token        string `toml:"token"`
	Principal    string `toml:"principal"`
	AdminToken   string `toml:"admin_token"`
	PageSize     int    `toml:"page_size"`
	SnapshotPath string `toml:"snapshot_path"`
}

const (
	defaultServer   = "http://localhost:8080"
	defaultPageSize = 25
)

// configDir returns $XDG_CONFIG_HOME/rag-chat or ~/.config/rag-chat.
func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rag-chat")
}

// configPath returns the config file location.
// Priority: RAG_CHAT_CONFIG env var > XDG_CONFIG_HOME/rag-chat/config.toml
func configPath() string {
	if p := os.Getenv("RAG_CHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "config.toml")
}

// LoadConfig reads the config at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = defaultServer
	}
	if c.Token == "" {
		c.Token = os.Getenv("RAG_CHAT_TOKEN")
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(configDir(), "snapshot.json")
	}
}

// Validate checks the server URL and page size.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("server is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server must use http or https scheme")
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100, got %d", c.PageSize)
	}
	return nil
}
