package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentline.yml.
type Config struct {
	Sessions struct {
		// TTLSeconds bounds how long a session token stays valid.
		TTLSeconds int `yaml:"ttl_seconds"`
		// SpawnWindowSeconds is how long a pending spawn counts as
		// in flight before a session exists.
		SpawnWindowSeconds int `yaml:"spawn_window_seconds"`
	} `yaml:"sessions"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyAgentHeader bool   `yaml:"allow_legacy_agent_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

const (
	defaultSessionTTLSeconds  = 3600
	defaultSpawnWindowSeconds = 120
)

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Sessions.TTLSeconds = defaultSessionTTLSeconds
	cfg.Sessions.SpawnWindowSeconds = defaultSpawnWindowSeconds
	cfg.Auth.AllowLegacyAgentHeader = true
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sessions.TTLSeconds <= 0 {
		return fmt.Errorf("config.sessions.ttl_seconds must be positive")
	}
	if c.Sessions.SpawnWindowSeconds <= 0 {
		return fmt.Errorf("config.sessions.spawn_window_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
