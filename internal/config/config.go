// Package config loads the gateway configuration from an optional YAML file
// plus environment overrides. Environment always wins over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutS   int    `yaml:"read_timeout_s"`
	WriteTimeoutS  int    `yaml:"write_timeout_s"`
	ShutdownGraceS int    `yaml:"shutdown_grace_s"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	MasterKey string `yaml:"master_key"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OpenAIConfig enables semantic search and workflow sampling when an API key
// is present.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	SamplingModel  string `yaml:"sampling_model"`
}

// WebhookConfig tunes the delivery dispatcher.
type WebhookConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeoutS:   30,
			WriteTimeoutS:  60,
			ShutdownGraceS: 10,
		},
		Database: DatabaseConfig{Path: "conduit.db"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Webhooks: WebhookConfig{QueueSize: 256},
	}
}

// Load reads cfg from path when path is non-empty, then applies environment
// overrides and validates. A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MASTER_API_KEY"); v != "" {
		c.Auth.MasterKey = v
	}
	if v := os.Getenv("CONDUIT_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate reports configuration errors; the master key is the only hard
// requirement beyond basic ranges.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Auth.MasterKey) == "" {
		problems = append(problems, "auth.master_key is required (set MASTER_API_KEY)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Webhooks.QueueSize < 1 {
		problems = append(problems, "webhooks.queue_size must be positive")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not json or text", c.Logging.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SemanticSearchEnabled reports whether an embedder can be constructed.
func (c *Config) SemanticSearchEnabled() bool {
	return c.OpenAI.APIKey != ""
}
