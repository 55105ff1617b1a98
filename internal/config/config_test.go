package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
auth:
  master_key: from-file
database:
  path: /tmp/test.db
logging:
  level: debug
  format: text
`)
	t.Setenv("PORT", "9100")
	t.Setenv("MASTER_API_KEY", "from-env")
	t.Setenv("CONDUIT_DB", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, env should win", cfg.Server.Port)
	}
	if cfg.Auth.MasterKey != "from-env" {
		t.Fatalf("master key = %q, env should win", cfg.Auth.MasterKey)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Fatalf("db path = %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.SemanticSearchEnabled() {
		t.Fatal("semantic search should be enabled with an OpenAI key")
	}
	if cfg.Addr() != "0.0.0.0:9100" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("MASTER_API_KEY", "mk")
	t.Setenv("PORT", "")
	t.Setenv("CONDUIT_DB", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Database.Path != "conduit.db" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.SemanticSearchEnabled() {
		t.Fatal("semantic search enabled without a key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("MASTER_API_KEY", "mk")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for an explicit missing path")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing master key", func(c *Config) { c.Auth.MasterKey = "" }, "master_key"},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"empty db path", func(c *Config) { c.Database.Path = " " }, "database.path"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero queue size", func(c *Config) { c.Webhooks.QueueSize = 0 }, "queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.MasterKey = "mk"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
