package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  listen: 0.0.0.0
  port: 9090
logging:
  level: debug
engine:
  default_batch_rows: 500
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9090" {
		t.Errorf("listen = %q", cfg.ListenAddr())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Engine.DefaultBatchRows != 500 {
		t.Errorf("batch rows = %d", cfg.Engine.DefaultBatchRows)
	}
	// Untouched keys keep their defaults.
	if cfg.Database.URL != Defaults().Database.URL {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRANSFERD_SERVER_PORT", "7001")
	t.Setenv("TRANSFERD_LOGGING_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty db url", func(c *Config) { c.Database.URL = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero poll", func(c *Config) { c.Engine.PollIntervalSec = 0 }},
		{"zero batch", func(c *Config) { c.Engine.DefaultBatchRows = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
