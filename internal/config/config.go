// Package config loads the daemon configuration: file, environment,
// defaults, in ascending precedence. Files are YAML; every key is also
// reachable through a TRANSFERD_ environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Server holds the HTTP API listener settings.
type Server struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`
}

// Database holds the metadata store connection.
type Database struct {
	URL string `mapstructure:"url"`
}

// Logging holds the log output settings.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Engine holds transfer engine tunables applied when a task does not set
// its own.
type Engine struct {
	PollIntervalSec  int `mapstructure:"poll_interval_seconds"`
	DefaultBatchRows int `mapstructure:"default_batch_rows"`
	MaxParallel      int `mapstructure:"max_parallel_tables"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Logging  Logging  `mapstructure:"logging"`
	Engine   Engine   `mapstructure:"engine"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server:   Server{Listen: "127.0.0.1", Port: 8080},
		Database: Database{URL: "postgres://localhost:5432/transferd?sslmode=disable"},
		Logging:  Logging{Level: "info", Format: "console"},
		Engine:   Engine{PollIntervalSec: 10, DefaultBatchRows: 10000, MaxParallel: 4},
	}
}

// Load reads the configuration from path, or from the default search
// locations when path is empty.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults := Defaults()
	v.SetDefault("server.listen", defaults.Server.Listen)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("database.url", defaults.Database.URL)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("engine.poll_interval_seconds", defaults.Engine.PollIntervalSec)
	v.SetDefault("engine.default_batch_rows", defaults.Engine.DefaultBatchRows)
	v.SetDefault("engine.max_parallel_tables", defaults.Engine.MaxParallel)

	v.SetEnvPrefix("TRANSFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", found, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".transferd", "config.yaml"))
	}
	candidates = append(candidates, "/etc/transferd/config.yaml")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	if c.Engine.PollIntervalSec <= 0 {
		return fmt.Errorf("engine.poll_interval_seconds must be positive")
	}
	if c.Engine.DefaultBatchRows <= 0 {
		return fmt.Errorf("engine.default_batch_rows must be positive")
	}
	if c.Engine.MaxParallel <= 0 {
		return fmt.Errorf("engine.max_parallel_tables must be positive")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Listen, c.Server.Port)
}
