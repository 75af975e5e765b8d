// Package config loads the relay daemon's configuration: an optional
// YAML file, RELAY_-prefixed environment overrides, and the AI_*
// variables the adapter factory understands. Precedence is file, then
// RELAY_* variables, then AI_* variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lbds137/tzurot-sub005/internal/provider"
)

// DefaultPath is the config file consulted when none is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	AI      AIConfig      `koanf:"ai"`
	Dedup   DedupConfig   `koanf:"dedup"`
	Storage StorageConfig `koanf:"storage"`
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// AIConfig is the provider block. Duration fields are strings like
// "30s"; AI_TIMEOUT may also be bare milliseconds.
type AIConfig struct {
	Provider     string `koanf:"provider"`
	ServiceURL   string `koanf:"service_url"`
	APIKey       string `koanf:"api_key"`
	DefaultModel string `koanf:"default_model"`
	Timeout      string `koanf:"timeout"`
	MaxRetries   int    `koanf:"max_retries"`
	RetryDelay   string `koanf:"retry_delay"`
	HealthPath   string `koanf:"health_path"`
}

type DedupConfig struct {
	PendingTTL    string `koanf:"pending_ttl"`
	Blackout      string `koanf:"blackout"`
	SweepInterval string `koanf:"sweep_interval"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the configuration from path, layering RELAY_* and AI_*
// environment variables on top. A missing file is not an error; the
// environment alone can configure the daemon.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// RELAY_SERVER__PORT=8080 becomes server.port.
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets may reference other variables as ${VAR_NAME}.
	cfg.AI.APIKey = substituteEnvVars(cfg.AI.APIKey)
	cfg.AI.ServiceURL = substituteEnvVars(cfg.AI.ServiceURL)

	// The AI_* variables win over everything else for the provider block.
	envCfg, err := provider.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.AI.applyEnv(envCfg)

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":             8080,
		"server.shutdown_timeout": "10s",
		"ai.provider":             "generic",
		"ai.timeout":              "30s",
		"ai.max_retries":          3,
		"ai.retry_delay":          "1s",
		"dedup.pending_ttl":       "30s",
		"dedup.blackout":          "60s",
		"dedup.sweep_interval":    "30s",
		"storage.type":            "memory",
		"logging.level":           "info",
		"logging.format":          "json",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (a *AIConfig) applyEnv(envCfg provider.Config) {
	if envCfg.Provider != "" {
		a.Provider = envCfg.Provider
	}
	if envCfg.BaseURL != "" {
		a.ServiceURL = envCfg.BaseURL
	}
	if envCfg.APIKey != "" {
		a.APIKey = envCfg.APIKey
	}
	if envCfg.DefaultModel != "" {
		a.DefaultModel = envCfg.DefaultModel
	}
	if envCfg.Timeout > 0 {
		a.Timeout = envCfg.Timeout.String()
	}
	if envCfg.MaxRetries > 0 {
		a.MaxRetries = envCfg.MaxRetries
	}
}

// ProviderConfig converts the AI block into the factory's form.
func (c *Config) ProviderConfig() (provider.Config, error) {
	timeout, err := parseDuration("ai.timeout", c.AI.Timeout)
	if err != nil {
		return provider.Config{}, err
	}
	retryDelay, err := parseDuration("ai.retry_delay", c.AI.RetryDelay)
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		Provider:     c.AI.Provider,
		BaseURL:      c.AI.ServiceURL,
		APIKey:       c.AI.APIKey,
		DefaultModel: c.AI.DefaultModel,
		Timeout:      timeout,
		MaxRetries:   c.AI.MaxRetries,
		RetryDelay:   retryDelay,
		HealthPath:   c.AI.HealthPath,
	}, nil
}

// PendingTTL returns the deduplicator's pending entry lifetime.
func (c *Config) PendingTTL() (time.Duration, error) {
	return parseDuration("dedup.pending_ttl", c.Dedup.PendingTTL)
}

// Blackout returns the deduplicator's blackout window.
func (c *Config) Blackout() (time.Duration, error) {
	return parseDuration("dedup.blackout", c.Dedup.Blackout)
}

// SweepInterval returns the deduplicator's sweep cadence.
func (c *Config) SweepInterval() (time.Duration, error) {
	return parseDuration("dedup.sweep_interval", c.Dedup.SweepInterval)
}

// ShutdownTimeout returns how long the daemon waits for graceful
// shutdown.
func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return parseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout)
}

// LogLevel maps the configured level onto slog, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}
