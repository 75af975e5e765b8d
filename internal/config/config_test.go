package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.AI.Provider != "generic" {
		t.Errorf("AI.Provider = %q, want generic", cfg.AI.Provider)
	}
	if cfg.AI.MaxRetries != 3 {
		t.Errorf("AI.MaxRetries = %d, want 3", cfg.AI.MaxRetries)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}

	ttl, err := cfg.PendingTTL()
	if err != nil {
		t.Fatalf("PendingTTL() error = %v", err)
	}
	if ttl != 30*time.Second {
		t.Errorf("PendingTTL() = %v, want 30s", ttl)
	}
	blackout, err := cfg.Blackout()
	if err != nil {
		t.Fatalf("Blackout() error = %v", err)
	}
	if blackout != time.Minute {
		t.Errorf("Blackout() = %v, want 1m", blackout)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
  shutdown_timeout: 5s
ai:
  provider: openai
  service_url: https://ai.internal
  api_key: sk-from-file
  default_model: nyx/gpt-4o
  timeout: 45s
  max_retries: 5
dedup:
  pending_ttl: 10s
  blackout: 2m
storage:
  type: sqlite
  sqlite:
    path: /var/lib/relay/relay.db
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.AI.Provider != "openai" {
		t.Errorf("AI.Provider = %q, want openai", cfg.AI.Provider)
	}
	if cfg.AI.DefaultModel != "nyx/gpt-4o" {
		t.Errorf("AI.DefaultModel = %q, want nyx/gpt-4o", cfg.AI.DefaultModel)
	}
	if cfg.Storage.SQLite.Path != "/var/lib/relay/relay.db" {
		t.Errorf("Storage.SQLite.Path = %q", cfg.Storage.SQLite.Path)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", cfg.LogLevel())
	}

	pc, err := cfg.ProviderConfig()
	if err != nil {
		t.Fatalf("ProviderConfig() error = %v", err)
	}
	if pc.BaseURL != "https://ai.internal" {
		t.Errorf("ProviderConfig().BaseURL = %q", pc.BaseURL)
	}
	if pc.Timeout != 45*time.Second {
		t.Errorf("ProviderConfig().Timeout = %v, want 45s", pc.Timeout)
	}
	if pc.MaxRetries != 5 {
		t.Errorf("ProviderConfig().MaxRetries = %d, want 5", pc.MaxRetries)
	}

	blackout, err := cfg.Blackout()
	if err != nil {
		t.Fatalf("Blackout() error = %v", err)
	}
	if blackout != 2*time.Minute {
		t.Errorf("Blackout() = %v, want 2m", blackout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
ai:
  provider: openai
`)
	t.Setenv("RELAY_SERVER__PORT", "7777")
	t.Setenv("RELAY_AI__PROVIDER", "anthropic")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.AI.Provider != "anthropic" {
		t.Errorf("AI.Provider = %q, want anthropic", cfg.AI.Provider)
	}
}

func TestLoadAIEnvWinsOverAll(t *testing.T) {
	path := writeConfigFile(t, `
ai:
  provider: openai
  service_url: https://file.internal
  timeout: 45s
`)
	t.Setenv("RELAY_AI__PROVIDER", "generic")
	t.Setenv("AI_PROVIDER", "anthropic")
	t.Setenv("AI_SERVICE_URL", "https://env.internal")
	t.Setenv("AI_TIMEOUT", "5000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Provider != "anthropic" {
		t.Errorf("AI.Provider = %q, want anthropic", cfg.AI.Provider)
	}
	if cfg.AI.ServiceURL != "https://env.internal" {
		t.Errorf("AI.ServiceURL = %q, want https://env.internal", cfg.AI.ServiceURL)
	}
	if cfg.AI.Timeout != "5s" {
		t.Errorf("AI.Timeout = %q, want 5s", cfg.AI.Timeout)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() succeeded on malformed yaml")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadSubstitutesAPIKey(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "sk-secret")
	path := writeConfigFile(t, `
ai:
  api_key: ${RELAY_TEST_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.APIKey != "sk-secret" {
		t.Errorf("AI.APIKey = %q, want sk-secret", cfg.AI.APIKey)
	}
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	cfg := &Config{Dedup: DedupConfig{Blackout: "soon"}}
	if _, err := cfg.Blackout(); err == nil {
		t.Fatal("Blackout() accepted a non-duration")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{Logging: LoggingConfig{Level: tt.level}}
		if got := cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9090\n")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWatcher(path, logger)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if _, err := w.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if w.Current().Server.Port != 9090 {
		t.Fatalf("initial port = %d, want 9090", w.Current().Server.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	w.Watch(ctx, func(cfg *Config) { reloaded <- cfg })

	if err := os.WriteFile(path, []byte("server:\n  port: 7171\n"), 0o644); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Server.Port == 7171 {
				if w.Current().Server.Port != 7171 {
					t.Errorf("Current().Server.Port = %d, want 7171", w.Current().Server.Port)
				}
				return
			}
		case <-deadline:
			t.Fatal("config reload never observed")
		}
	}
}

func TestWatcherRequiresExistingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), logger); err == nil {
		t.Fatal("NewWatcher() accepted a missing file")
	}
}
