// Package provider supplies the vendor-specific transform pairs and the
// factory that builds pre-wired transport adapters from configuration.
//
// Each provider type contributes a pure (Request) -> wire request and
// (wire response) -> Content pair; adding a backend means adding a pair
// here, never touching the adapter, deduplicator, or aggregate.
package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/relay"
)

// envPrefix scopes the environment variables read by FromEnv:
// AI_PROVIDER, AI_SERVICE_URL, AI_API_KEY, AI_TIMEOUT, AI_MAX_RETRIES,
// AI_DEFAULT_MODEL.
const envPrefix = "AI_"

// Config describes one backend to build an adapter for.
type Config struct {
	// Provider selects the transform pair: generic, openai-compatible,
	// or anthropic-compatible. Empty means generic.
	Provider string

	// BaseURL is the backend's base URL. Required.
	BaseURL string

	// APIKey authenticates to the backend, in whatever header the
	// provider expects.
	APIKey string

	// DefaultModel is the model path callers fall back to when a request
	// names none. The factory carries it for the API layer; transforms
	// always read the model from the aggregate.
	DefaultModel string

	// Timeout bounds each network attempt. Zero keeps the adapter
	// default.
	Timeout time.Duration

	// MaxRetries is the attempt ceiling per send. Zero keeps the adapter
	// default.
	MaxRetries int

	// RetryDelay is the base backoff delay. Zero keeps the adapter
	// default.
	RetryDelay time.Duration

	// HealthPath overrides the health probe endpoint.
	HealthPath string
}

// builders maps provider type names to their transform constructors.
// The bare vendor names are aliases for the -compatible forms.
var builders = map[string]func(Config) relay.Transforms{
	"generic":              func(Config) relay.Transforms { return relay.DefaultTransforms() },
	"openai":               OpenAITransforms,
	"openai-compatible":    OpenAITransforms,
	"anthropic":            AnthropicTransforms,
	"anthropic-compatible": AnthropicTransforms,
}

// Names returns the known provider type names, sorted.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds a transport adapter for the configured provider. Extra
// relay options (logger, shared deduplicator, token registry) are
// applied after the factory's own.
func Create(cfg Config, opts ...relay.Option) (*relay.Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "generic"
	}

	build, ok := builders[name]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf(
			"unknown provider type: %s (known types: %s)",
			cfg.Provider, strings.Join(Names(), ", "),
		))
	}
	if cfg.BaseURL == "" {
		return nil, domain.ErrInvalidRequest("provider configuration requires a base URL")
	}

	adapterOpts := []relay.Option{relay.WithTransforms(build(cfg))}
	// The generic schema has no transform-owned auth header; the adapter
	// sends the key as a bearer token.
	if name == "generic" && cfg.APIKey != "" {
		adapterOpts = append(adapterOpts, relay.WithAPIKey(cfg.APIKey))
	}
	if cfg.Timeout > 0 {
		adapterOpts = append(adapterOpts, relay.WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRetries > 0 {
		adapterOpts = append(adapterOpts, relay.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryDelay > 0 {
		adapterOpts = append(adapterOpts, relay.WithRetryDelay(cfg.RetryDelay))
	}
	if cfg.HealthPath != "" {
		adapterOpts = append(adapterOpts, relay.WithHealthPath(cfg.HealthPath))
	}
	adapterOpts = append(adapterOpts, opts...)

	return relay.New(cfg.BaseURL, adapterOpts...), nil
}

// FromEnv reads the AI_* environment variables into a Config. AI_TIMEOUT
// accepts a Go duration string or a bare integer of milliseconds.
func FromEnv() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return Config{}, domain.ErrInternal("failed to read environment").WithCause(err)
	}

	cfg := Config{
		Provider:     k.String("provider"),
		BaseURL:      k.String("service_url"),
		APIKey:       k.String("api_key"),
		DefaultModel: k.String("default_model"),
		MaxRetries:   k.Int("max_retries"),
	}

	if v := k.String("timeout"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return Config{}, err
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

// CreateFromEnv builds an adapter from the AI_* environment variables.
func CreateFromEnv(opts ...relay.Option) (*relay.Adapter, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, domain.ErrInvalidRequest("AI_SERVICE_URL is not set")
	}
	return Create(cfg, opts...)
}

func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		if ms <= 0 {
			return 0, domain.ErrInvalidRequest(fmt.Sprintf("AI_TIMEOUT must be positive, got %q", v))
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, domain.ErrInvalidRequest(fmt.Sprintf("AI_TIMEOUT must be a duration or milliseconds, got %q", v))
	}
	return d, nil
}

// personaPrompt renders the personality identity as the system
// instruction both vendor schemas carry.
func personaPrompt(personalityID string) string {
	return fmt.Sprintf("You are %s.", personalityID)
}
