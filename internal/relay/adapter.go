// Package relay performs the wire-level exchange with an AI backend:
// transform, send with retry and per-attempt timeout, classify, and
// report outcomes to the deduplicator. Callers hand it a Request
// aggregate and get back domain Content or a classified error.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lbds137/tzurot-sub005/internal/dedup"
	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/tokens"
)

const (
	// defaultTimeout bounds each network attempt, not the whole send.
	defaultTimeout = 30 * time.Second
	// defaultMaxRetries is the total attempt ceiling per send.
	defaultMaxRetries = 3
	// defaultRetryDelay is the base delay for exponential backoff.
	defaultRetryDelay = time.Second
	// maxBackoff caps the backoff delay.
	maxBackoff = 30 * time.Second
	// defaultHealthTimeout bounds the health probe.
	defaultHealthTimeout = 5 * time.Second
	// defaultHealthPath is the endpoint probed by CheckHealth.
	defaultHealthPath = "/health"
)

// Option configures the adapter.
type Option func(*Adapter)

// WithAPIKey sets a bearer token applied to every request unless the
// provider transform supplies its own auth header.
func WithAPIKey(apiKey string) Option {
	return func(a *Adapter) {
		a.apiKey = apiKey
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithMaxRetries sets the total attempt ceiling per send.
func WithMaxRetries(maxRetries int) Option {
	return func(a *Adapter) {
		if maxRetries > 0 {
			a.maxRetries = maxRetries
		}
	}
}

// WithRetryDelay sets the base delay for exponential backoff.
func WithRetryDelay(delay time.Duration) Option {
	return func(a *Adapter) {
		if delay > 0 {
			a.retryDelay = delay
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = client
	}
}

// WithTransforms sets the provider transform pair.
func WithTransforms(t Transforms) Option {
	return func(a *Adapter) {
		a.transforms = t
	}
}

// WithDeduplicator sets a shared deduplicator instance.
func WithDeduplicator(d *dedup.Deduplicator) Option {
	return func(a *Adapter) {
		a.dedup = d
	}
}

// WithTokenRegistry enables prompt token budget warnings.
func WithTokenRegistry(r *tokens.Registry) Option {
	return func(a *Adapter) {
		a.tokens = r
	}
}

// WithLogger sets the logger for the adapter.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithHealthPath sets the endpoint probed by CheckHealth.
func WithHealthPath(path string) Option {
	return func(a *Adapter) {
		if path != "" {
			a.healthPath = path
		}
	}
}

// WithHealthTimeout sets the health probe timeout.
func WithHealthTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout > 0 {
			a.healthTimeout = timeout
		}
	}
}

// Adapter sends Request aggregates to one AI backend. Its counters and
// health flag are safe for concurrent use; configuration is fixed after
// New.
type Adapter struct {
	baseURL       string
	apiKey        string
	healthPath    string
	timeout       time.Duration
	healthTimeout time.Duration
	maxRetries    int
	retryDelay    time.Duration

	httpClient *http.Client
	transforms Transforms
	dedup      *dedup.Deduplicator
	tokens     *tokens.Registry
	logger     *slog.Logger

	requestCount atomic.Int64
	errorCount   atomic.Int64
	healthy      atomic.Bool
}

// New creates an adapter for the backend at baseURL, defaulting to the
// generic chat schema, a 30s per-attempt timeout, 3 attempts, and a 1s
// backoff base.
func New(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		healthPath:    defaultHealthPath,
		timeout:       defaultTimeout,
		healthTimeout: defaultHealthTimeout,
		maxRetries:    defaultMaxRetries,
		retryDelay:    defaultRetryDelay,
		transforms:    DefaultTransforms(),
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.httpClient == nil {
		a.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if a.dedup == nil {
		a.dedup = dedup.New(dedup.Options{Logger: a.logger})
	}

	return a
}

// BaseURL returns the backend base URL.
func (a *Adapter) BaseURL() string {
	return a.baseURL
}

// Provider returns the name of the wired transform pair.
func (a *Adapter) Provider() string {
	return a.transforms.Name
}

// Deduplicator exposes the adapter's deduplicator for sweeping and
// statistics.
func (a *Adapter) Deduplicator() *dedup.Deduplicator {
	return a.dedup
}

// SendRequest relays one Request aggregate to the backend and returns
// the reply as domain Content. Concurrent sends sharing a fingerprint
// coalesce onto a single network call; failures come back classified.
func (a *Adapter) SendRequest(ctx context.Context, req *domain.Request) (domain.Content, error) {
	a.requestCount.Add(1)

	if req == nil || req.ID().IsZero() {
		a.errorCount.Add(1)
		return domain.Content{}, domain.ErrInvalidRequest("send requires a materialized Request aggregate")
	}

	key := dedup.KeyFor(req)
	handle, owner, err := a.dedup.CheckOrRegister(key, req.Content())
	if err != nil {
		a.errorCount.Add(1)
		return domain.Content{}, err
	}

	if !owner {
		a.logger.Debug("joining in-flight request",
			slog.String("request_id", req.ID().String()),
			slog.String("personality_id", req.PersonalityID()),
		)
		content, err := handle.Await(ctx)
		if err != nil {
			a.errorCount.Add(1)
		}
		return content, err
	}

	content, err := a.perform(ctx, req)
	if err != nil {
		handle.Reject(err)
		// The blackout must exist before the pending entry goes away,
		// or a duplicate arriving between the two could claim ownership
		// and reach the failing backend.
		if re, ok := domain.AsRelayError(err); ok && re.OutageClass() {
			a.dedup.MarkFailed(key, req.Content())
		}
		a.dedup.Release(key, req.Content())
		a.errorCount.Add(1)
		return domain.Content{}, err
	}

	handle.Resolve(content)
	a.dedup.Release(key, req.Content())
	return content, nil
}

// perform runs the transform/send/parse sequence for the owning caller.
func (a *Adapter) perform(ctx context.Context, req *domain.Request) (domain.Content, error) {
	wire, err := a.transforms.Request(req)
	if err != nil {
		if _, ok := domain.AsRelayError(err); ok {
			return domain.Content{}, err
		}
		return domain.Content{}, domain.ErrInternal("request transform failed").WithCause(err)
	}

	a.warnTokenBudget(req)

	payload, err := json.Marshal(wire.Payload)
	if err != nil {
		return domain.Content{}, domain.ErrInternal("failed to encode provider payload").WithCause(err)
	}

	body, err := a.doWithRetry(ctx, req, wire, payload)
	if err != nil {
		return domain.Content{}, err
	}

	content, err := a.transforms.Response(body)
	if err != nil {
		if _, ok := domain.AsRelayError(err); ok {
			return domain.Content{}, err
		}
		return domain.Content{}, domain.ErrInternal("response transform failed").WithCause(err)
	}
	return content, nil
}

// doWithRetry executes the attempt loop. Non-retryable classifications
// return immediately; everything else backs off and tries again until
// the ceiling, after which the last failure propagates unmodified.
func (a *Adapter) doWithRetry(ctx context.Context, req *domain.Request, wire *WireRequest, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		body, err := a.doOnce(ctx, wire, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if re, ok := domain.AsRelayError(err); ok && !re.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, domain.ClassifyTransport(ctx.Err())
		}
		if attempt == a.maxRetries {
			break
		}

		delay := a.backoff(attempt)
		a.logger.Warn("provider request failed, retrying",
			slog.String("request_id", req.ID().String()),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", a.maxRetries),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, domain.ClassifyTransport(ctx.Err())
		case <-time.After(delay):
		}
	}

	a.logger.Error("provider request failed after all attempts",
		slog.String("request_id", req.ID().String()),
		slog.Int("attempts", a.maxRetries),
		slog.String("error", lastErr.Error()),
	)
	return nil, lastErr
}

// doOnce executes a single attempt under its own timeout and classifies
// any failure.
func (a *Adapter) doOnce(ctx context.Context, wire *WireRequest, payload []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.baseURL+wire.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.ErrInternal("failed to create provider request").WithCause(err)
	}
	a.setHeaders(httpReq, wire)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ClassifyTransport(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		relErr := domain.ClassifyHTTP(resp.StatusCode, body)
		if relErr.Code == domain.CodeRateLimitExceeded {
			if d := parseRetryAfter(resp.Header); d > 0 {
				relErr = relErr.WithRetryAfter(d)
			}
		}
		return nil, relErr
	}

	return body, nil
}

// setHeaders applies adapter-level defaults first so provider transforms
// can override them.
func (a *Adapter) setHeaders(req *http.Request, wire *WireRequest) {
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range wire.Headers {
		req.Header.Set(k, v)
	}
}

// backoff returns the delay before the next attempt: the base delay
// doubling each failed attempt, capped at maxBackoff.
func (a *Adapter) backoff(attempt int) time.Duration {
	delay := float64(a.retryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	return time.Duration(delay)
}

// warnTokenBudget logs when the prompt exceeds the model's token budget.
// The request is still sent; the backend owns truncation policy.
func (a *Adapter) warnTokenBudget(req *domain.Request) {
	if a.tokens == nil {
		return
	}
	model := req.Model()
	if model.Capabilities.MaxTokens <= 0 {
		return
	}
	count, exact, err := a.tokens.Count(model.Path, req.Content().Text())
	if err != nil || count <= model.Capabilities.MaxTokens {
		return
	}
	a.logger.Warn("prompt exceeds model token budget",
		slog.String("request_id", req.ID().String()),
		slog.String("model", model.Path),
		slog.Int("tokens", count),
		slog.Int("max_tokens", model.Capabilities.MaxTokens),
		slog.Bool("exact", exact),
	)
}

// parseRetryAfter reads a Retry-After header given as delay seconds or
// an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// CheckHealth probes the backend's health endpoint under a short
// timeout. It never returns an error; the result is cached for Stats.
func (a *Adapter) CheckHealth(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, a.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, a.baseURL+a.healthPath, nil)
	if err != nil {
		a.healthy.Store(false)
		return false
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.healthy.Store(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	a.healthy.Store(ok)
	return ok
}

// Stats is the adapter's operational snapshot. Counters are cumulative
// and monotonic.
type Stats struct {
	Provider     string `json:"provider"`
	BaseURL      string `json:"base_url"`
	Timeout      string `json:"timeout"`
	MaxRetries   int    `json:"max_retries"`
	Healthy      bool   `json:"healthy"`
	RequestCount int64  `json:"request_count"`
	ErrorCount   int64  `json:"error_count"`
}

// Stats returns the current operational snapshot.
func (a *Adapter) Stats() Stats {
	return Stats{
		Provider:     a.transforms.Name,
		BaseURL:      a.baseURL,
		Timeout:      a.timeout.String(),
		MaxRetries:   a.maxRetries,
		Healthy:      a.healthy.Load(),
		RequestCount: a.requestCount.Load(),
		ErrorCount:   a.errorCount.Load(),
	}
}
