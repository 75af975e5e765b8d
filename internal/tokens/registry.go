// Package tokens estimates prompt token counts so the relay can warn
// before a prompt blows a model's budget.
package tokens

import (
	"strings"
)

// Counter produces input-token counts for a model.
type Counter interface {
	// Count returns the token count for text. The second return reports
	// whether the count is exact (true) or an estimate (false).
	Count(model, text string) (int, bool, error)

	// SupportsModel reports whether this counter understands model.
	SupportsModel(model string) bool
}

// Registry routes counting to the first registered counter that supports
// the model, falling back to the estimator for everything else.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken-backed counter for
// OpenAI-family models and the heuristic estimator as fallback.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewOpenAICounter())
	return r
}

// Register appends a counter. Earlier registrations win.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback replaces the fallback counter.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// Count counts tokens for text with the counter that supports model.
func (r *Registry) Count(model, text string) (int, bool, error) {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter.Count(model, text)
		}
	}
	return r.fallback.Count(model, text)
}

// Estimator approximates token counts from character length. It is the
// fallback for models without a native tokenizer.
type Estimator struct {
	// CharsPerToken is the assumed average characters per token.
	CharsPerToken float64
}

// NewEstimator creates an estimator with the usual four-characters-per-
// token assumption.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count estimates the token count for text.
func (e *Estimator) Count(model, text string) (int, bool, error) {
	perToken := e.CharsPerToken
	if perToken <= 0 {
		perToken = 4.0
	}
	return int(float64(len(text)) / perToken), false, nil
}

// SupportsModel always reports true; the estimator backs every model.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher matches model identifiers against prefix and exact
// patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a matcher from prefix and exact-name lists.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches reports whether model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
