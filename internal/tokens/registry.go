// Package tokens counts and truncates text against model token budgets.
package tokens

import (
	"unicode/utf8"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Registry picks a counter per model. It implements domain.TokenCounter
// itself so callers need not care which counter serves a model.
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

var _ domain.TokenCounter = (*Registry)(nil)

// NewRegistry creates a registry that falls back to the character
// estimator.
func NewRegistry() *Registry {
	return &Registry{fallback: NewEstimator()}
}

// NewDefaultRegistry registers tiktoken for every model. OpenAI-compatible
// backends such as GLM or DeepSeek are approximated with o200k_base.
func NewDefaultRegistry() *Registry {
	openai := NewOpenAICounter()
	r := NewRegistry()
	r.Register(openai)
	r.SetFallback(openai)
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the counter used for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// Counter returns the counter serving model.
func (r *Registry) Counter(model string) domain.TokenCounter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// Count implements domain.TokenCounter.
func (r *Registry) Count(model, text string) (int, error) {
	return r.Counter(model).Count(model, text)
}

// Truncate implements domain.TokenCounter.
func (r *Registry) Truncate(model, text string, maxTokens int) (string, error) {
	return r.Counter(model).Truncate(model, text, maxTokens)
}

// SupportsModel is always true; unknown models use the fallback.
func (r *Registry) SupportsModel(string) bool { return true }

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count implements domain.TokenCounter.
func (e *Estimator) Count(_ string, text string) (int, error) {
	n := utf8.RuneCountInString(text)
	tokens := int(float64(n)/e.CharsPerToken + 0.999)
	return tokens, nil
}

// Truncate keeps the first maxTokens*CharsPerToken runes of text.
func (e *Estimator) Truncate(_ string, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	limit := int(float64(maxTokens) * e.CharsPerToken)
	if utf8.RuneCountInString(text) <= limit {
		return text, nil
	}
	runes := []rune(text)
	return string(runes[:limit]), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(string) bool { return true }

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if len(model) >= len(p) && model[:len(p)] == p {
			return true
		}
	}
	return false
}
