// Package provider builds the ChatProvider used by every agent of a run: a
// vendor adapter chosen by configuration, wrapped with request defaults and
// bounded retries.
//
// # Adding a New Provider
//
// Implement domain.ChatProvider in a sub-package and expose an explicit
// registration function that calls registry.RegisterFactory, then call it
// from RegisterBuiltins:
//
//	func RegisterProviderFactory() {
//	    if registry.IsRegistered(ProviderType) {
//	        return
//	    }
//	    registry.RegisterFactory(registry.ProviderFactory{
//	        Type:           ProviderType,
//	        Description:    "Google Gemini API provider",
//	        Create:         CreateFromConfig,
//	        ValidateConfig: ValidateConfig,
//	    })
//	}
package provider

import (
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/provider/anthropic"
	"github.com/tjfontaine/matchbench/internal/provider/openai"
	"github.com/tjfontaine/matchbench/internal/provider/registry"
)

var registerOnce sync.Once

// RegisterBuiltins registers the OpenAI-family and Anthropic factories.
func RegisterBuiltins() {
	registerOnce.Do(func() {
		openai.RegisterProviderFactory()
		anthropic.RegisterProviderFactory()
	})
}

// Option configures New.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates the provider described by cfg.
func New(cfg config.ProviderConfig, opts ...Option) (domain.ChatProvider, error) {
	RegisterBuiltins()

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	base, err := registry.CreateFromFactory(cfg, o.httpClient)
	if err != nil {
		return nil, err
	}
	return Wrap(base, Middlewares(cfg, o.logger)...), nil
}

// Middlewares returns the standard decoration for a configured provider.
func Middlewares(cfg config.ProviderConfig, logger *slog.Logger) []Middleware {
	return []Middleware{
		Defaults(cfg.Model, cfg.MaxTokens, cfg.Temperature),
		Retry(RetryPolicy{
			MaxAttempts:    cfg.MaxRetries,
			BackoffBase:    cfg.BackoffBase,
			BackoffMax:     cfg.BackoffMax,
			AttemptTimeout: cfg.Timeout,
		}, logger),
	}
}
