package runtime

import (
	"log/slog"
	"net/http"

	"github.com/tjfontaine/matchbench/internal/agent"
	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/storage"
)

// Option is a functional option for configuring a Runtime.
type Option func(*Runtime) error

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = l
		return nil
	}
}

// WithProvider replaces the provider built from configuration. Tests use
// it to run against scripted agents.
func WithProvider(p domain.ChatProvider) Option {
	return func(r *Runtime) error {
		r.provider = p
		return nil
	}
}

// WithCapacityStore uses store as the capacity ledger for every run,
// whatever storage.type says.
func WithCapacityStore(store capacity.Store) Option {
	return func(r *Runtime) error {
		r.capacity = store
		r.capacityFixed = true
		return nil
	}
}

// WithTranscriptStore archives conversations in store instead of the
// configured backend.
func WithTranscriptStore(store storage.TranscriptStore) Option {
	return func(r *Runtime) error {
		r.transcripts = store
		return nil
	}
}

// WithHTTPClient is used for vendor API calls and the incentives tool.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) error {
		r.httpClient = c
		return nil
	}
}

// WithTools registers extra agent tools next to the built-in ones.
func WithTools(tools ...agent.Tool) Option {
	return func(r *Runtime) error {
		r.extraTools = append(r.extraTools, tools...)
		return nil
	}
}
