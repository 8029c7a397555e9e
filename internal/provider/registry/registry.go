// Package registry provides provider factory registration and lookup.
//
// Each adapter package exposes an explicit RegisterProviderFactory function
// that calls RegisterFactory; the provider package wires the built-in ones so
// nothing depends on init() side effects.
package registry

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/domain"
)

// ProviderFactory defines how to create a ChatProvider of a specific type.
type ProviderFactory struct {
	// Type is the provider type identifier used in configuration
	// (e.g., "openai", "azure", "anthropic")
	Type string

	// Description provides a human-readable description of the provider
	Description string

	// Create instantiates a provider. httpClient carries the instrumented
	// transport and is never nil.
	Create func(cfg config.ProviderConfig, httpClient *http.Client) (domain.ChatProvider, error)

	// ValidateConfig performs provider-specific configuration validation.
	// Optional: if nil, no additional validation is performed.
	ValidateConfig func(cfg config.ProviderConfig) error
}

var (
	factoryMu   sync.RWMutex
	factoryMap  = make(map[string]ProviderFactory)
	factoryList []ProviderFactory
)

// RegisterFactory registers a provider factory for a specific type.
// Panics if the factory is incomplete or the type is already registered.
func RegisterFactory(f ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Type == "" {
		panic("provider factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("provider factory %q must have a Create function", f.Type))
	}
	if _, exists := factoryMap[f.Type]; exists {
		panic(fmt.Sprintf("provider factory %q already registered", f.Type))
	}

	factoryMap[f.Type] = f
	factoryList = append(factoryList, f)
}

// GetFactory returns the factory for a provider type, if registered.
func GetFactory(providerType string) (ProviderFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factoryMap[providerType]
	return f, ok
}

// ListProviderTypes returns the registered type names, sorted.
func ListProviderTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factoryList))
	for _, f := range factoryList {
		types = append(types, f.Type)
	}
	sort.Strings(types)
	return types
}

// IsRegistered returns true if a provider type is registered.
func IsRegistered(providerType string) bool {
	_, ok := GetFactory(providerType)
	return ok
}

// CreateFromFactory validates cfg and creates a provider using the
// registered factory.
func CreateFromFactory(cfg config.ProviderConfig, httpClient *http.Client) (domain.ChatProvider, error) {
	f, ok := GetFactory(cfg.Type)
	if !ok {
		return nil, domain.ErrConfiguration(
			fmt.Sprintf("unknown provider type: %s (registered types: %v)", cfg.Type, ListProviderTypes())).
			WithParam(cfg.Type)
	}

	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for provider type %s: %w", cfg.Type, err)
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return f.Create(cfg, httpClient)
}
