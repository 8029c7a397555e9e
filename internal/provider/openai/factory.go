package openai

import (
	"net/http"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// ProviderTypeCompatible is the provider type for OpenAI-compatible APIs
// such as Zhipu GLM or DeepSeek.
const ProviderTypeCompatible = "openai-compatible"

// ProviderTypeAzure is the provider type for Azure OpenAI deployments.
const ProviderTypeAzure = "azure"

// RegisterProviderFactory registers the OpenAI, OpenAI-compatible and Azure
// factories. Calling it more than once is harmless.
func RegisterProviderFactory() {
	if !registry.IsRegistered(ProviderType) {
		registry.RegisterFactory(registry.ProviderFactory{
			Type:           ProviderType,
			Description:    "OpenAI chat completions API",
			Create:         CreateFromConfig,
			ValidateConfig: ValidateConfig,
		})
	}
	if !registry.IsRegistered(ProviderTypeCompatible) {
		registry.RegisterFactory(registry.ProviderFactory{
			Type:        ProviderTypeCompatible,
			Description: "OpenAI-compatible chat completions endpoint",
			Create:      CreateFromConfig,
			ValidateConfig: func(cfg config.ProviderConfig) error {
				if cfg.BaseURL == "" {
					return domain.ErrConfiguration("openai-compatible provider requires base_url")
				}
				return nil
			},
		})
	}
	if !registry.IsRegistered(ProviderTypeAzure) {
		registry.RegisterFactory(registry.ProviderFactory{
			Type:           ProviderTypeAzure,
			Description:    "Azure OpenAI deployment",
			Create:         CreateFromConfig,
			ValidateConfig: ValidateAzureConfig,
		})
	}
}

// CreateFromConfig creates a new provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig, httpClient *http.Client) (domain.ChatProvider, error) {
	opts := []ProviderOption{
		WithHTTPClient(httpClient),
		WithName(cfg.Type),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Type == ProviderTypeAzure {
		opts = append(opts, WithAzureAPIVersion(cfg.APIVersion))
	}
	return New(cfg.APIKey, opts...), nil
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return domain.ErrConfiguration("openai provider requires api_key (or OPENAI_API_KEY)")
	}
	return nil
}

// ValidateAzureConfig requires the deployment URL, key and API version.
func ValidateAzureConfig(cfg config.ProviderConfig) error {
	switch {
	case cfg.APIKey == "":
		return domain.ErrConfiguration("azure provider requires api_key (or AZURE_OPENAI_API_KEY)")
	case cfg.BaseURL == "":
		return domain.ErrConfiguration("azure provider requires base_url pointing at the deployment")
	case cfg.APIVersion == "":
		return domain.ErrConfiguration("azure provider requires api_version")
	}
	return nil
}
