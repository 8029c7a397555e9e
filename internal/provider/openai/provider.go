// Package openai adapts the OpenAI chat completions API (and the Azure and
// OpenAI-compatible hosts that speak it) to domain.ChatProvider.
package openai

import (
	"context"
	"net/http"
	"time"

	openaiapi "github.com/tjfontaine/matchbench/internal/api/openai"
	"github.com/tjfontaine/matchbench/internal/domain"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithAzureAPIVersion targets an Azure OpenAI deployment.
func WithAzureAPIVersion(version string) ProviderOption {
	return func(p *Provider) {
		p.azureVersion = version
	}
}

// WithName overrides the provider name reported in logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) {
		p.name = name
	}
}

// Provider implements domain.ChatProvider on top of the chat completions client.
type Provider struct {
	client       *openaiapi.Client
	name         string
	baseURL      string
	azureVersion string
	httpClient   *http.Client
}

// New creates a new OpenAI provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{name: ProviderType}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []openaiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, openaiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, openaiapi.WithHTTPClient(p.httpClient))
	}
	if p.azureVersion != "" {
		clientOpts = append(clientOpts, openaiapi.WithAzureAPIVersion(p.azureVersion))
	}

	p.client = openaiapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req))
	if err != nil {
		return nil, domain.FromTransport(err)
	}
	out := toChatResponse(resp)
	out.Latency = time.Since(start)
	return out, nil
}

// toAPIRequest converts a domain request to an OpenAI API request. The
// system prompt becomes the leading system message.
func toAPIRequest(req *domain.ChatRequest) *openaiapi.ChatCompletionRequest {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiapi.ChatCompletionMessage{Role: domain.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openaiapi.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiapi.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiapi.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		t := *req.Temperature
		apiReq.Temperature = &t
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = make([]openaiapi.Tool, len(req.Tools))
		for i, t := range req.Tools {
			apiReq.Tools[i] = openaiapi.Tool{
				Type: "function",
				Function: openaiapi.FunctionTool{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return apiReq
}

// toChatResponse converts the first choice of an API response.
func toChatResponse(resp *openaiapi.ChatCompletionResponse) *domain.ChatResponse {
	choice := resp.Choices[0]
	msg := domain.Message{
		Role:    domain.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &domain.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}
