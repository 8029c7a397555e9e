// Package anthropic adapts the Anthropic Messages API to domain.ChatProvider.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	anthropicapi "github.com/tjfontaine/matchbench/internal/api/anthropic"
	"github.com/tjfontaine/matchbench/internal/domain"
)

// DefaultMaxTokens is sent when the request leaves max_tokens unset; the
// Messages API requires a value.
const DefaultMaxTokens = 4096

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

// Provider implements domain.ChatProvider using the Messages API client.
type Provider struct {
	client     *anthropicapi.Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new Anthropic provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []anthropicapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, anthropicapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, anthropicapi.WithHTTPClient(p.httpClient))
	}

	p.client = anthropicapi.NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string {
	return ProviderType
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := p.client.CreateMessage(ctx, toAPIRequest(req))
	if err != nil {
		return nil, domain.FromTransport(err)
	}
	out := toChatResponse(resp)
	out.Latency = time.Since(start)
	return out, nil
}

// toAPIRequest converts a domain request. System messages in the history
// are folded into the system prompt; tool results travel as tool_result
// blocks on a user message; consecutive messages with the same API role
// are merged because the Messages API requires alternation.
func toAPIRequest(req *domain.ChatRequest) *anthropicapi.MessagesRequest {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}

	var messages []anthropicapi.Message
	appendParts := func(role string, parts ...anthropicapi.ContentPart) {
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, parts...)
			return
		}
		messages = append(messages, anthropicapi.Message{Role: role, Content: parts})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleTool:
			appendParts(domain.RoleUser, anthropicapi.ContentPart{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		case domain.RoleAssistant:
			var parts []anthropicapi.ContentPart
			if m.Content != "" {
				parts = append(parts, anthropicapi.ContentPart{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, anthropicapi.ContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: toolInput(tc.Arguments),
				})
			}
			if len(parts) > 0 {
				appendParts(domain.RoleAssistant, parts...)
			}
		default:
			appendParts(domain.RoleUser, anthropicapi.ContentPart{Type: "text", Text: m.Content})
		}
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		System:    strings.Join(system, "\n\n"),
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = DefaultMaxTokens
	}
	if req.Temperature != nil {
		t := *req.Temperature
		apiReq.Temperature = &t
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, anthropicapi.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return apiReq
}

// toolInput returns the arguments as a JSON object; invalid or empty
// arguments are sent as {}.
func toolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func toChatResponse(resp *anthropicapi.MessagesResponse) *domain.ChatResponse {
	msg := domain.Message{
		Role:    domain.RoleAssistant,
		Content: resp.Text(),
	}
	for _, part := range resp.Content {
		if part.Type != "tool_use" {
			continue
		}
		args := string(part.Input)
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        part.ID,
			Name:      part.Name,
			Arguments: args,
		})
	}

	finish := resp.StopReason
	switch finish {
	case "end_turn", "stop_sequence":
		finish = "stop"
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}

	return &domain.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Message:      msg,
		FinishReason: finish,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
