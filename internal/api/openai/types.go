// Package openai is a minimal client for OpenAI-compatible chat completion
// endpoints. The same wire format serves OpenAI, Azure OpenAI deployments
// and compatible hosts such as Zhipu GLM or DeepSeek.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// ChatCompletionRequest represents an OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float32                `json:"temperature,omitempty"`
	Tools       []Tool                  `json:"tools,omitempty"`
	ToolChoice  any                     `json:"tool_choice,omitempty"`
	Seed        *int                    `json:"seed,omitempty"`
}

// ChatCompletionMessage is a message in a request or response.
type ChatCompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool represents a tool that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

// FunctionTool describes a function tool.
type FunctionTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse represents an OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse represents an OpenAI API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	// Code is a string on OpenAI and a number on some compatible hosts.
	Code json.RawMessage `json:"code,omitempty"`
}

func (e *APIError) code() string {
	if len(e.Code) == 0 || string(e.Code) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return string(e.Code)
}

func (e *APIError) Error() string {
	if c := e.code(); c != "" {
		return c + ": " + e.Message
	}
	return e.Message
}

// ToDomain converts the error into the domain taxonomy.
func (e *APIError) ToDomain(status int) *domain.Error {
	out := domain.FromHTTPStatus(status, e.Message).WithParam(e.Param)

	switch code := e.code(); {
	case code == "context_length_exceeded" || strings.Contains(strings.ToLower(e.Message), "context length"):
		out.Kind = domain.KindInvalidRequest
		out.Code = domain.ErrorCodeContextLengthExceeded
	case code == "rate_limit_exceeded" || e.Type == "rate_limit_error":
		out.Code = domain.ErrorCodeRateLimitExceeded
	case code == "invalid_api_key" || e.Type == "authentication_error":
		out.Code = domain.ErrorCodeInvalidAPIKey
	case code == "model_not_found":
		out.Code = domain.ErrorCodeModelNotFound
	}
	return out
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
