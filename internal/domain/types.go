package domain

import (
	"encoding/json"
	"time"
)

// Message roles understood by every provider adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TaskSpeaker is the speaker of the message that opens a conversation and
// of any corrective message the orchestrator adds.
const TaskSpeaker = "user"

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ToolDefinition represents a tool that the model can call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON Schema
}

// ChatRequest asks a provider for the next assistant message.
type ChatRequest struct {
	// Agent names the role issuing the request. Adapters do not send it.
	Agent string `json:"-"`

	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float32         `json:"temperature,omitempty"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage value.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// ChatResponse is a complete, non-streaming provider response.
type ChatResponse struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Message      Message       `json:"message"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
}

// ToolInvocation records one tool call executed during a turn.
type ToolInvocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Turn is one entry of a conversation transcript.
type Turn struct {
	Speaker   string           `json:"speaker"`
	Content   string           `json:"content"`
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
	Latency   time.Duration    `json:"latency,omitempty"`
	Usage     Usage            `json:"usage"`

	// Payload is the validated structured output carried by the turn, if any.
	Payload json.RawMessage `json:"payload,omitempty"`
	// PayloadError explains why a structured block in the turn was rejected.
	PayloadError string `json:"payload_error,omitempty"`
}
