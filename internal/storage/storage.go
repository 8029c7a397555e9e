// Package storage defines the transcript archive shared by the memory and SQL
// backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is an archived phase conversation.
type Conversation struct {
	ID             string            `json:"id" db:"id"`
	RunID          string            `json:"run_id" db:"run_id"`
	RegistrationID string            `json:"registration_id" db:"registration_id"`
	Phase          string            `json:"phase" db:"phase"`
	Outcome        string            `json:"outcome,omitempty" db:"outcome"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"-"`
	Turns          []StoredTurn      `json:"turns,omitempty" db:"-"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// StoredTurn is one archived transcript entry.
type StoredTurn struct {
	ID               string          `json:"id" db:"id"`
	ConversationID   string          `json:"conversation_id" db:"conversation_id"`
	Seq              int             `json:"seq" db:"seq"`
	Speaker          string          `json:"speaker" db:"speaker"`
	Content          string          `json:"content" db:"content"`
	Payload          json.RawMessage `json:"payload,omitempty" db:"-"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty" db:"-"`
	LatencyMS        int64           `json:"latency_ms" db:"latency_ms"`
	PromptTokens     int             `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens" db:"completion_tokens"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ListOptions filters and paginates ListConversations.
type ListOptions struct {
	RunID          string
	RegistrationID string
	Limit          int
	Offset         int
}

// TranscriptStore archives conversations and their turns.
type TranscriptStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	AddTurn(ctx context.Context, conversationID string, turn *StoredTurn) error
	FinishConversation(ctx context.Context, conversationID, outcome string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)
	Close() error
}
