package domain

import (
	"context"
)

// ChatProvider is the uniform interface to an inference backend.
// Implementations return *Error values of kind KindProviderUnavailable,
// KindProviderTimeout or KindInvalidRequest on failure.
type ChatProvider interface {
	Name() string

	// Complete returns the next assistant message for the conversation.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// TokenCounter provides token counting capabilities.
type TokenCounter interface {
	// Count returns the number of tokens text occupies for the model.
	Count(model, text string) (int, error)

	// Truncate cuts text to at most maxTokens tokens.
	Truncate(model, text string, maxTokens int) (string, error)

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}
