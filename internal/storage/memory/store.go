package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/matchbench/internal/storage"
)

// Store is an in-memory implementation of TranscriptStore
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
}

var _ storage.TranscriptStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	now := time.Now()
	stored := *conv
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Turns = nil
	conv.CreatedAt, conv.UpdatedAt = now, now

	s.conversations[conv.ID] = &stored
	return nil
}

func (s *Store) AddTurn(ctx context.Context, conversationID string, turn *storage.StoredTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}

	turn.ConversationID = conversationID
	turn.CreatedAt = time.Now()
	conv.Turns = append(conv.Turns, *turn)
	conv.UpdatedAt = turn.CreatedAt

	return nil
}

func (s *Store) FinishConversation(ctx context.Context, conversationID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	conv.Outcome = outcome
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	out := *conv
	out.Turns = append([]storage.StoredTurn(nil), conv.Turns...)
	return &out, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Conversation
	for _, conv := range s.conversations {
		if opts.RunID != "" && conv.RunID != opts.RunID {
			continue
		}
		if opts.RegistrationID != "" && conv.RegistrationID != opts.RegistrationID {
			continue
		}
		summary := *conv
		summary.Turns = nil
		result = append(result, &summary)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*storage.Conversation{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) Close() error {
	return nil
}
