// Package sqldb implements the transcript archive and the capacity ledger on
// SQLite (modernc) or PostgreSQL (pgx) through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/matchbench/internal/storage"
	"github.com/tjfontaine/matchbench/internal/storage/dialect"
)

// Store is a SQL implementation of TranscriptStore that supports multiple
// database dialects. Capacity returns the ledger sharing its connection.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.TranscriptStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // sqlite, postgres or pgx
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.For(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.SingleWriter {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.Init {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", d.Name, err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// Capacity returns the capacity ledger stored in the same database.
func (s *Store) Capacity() *CapacityLedger {
	return &CapacityLedger{db: s.db, dialect: s.dialect}
}

func (s *Store) initSchema() error {
	ts := s.dialect.Timestamp
	statements := []string{
		`CREATE TABLE IF NOT EXISTS capacity (
			supplier_id TEXT PRIMARY KEY,
			capacity INTEGER NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			updated_at ` + ts + ` NOT NULL,
			CHECK (used >= 0 AND used <= capacity)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			registration_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			payload TEXT,
			tool_calls TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_run ON conversations(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_registration ON conversations(registration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type conversationRow struct {
	ID             string         `db:"id"`
	RunID          string         `db:"run_id"`
	RegistrationID string         `db:"registration_id"`
	Phase          string         `db:"phase"`
	Outcome        string         `db:"outcome"`
	Metadata       sql.NullString `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r conversationRow) toConversation() (*storage.Conversation, error) {
	conv := &storage.Conversation{
		ID:             r.ID,
		RunID:          r.RunID,
		RegistrationID: r.RegistrationID,
		Phase:          r.Phase,
		Outcome:        r.Outcome,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" && r.Metadata.String != "null" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return conv, nil
}

type turnRow struct {
	ID               string         `db:"id"`
	ConversationID   string         `db:"conversation_id"`
	Seq              int            `db:"seq"`
	Speaker          string         `db:"speaker"`
	Content          string         `db:"content"`
	Payload          sql.NullString `db:"payload"`
	ToolCalls        sql.NullString `db:"tool_calls"`
	LatencyMS        int64          `db:"latency_ms"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	var metadata sql.NullString
	if len(conv.Metadata) > 0 {
		b, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO conversations (id, run_id, registration_id, phase, outcome, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.RunID, conv.RegistrationID, conv.Phase, conv.Outcome, metadata, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) AddTurn(ctx context.Context, conversationID string, turn *storage.StoredTurn) error {
	now := time.Now().UTC()
	turn.ConversationID = conversationID
	turn.CreatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}

	query := s.dialect.Rebind(`INSERT INTO turns (id, conversation_id, seq, speaker, content, payload, tool_calls,
		latency_ms, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		turn.ID, conversationID, turn.Seq, turn.Speaker, turn.Content,
		nullable(turn.Payload), nullable(turn.ToolCalls),
		turn.LatencyMS, turn.PromptTokens, turn.CompletionTokens, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add turn: %w", err)
	}
	return tx.Commit()
}

func (s *Store) FinishConversation(ctx context.Context, conversationID, outcome string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE conversations SET outcome = ?, updated_at = ? WHERE id = ?`),
		outcome, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to finish conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(`SELECT id, run_id, registration_id, phase, outcome, metadata, created_at, updated_at
		FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv, err := row.toConversation()
	if err != nil {
		return nil, err
	}

	var turns []turnRow
	err = s.db.SelectContext(ctx, &turns, s.dialect.Rebind(`SELECT id, conversation_id, seq, speaker, content, payload, tool_calls,
		latency_ms, prompt_tokens, completion_tokens, created_at
		FROM turns WHERE conversation_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	for _, t := range turns {
		conv.Turns = append(conv.Turns, storage.StoredTurn{
			ID:               t.ID,
			ConversationID:   t.ConversationID,
			Seq:              t.Seq,
			Speaker:          t.Speaker,
			Content:          t.Content,
			Payload:          raw(t.Payload),
			ToolCalls:        raw(t.ToolCalls),
			LatencyMS:        t.LatencyMS,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			CreatedAt:        t.CreatedAt,
		})
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if opts.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.RegistrationID != "" {
		where = append(where, "registration_id = ?")
		args = append(args, opts.RegistrationID)
	}

	query := `SELECT id, run_id, registration_id, phase, outcome, metadata, created_at, updated_at FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query, args = s.dialect.Page(query, args, opts.Limit, opts.Offset)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	result := make([]*storage.Conversation, 0, len(rows))
	for _, r := range rows {
		conv, err := r.toConversation()
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func raw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
