// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/ideaforge/internal/model"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id             TEXT PRIMARY KEY,
	actor_id       TEXT NOT NULL,
	kind           TEXT NOT NULL,
	anchor_ref     TEXT NOT NULL DEFAULT '',
	anchor_content TEXT NOT NULL DEFAULT '',
	anchor_context TEXT NOT NULL DEFAULT '',
	tokens_used    INTEGER NOT NULL DEFAULT 0,
	window_start   INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	version        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_conversations_actor
	ON conversations(actor_id, kind, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id),
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	tokens_used      INTEGER NOT NULL,
	tokens_remaining INTEGER,
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, seq);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore is the shipped Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: serializes writers and keeps the driver's
	// locking behavior predictable.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, actor_id, kind, anchor_ref, anchor_content, anchor_context,
			 tokens_used, window_start, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.ActorID, string(conv.Kind), conv.AnchorRef,
		conv.AnchorContent, conv.AnchorContext, conv.TokensUsed,
		conv.WindowStart.UnixNano(), conv.CreatedAt.UnixNano(),
		conv.UpdatedAt.UnixNano(), conv.Version)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, actor_id, kind, anchor_ref, anchor_content,
	anchor_context, tokens_used, window_start, created_at, updated_at, version`

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) LatestConversation(ctx context.Context, actorID string, kind model.Kind, anchorRef string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE actor_id = ? AND kind = ? AND anchor_ref = ?
		 ORDER BY created_at DESC LIMIT 1`,
		actorID, string(kind), anchorRef)
	return scanConversation(row)
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET anchor_content = ?, anchor_context = ?, tokens_used = ?,
		    window_start = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		conv.AnchorContent, conv.AnchorContext, conv.TokensUsed,
		conv.WindowStart.UnixNano(), conv.UpdatedAt.UnixNano(),
		conv.ID, conv.Version)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := checkUpdated(ctx, s.db, res, conv.ID); err != nil {
		return err
	}
	conv.Version++
	return nil
}

// =============================================================================
// TURNS
// =============================================================================

func (s *SQLiteStore) AppendTurn(ctx context.Context, conv *model.Conversation, user, assistant *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET anchor_content = ?, anchor_context = ?, tokens_used = ?,
		    window_start = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		conv.AnchorContent, conv.AnchorContext, conv.TokensUsed,
		conv.WindowStart.UnixNano(), conv.UpdatedAt.UnixNano(),
		conv.ID, conv.Version)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := checkUpdated(ctx, tx, res, conv.ID); err != nil {
		return err
	}

	for _, msg := range []*model.Message{user, assistant} {
		var remaining any
		if msg.TokensRemaining != nil {
			remaining = *msg.TokensRemaining
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages
				(id, conversation_id, role, content, tokens_used, tokens_remaining, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
			msg.TokensUsed, remaining, msg.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	conv.Version++
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens_used, tokens_remaining, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			msg       model.Message
			role      string
			remaining sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content,
			&msg.TokensUsed, &remaining, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if remaining.Valid {
			v := int(remaining.Int64)
			msg.TokensRemaining = &v
		}
		msg.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// =============================================================================
// AGGREGATION
// =============================================================================

func (s *SQLiteStore) DailyUsage(ctx context.Context, actorID string, since time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM conversations
		WHERE actor_id = ? AND window_start > ?`,
		actorID, since.UnixNano()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkUpdated distinguishes a missing row from a lost version race. The
// existence check runs on q so it shares the caller's transaction when
// there is one.
func checkUpdated(ctx context.Context, q querier, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return ErrConversationNotFound
	}
	return ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv        model.Conversation
		kind        string
		windowStart int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&conv.ID, &conv.ActorID, &kind, &conv.AnchorRef,
		&conv.AnchorContent, &conv.AnchorContext, &conv.TokensUsed,
		&windowStart, &createdAt, &updatedAt, &conv.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.Kind = model.Kind(kind)
	conv.WindowStart = time.Unix(0, windowStart)
	conv.CreatedAt = time.Unix(0, createdAt)
	conv.UpdatedAt = time.Unix(0, updatedAt)
	return &conv, nil
}
