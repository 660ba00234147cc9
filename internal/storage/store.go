// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and turn messages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrVersionConflict reports that a concurrent writer committed
	// first; the caller must re-load and retry the whole turn. Typed so
	// faults.IsConflict recognizes it anywhere in a wrap chain.
	ErrVersionConflict error = &faults.ConflictError{Message: "conversation modified concurrently"}
)

// Store is the record store consumed by the engine. Implementations must
// enforce optimistic concurrency: SaveConversation and AppendTurn commit
// only when the caller's Version matches the stored row, and bump the
// version on success.
type Store interface {
	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation returns the conversation or ErrConversationNotFound.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// LatestConversation returns the actor's most recently created
	// conversation of the given kind (and anchor, for anchored kinds), or
	// ErrConversationNotFound.
	LatestConversation(ctx context.Context, actorID string, kind model.Kind, anchorRef string) (*model.Conversation, error)

	// SaveConversation persists counters, snapshot and timestamps under a
	// version check. Returns ErrVersionConflict on mismatch; on success
	// conv.Version is bumped in place.
	SaveConversation(ctx context.Context, conv *model.Conversation) error

	// AppendTurn atomically persists the updated conversation plus the
	// user/assistant message pair of one turn. Returns ErrVersionConflict
	// without writing anything when a concurrent writer won.
	AppendTurn(ctx context.Context, conv *model.Conversation, user, assistant *model.Message) error

	// ListMessages returns the conversation's messages in chronological
	// order.
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// DailyUsage sums token counters across the actor's conversations
	// whose rolling window started strictly after since. A window that
	// started exactly one window length ago is already expired and does
	// not count.
	DailyUsage(ctx context.Context, actorID string, since time.Time) (int, error)
}
