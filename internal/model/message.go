// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Message is a single turn message. Messages are append-only: they are
// never mutated or deleted once recorded, and the user/assistant pair of a
// turn is persisted as one atomic unit.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`

	// TokensUsed is the estimated token cost recorded at creation.
	TokensUsed int `json:"tokens_used"`

	// TokensRemaining snapshots the actor's remaining daily budget at the
	// moment this message completed a turn. Assistant messages only.
	TokensRemaining *int `json:"tokens_remaining,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUserMessage creates the user half of a turn.
func NewUserMessage(conversationID, content string, tokens int) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		TokensUsed:     tokens,
		CreatedAt:      time.Now(),
	}
}

// NewAssistantMessage creates the assistant half of a turn, carrying the
// remaining daily budget snapshot.
func NewAssistantMessage(conversationID, content string, tokens, remaining int) *Message {
	return &Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		Role:            RoleAssistant,
		Content:         content,
		TokensUsed:      tokens,
		TokensRemaining: &remaining,
		CreatedAt:       time.Now(),
	}
}
