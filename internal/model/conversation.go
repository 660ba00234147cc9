// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Kind identifies how a conversation is scoped.
type Kind string

const (
	// KindFree is an open-ended conversation with no fixed topic.
	KindFree Kind = "FREE"

	// KindAnchored is a conversation bound to a fixed reference topic.
	KindAnchored Kind = "ANCHORED"
)

// Valid reports whether k is a known conversation kind.
func (k Kind) Valid() bool {
	return k == KindFree || k == KindAnchored
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the authenticated principal that owns conversations.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is a bounded exchange between one actor and the generation
// backend. TokensUsed accumulates the token cost of every turn recorded
// since WindowStart; the window only ever moves forward.
type Conversation struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Kind    Kind   `json:"kind"`

	// AnchorRef identifies the external topic an ANCHORED conversation is
	// bound to. Empty for FREE conversations.
	AnchorRef string `json:"anchor_ref,omitempty"`

	// AnchorContent and AnchorContext are copied once from the anchor's
	// authoritative source and reused on every turn. Once populated they
	// are never re-derived.
	AnchorContent string `json:"anchor_content,omitempty"`
	AnchorContext string `json:"anchor_context,omitempty"`

	TokensUsed  int       `json:"tokens_used"`
	WindowStart time.Time `json:"window_start"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token. Bumped by the record
	// store on every successful save.
	Version int64 `json:"version"`
}

// NewConversation creates a conversation for the given actor with a fresh
// rolling window starting now.
func NewConversation(actorID string, kind Kind, anchorRef string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Kind:        kind,
		AnchorRef:   anchorRef,
		WindowStart: now,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// WindowExpired reports whether the rolling window has fully elapsed at
// the given instant. An age of exactly the window length counts as expired.
func (c *Conversation) WindowExpired(now time.Time, window time.Duration) bool {
	if c.WindowStart.IsZero() {
		return true
	}
	return now.Sub(c.WindowStart) >= window
}

// ResetWindow zeroes the cumulative counter and moves the window start to
// now. Called lazily on the first turn attempted after expiry.
func (c *Conversation) ResetWindow(now time.Time) {
	c.TokensUsed = 0
	c.WindowStart = now
}

// HasAnchorSnapshot reports whether the anchor snapshot has been populated.
func (c *Conversation) HasAnchorSnapshot() bool {
	return c.AnchorContent != "" || c.AnchorContext != ""
}

// SetAnchorSnapshot populates the cached anchor snapshot. No-op when the
// snapshot is already present.
func (c *Conversation) SetAnchorSnapshot(content, context string) {
	if c.HasAnchorSnapshot() {
		return
	}
	c.AnchorContent = content
	c.AnchorContext = context
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	return &clone
}
