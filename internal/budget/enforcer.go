// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget validates candidate messages against per-message,
// per-conversation and per-actor-daily token ceilings.
package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/token"
)

// =============================================================================
// LIMITS
// =============================================================================

// Limits holds every configured ceiling. Zero values take defaults.
type Limits struct {
	// MaxCharsPerMessage bounds a single message's character count. The
	// UTF-8 byte length is additionally bounded at twice this value.
	MaxCharsPerMessage int

	// MaxTokensPerMessage bounds a single message's estimated token cost.
	MaxTokensPerMessage int

	// MaxTokensPerConversation bounds the cumulative token counter of one
	// conversation within its rolling window.
	MaxTokensPerConversation int

	// MaxTokensPerDay bounds an actor's total usage across all
	// conversations whose rolling window is still active.
	MaxTokensPerDay int

	// Window is the rolling window length.
	Window time.Duration
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxCharsPerMessage:       2000,
		MaxTokensPerMessage:      500,
		MaxTokensPerConversation: 10000,
		MaxTokensPerDay:          10000,
		Window:                   24 * time.Hour,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxCharsPerMessage <= 0 {
		l.MaxCharsPerMessage = def.MaxCharsPerMessage
	}
	if l.MaxTokensPerMessage <= 0 {
		l.MaxTokensPerMessage = def.MaxTokensPerMessage
	}
	if l.MaxTokensPerConversation <= 0 {
		l.MaxTokensPerConversation = def.MaxTokensPerConversation
	}
	if l.MaxTokensPerDay <= 0 {
		l.MaxTokensPerDay = def.MaxTokensPerDay
	}
	if l.Window <= 0 {
		l.Window = def.Window
	}
	return l
}

// =============================================================================
// ENFORCER
// =============================================================================

// Enforcer applies the configured limits. Stateless and safe for
// concurrent use.
type Enforcer struct {
	limits Limits
}

// NewEnforcer creates an enforcer, filling unset limits with defaults.
func NewEnforcer(limits Limits) *Enforcer {
	return &Enforcer{limits: limits.withDefaults()}
}

// Limits returns the effective limits.
func (e *Enforcer) Limits() Limits {
	return e.limits
}

// CheckMessage validates a single candidate message and returns its
// estimated token cost. Blank input, oversized character length, oversized
// UTF-8 byte length and oversized token cost are each rejected with a
// distinct validation failure.
func (e *Enforcer) CheckMessage(text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, &faults.ValidationError{Message: "Mensagem não pode ser vazia."}
	}

	length := len([]rune(text))
	if length > e.limits.MaxCharsPerMessage {
		return 0, &faults.ValidationError{Message: fmt.Sprintf(
			"Sua mensagem excede o limite de %d caracteres (encontrados: %d). Por favor, encurte sua mensagem.",
			e.limits.MaxCharsPerMessage, length)}
	}

	maxBytes := 2 * e.limits.MaxCharsPerMessage
	if len(text) > maxBytes {
		return 0, &faults.ValidationError{Message: fmt.Sprintf(
			"Sua mensagem excede o limite de tamanho (%d bytes). Por favor, encurte sua mensagem.",
			maxBytes)}
	}

	tokens := token.Estimate(text)
	if tokens > e.limits.MaxTokensPerMessage {
		return 0, &faults.ValidationError{Message: fmt.Sprintf(
			"Sua mensagem excede o limite de %d tokens. Por favor, encurte sua mensagem.",
			e.limits.MaxTokensPerMessage)}
	}

	return tokens, nil
}

// CheckBudget gates starting a turn: it fails when spending additional
// tokens would reach the conversation ceiling. The real cost is not yet
// known at this point, so reaching the ceiling exactly already fails.
func (e *Enforcer) CheckBudget(current, additional int) error {
	if current+additional >= e.limits.MaxTokensPerConversation {
		return e.conversationExhausted()
	}
	return nil
}

// ReconcileBudget re-validates after generation, when the combined input
// and output cost is known. One unit laxer than CheckBudget: a turn that
// lands exactly on the ceiling is kept.
func (e *Enforcer) ReconcileBudget(current, input, output int) error {
	if current+input+output > e.limits.MaxTokensPerConversation {
		return e.conversationExhausted()
	}
	return nil
}

// Blocked reports whether a conversation's counter has reached its
// ceiling.
func (e *Enforcer) Blocked(current int) bool {
	return current >= e.limits.MaxTokensPerConversation
}

// CheckDaily gates a turn against the actor's daily ceiling given total
// usage across active windows.
func (e *Enforcer) CheckDaily(usedToday, additional int) error {
	if usedToday+additional >= e.limits.MaxTokensPerDay {
		return e.dailyExhausted()
	}
	return nil
}

// ReconcileDaily re-validates the daily ceiling after generation.
func (e *Enforcer) ReconcileDaily(usedToday, input, output int) error {
	if usedToday+input+output > e.limits.MaxTokensPerDay {
		return e.dailyExhausted()
	}
	return nil
}

// RemainingDaily returns the actor's remaining daily budget, never
// negative.
func (e *Enforcer) RemainingDaily(usedToday int) int {
	remaining := e.limits.MaxTokensPerDay - usedToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Enforcer) conversationExhausted() error {
	return &faults.ValidationError{Message: fmt.Sprintf(
		"Este chat atingiu o limite de %d tokens. Por favor, inicie um novo chat.",
		e.limits.MaxTokensPerConversation)}
}

func (e *Enforcer) dailyExhausted() error {
	return &faults.ValidationError{Message: fmt.Sprintf(
		"Você atingiu o limite diário de %d tokens. Tente novamente mais tarde.",
		e.limits.MaxTokensPerDay)}
}
