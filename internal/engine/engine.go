// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates conversational turns end to end: budget
// checks, context building, moderation, generation, and atomic
// persistence under bounded optimistic-concurrency retries.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jeranaias/ideaforge/internal/alert"
	"github.com/jeranaias/ideaforge/internal/budget"
	"github.com/jeranaias/ideaforge/internal/escalation"
	"github.com/jeranaias/ideaforge/internal/model"
	"github.com/jeranaias/ideaforge/internal/moderation"
	"github.com/jeranaias/ideaforge/internal/ollama"
	"github.com/jeranaias/ideaforge/internal/prompt"
	"github.com/jeranaias/ideaforge/internal/storage"
	"github.com/jeranaias/ideaforge/internal/telemetry"
)

// DefaultMaxTurnAttempts bounds restarts after concurrent-modification
// conflicts.
const DefaultMaxTurnAttempts = 3

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Generator is the generation backend transport.
type Generator interface {
	// Chat performs a single generation call.
	Chat(ctx context.Context, system string, history []ollama.Message, userPrompt string) (string, error)

	// ChatWithRetry performs a generation call under the client's backoff
	// schedule.
	ChatWithRetry(ctx context.Context, system string, history []ollama.Message, userPrompt string) (string, error)
}

// AnchorSource supplies the authoritative content and context of an
// anchor topic. Consulted once per anchored conversation, when the
// snapshot is first needed.
type AnchorSource interface {
	Anchor(ctx context.Context, ref string) (content, anchorContext string, err error)
}

// AnchorSourceFunc adapts a function to the AnchorSource interface.
type AnchorSourceFunc func(ctx context.Context, ref string) (string, string, error)

func (f AnchorSourceFunc) Anchor(ctx context.Context, ref string) (string, string, error) {
	return f(ctx, ref)
}

// =============================================================================
// RESULTS
// =============================================================================

// ConversationView is what the transport layer sees when a conversation
// starts or resumes.
type ConversationView struct {
	ID         string          `json:"id"`
	Kind       model.Kind      `json:"kind"`
	AnchorRef  string          `json:"anchor_ref,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	Messages   []model.Message `json:"messages"`
}

// TurnResult is the outcome of one successful turn.
type TurnResult struct {
	// Content is the moderated assistant reply.
	Content string `json:"content"`

	// TokensConsumed is the combined cost of the user message and the
	// reply.
	TokensConsumed int `json:"tokens_consumed"`

	// TokensRemaining is the actor's remaining daily budget after this
	// turn.
	TokensRemaining int `json:"tokens_remaining"`
}

// =============================================================================
// ENGINE
// =============================================================================

// Config assembles an Engine. Store and Client are required; everything
// else has defaults.
type Config struct {
	Store    storage.Store
	Client   Generator
	Anchors  AnchorSource
	Notifier alert.Notifier
	Metrics  *telemetry.Recorder
	Logger   *slog.Logger

	Limits budget.Limits

	// HistoryMaxMessages and HistoryMaxTokens bound the context window
	// built for each turn.
	HistoryMaxMessages int
	HistoryMaxTokens   int

	// MaxTurnAttempts bounds whole-turn restarts on version conflicts.
	MaxTurnAttempts int

	// PrecheckEnabled turns on admission-time classification for
	// free-form conversations.
	PrecheckEnabled bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Engine coordinates one conversational turn end to end.
type Engine struct {
	store     storage.Store
	client    Generator
	anchors   AnchorSource
	enforcer  *budget.Enforcer
	gate      *moderation.Gate
	escalator *escalation.Escalator
	metrics   *telemetry.Recorder
	log       *slog.Logger

	historyMaxMessages int
	historyMaxTokens   int
	maxTurnAttempts    int
	window             time.Duration
	clock              func() time.Time
}

// New creates an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: Store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("engine: Client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.NewLogNotifier(cfg.Logger)
	}
	if cfg.MaxTurnAttempts <= 0 {
		cfg.MaxTurnAttempts = DefaultMaxTurnAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var classify moderation.ClassifyFunc
	if cfg.PrecheckEnabled {
		client := cfg.Client
		classify = func(ctx context.Context, input string) (string, error) {
			return client.Chat(ctx, prompt.Classification(), nil, input)
		}
	}

	enforcer := budget.NewEnforcer(cfg.Limits)

	return &Engine{
		store:              cfg.Store,
		client:             cfg.Client,
		anchors:            cfg.Anchors,
		enforcer:           enforcer,
		gate:               moderation.NewGate(classify, cfg.Logger),
		escalator:          escalation.New(cfg.Notifier, escalation.Config{Logger: cfg.Logger}),
		metrics:            cfg.Metrics,
		log:                cfg.Logger,
		historyMaxMessages: cfg.HistoryMaxMessages,
		historyMaxTokens:   cfg.HistoryMaxTokens,
		maxTurnAttempts:    cfg.MaxTurnAttempts,
		window:             enforcer.Limits().Window,
		clock:              cfg.Clock,
	}, nil
}
