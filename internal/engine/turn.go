// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/history"
	"github.com/jeranaias/ideaforge/internal/model"
	"github.com/jeranaias/ideaforge/internal/ollama"
	"github.com/jeranaias/ideaforge/internal/prompt"
	"github.com/jeranaias/ideaforge/internal/storage"
	"github.com/jeranaias/ideaforge/internal/telemetry"
	"github.com/jeranaias/ideaforge/internal/token"
)

// User-facing copy, kept in the product's language.
const (
	msgBackendDown    = "Serviço de IA temporariamente indisponível. Tente novamente em alguns instantes."
	msgTooManyWriters = "Não foi possível concluir sua mensagem dentro do limite de tokens. Tente novamente."
	msgAnchorRequired = "Conversa ancorada exige uma ideia de referência."
	msgInvalidKind    = "Tipo de conversa inválido."
)

// =============================================================================
// START / RESUME
// =============================================================================

// StartOrResume returns the actor's active conversation of the given kind,
// creating a fresh one when none exists or when the latest is both expired
// and exhausted. Resumed conversations carry their full message history.
func (e *Engine) StartOrResume(ctx context.Context, actor model.Actor, kind model.Kind, anchorRef string) (*ConversationView, error) {
	if !kind.Valid() {
		return nil, &faults.ValidationError{Message: msgInvalidKind}
	}
	if kind == model.KindAnchored && strings.TrimSpace(anchorRef) == "" {
		return nil, &faults.ValidationError{Message: msgAnchorRequired}
	}

	conv, err := e.store.LatestConversation(ctx, actor.ID, kind, anchorRef)
	switch {
	case errors.Is(err, storage.ErrConversationNotFound):
		conv = nil
	case err != nil:
		return nil, fmt.Errorf("loading latest conversation: %w", err)
	}

	// An expired window with an exhausted counter means the old
	// conversation is stale on both axes; start over instead of resetting.
	if conv != nil && conv.WindowExpired(e.clock(), e.window) && e.enforcer.Blocked(conv.TokensUsed) {
		conv = nil
	}

	if conv == nil {
		conv = model.NewConversation(actor.ID, kind, anchorRef)
		if err := e.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		e.log.Info("conversation created",
			"conversation", conv.ID, "actor", actor.ID, "kind", string(kind))
		return &ConversationView{ID: conv.ID, Kind: conv.Kind, AnchorRef: conv.AnchorRef}, nil
	}

	msgs, err := e.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	return &ConversationView{
		ID:         conv.ID,
		Kind:       conv.Kind,
		AnchorRef:  conv.AnchorRef,
		TokensUsed: conv.TokensUsed,
		Messages:   msgs,
	}, nil
}

// =============================================================================
// TURN
// =============================================================================

// SubmitTurn runs one conversational turn. Concurrent-modification
// conflicts restart the turn from the load phase; after maxTurnAttempts
// the turn is rejected rather than risking an over-ceiling commit.
func (e *Engine) SubmitTurn(ctx context.Context, actor model.Actor, conversationID, text string) (*TurnResult, error) {
	for attempt := 1; attempt <= e.maxTurnAttempts; attempt++ {
		res, err := e.runTurn(ctx, actor, conversationID, text)
		if errors.Is(err, storage.ErrVersionConflict) {
			e.metrics.Count(telemetry.MetricTurnConflicts, 1)
			e.log.Warn("turn conflict, restarting",
				"conversation", conversationID, "actor", actor.ID, "attempt", attempt)
			continue
		}
		return res, err
	}
	return nil, &faults.ValidationError{Message: msgTooManyWriters}
}

func (e *Engine) runTurn(ctx context.Context, actor model.Actor, conversationID, text string) (*TurnResult, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrConversationNotFound) {
		return nil, &faults.NotFoundError{Resource: "conversation", ID: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.ActorID != actor.ID {
		return nil, &faults.PermissionError{Message: "conversation belongs to another actor"}
	}

	now := e.clock()
	if conv.WindowExpired(now, e.window) {
		conv.ResetWindow(now)
	}

	dailyUsed, err := e.store.DailyUsage(ctx, actor.ID, now.Add(-e.window))
	if err != nil {
		return nil, fmt.Errorf("loading daily usage: %w", err)
	}

	tokens, err := e.enforcer.CheckMessage(text)
	if err != nil {
		e.metrics.Count(telemetry.MetricValidationRejected, 1)
		return nil, err
	}
	if err := e.enforcer.CheckDaily(dailyUsed, tokens); err != nil {
		e.metrics.Count(telemetry.MetricValidationRejected, 1)
		return nil, err
	}
	if err := e.enforcer.CheckBudget(conv.TokensUsed, tokens); err != nil {
		e.metrics.Count(telemetry.MetricValidationRejected, 1)
		return nil, err
	}

	msgs, err := e.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	hist := toBackendHistory(history.Window(msgs, e.historyMaxMessages, e.historyMaxTokens))

	system, err := e.systemPrompt(ctx, conv)
	if err != nil {
		return nil, err
	}

	if conv.Kind == model.KindFree {
		if err := e.gate.Precheck(ctx, text); err != nil {
			if faults.IsValidation(err) {
				e.metrics.Count(telemetry.MetricValidationRejected, 1)
				return nil, err
			}
			e.escalator.RecordFailure(ctx, actor)
			return nil, e.upstreamFailure("moderation precheck", conv.ID, actor.ID, err)
		}
	}

	out, err := e.client.ChatWithRetry(ctx, system, hist, text)
	if err != nil {
		e.escalator.RecordFailure(ctx, actor)
		return nil, e.upstreamFailure("generation", conv.ID, actor.ID, err)
	}
	e.escalator.RecordSuccess(actor.ID)

	clean, err := e.gate.Review(out, conv.Kind)
	if err != nil {
		if faults.IsValidation(err) {
			e.metrics.Count(telemetry.MetricValidationRejected, 1)
		}
		return nil, err
	}

	outTokens := token.Estimate(clean)
	if err := e.enforcer.ReconcileBudget(conv.TokensUsed, tokens, outTokens); err != nil {
		e.metrics.Count(telemetry.MetricValidationRejected, 1)
		return nil, err
	}
	if err := e.enforcer.ReconcileDaily(dailyUsed, tokens, outTokens); err != nil {
		e.metrics.Count(telemetry.MetricValidationRejected, 1)
		return nil, err
	}

	total := tokens + outTokens
	remaining := e.enforcer.RemainingDaily(dailyUsed + total)

	conv.TokensUsed += total
	conv.UpdatedAt = now

	user := model.NewUserMessage(conv.ID, text, tokens)
	assistant := model.NewAssistantMessage(conv.ID, clean, outTokens, remaining)
	if err := e.store.AppendTurn(ctx, conv, user, assistant); err != nil {
		// ErrVersionConflict bubbles up to the SubmitTurn retry loop.
		return nil, err
	}

	e.metrics.Count(telemetry.MetricTokensConsumed, int64(total))
	return &TurnResult{Content: clean, TokensConsumed: total, TokensRemaining: remaining}, nil
}

// systemPrompt builds the instruction block for the conversation's kind,
// populating the anchor snapshot on first use.
func (e *Engine) systemPrompt(ctx context.Context, conv *model.Conversation) (string, error) {
	if conv.Kind != model.KindAnchored {
		return prompt.SystemFree(), nil
	}
	if !conv.HasAnchorSnapshot() {
		if e.anchors == nil {
			return "", &faults.NotFoundError{Resource: "anchor", ID: conv.AnchorRef}
		}
		content, anchorCtx, err := e.anchors.Anchor(ctx, conv.AnchorRef)
		if err != nil {
			if faults.IsNotFound(err) {
				return "", err
			}
			return "", &faults.NotFoundError{Resource: "anchor", ID: conv.AnchorRef}
		}
		conv.SetAnchorSnapshot(prompt.Sanitize(content), prompt.Sanitize(anchorCtx))
	}
	return prompt.SystemAnchored(conv.AnchorContent, conv.AnchorContext), nil
}

// upstreamFailure wraps a backend error with sanitized user copy and logs
// the diagnostic detail.
func (e *Engine) upstreamFailure(phase, conversationID, actorID string, err error) error {
	e.log.Error("backend failure",
		"phase", phase, "conversation", conversationID, "actor", actorID, "error", err)
	msg := msgBackendDown
	var clientErr *ollama.ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Kind {
		case ollama.ErrKindConnection, ollama.ErrKindTimeout, ollama.ErrKindExhausted:
			msg = clientErr.Message
		}
	}
	return &faults.UpstreamError{Message: msg, Cause: err}
}

// toBackendHistory converts windowed entries to the transport's message
// shape.
func toBackendHistory(entries []history.Entry) []ollama.Message {
	if len(entries) == 0 {
		return nil
	}
	out := make([]ollama.Message, 0, len(entries))
	for _, e := range entries {
		role := "user"
		if e.Role == model.RoleAssistant {
			role = "assistant"
		}
		out = append(out, ollama.Message{Role: role, Content: e.Content})
	}
	return out
}
