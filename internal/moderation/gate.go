// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package moderation classifies and normalizes generated text for safety.
//
// The generation backend is instructed to flag disallowed content with an
// internal marker. This package detects the marker, strips any markers the
// model echoed verbatim, and substitutes user-safe rejection copy.
package moderation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/model"
)

// =============================================================================
// MARKER DETECTION
// =============================================================================

// dangerousLeading matches the dangerous marker anchored at the start of
// the trimmed response, tolerating case, inner spacing, and the accented
// spelling. A marker appearing mid-text does not trigger rejection.
var dangerousLeading = regexp.MustCompile(`(?i)^\s*\[\s*MODERA(?:C|Ç)(?:A|Ã)O\s*:\s*PERIGOSO\s*\]`)

// markerAny matches any safe or dangerous marker occurrence, in either
// spelling, anywhere in the text.
var markerAny = regexp.MustCompile(`(?i)\[\s*MODERA(?:C|Ç)(?:A|Ã)O\s*:\s*(?:PERIGOSO|SEGURA)\s*\]`)

// IsDangerous reports whether text begins with the dangerous marker.
// Blank input is never dangerous.
func IsDangerous(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return dangerousLeading.MatchString(strings.TrimSpace(text))
}

// Strip removes every moderation marker from text, repeating until no
// marker remains so that nested echoes are fully cleaned, and trims the
// result.
func Strip(text string) string {
	s := text
	for markerAny.MatchString(s) {
		s = markerAny.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// =============================================================================
// REJECTION COPY
// =============================================================================

const (
	rejectFree      = "Desculpe, não posso processar essa mensagem devido ao conteúdo. Posso ajudá-lo com outras questões?"
	rejectAnchored  = "Desculpe, sua mensagem não está relacionada à ideia desta conversa. Por favor, mantenha o foco no tópico da ideia."
	emptyAfterClean = "Resposta da IA está vazia após processamento."
)

// RejectionMessage returns the user-facing copy substituted when a turn is
// rejected by moderation, appropriate to the conversation kind.
func RejectionMessage(kind model.Kind) string {
	if kind == model.KindAnchored {
		return rejectAnchored
	}
	return rejectFree
}

// =============================================================================
// GATE
// =============================================================================

// ClassifyFunc submits a classification instruction plus the raw user
// input to the generation backend and returns the classification token.
type ClassifyFunc func(ctx context.Context, input string) (string, error)

// Gate performs admission-time pre-checks and post-generation review.
type Gate struct {
	classify ClassifyFunc
	log      *slog.Logger
}

// NewGate creates a moderation gate. classify may be nil, in which case
// Precheck admits everything.
func NewGate(classify ClassifyFunc, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{classify: classify, log: logger}
}

// Precheck classifies raw user input before any assistant reply is
// produced. Only free-form conversations are pre-checked; a dangerous
// classification rejects the turn with the free-form copy. A backend
// failure during classification propagates to the caller.
func (g *Gate) Precheck(ctx context.Context, input string) error {
	if g.classify == nil {
		return nil
	}

	verdict, err := g.classify(ctx, input)
	if err != nil {
		return err
	}

	if IsDangerous(verdict) {
		g.log.Warn("input rejected at admission", "verdict", strings.TrimSpace(verdict))
		return &faults.ValidationError{Message: RejectionMessage(model.KindFree)}
	}
	return nil
}

// Review inspects a raw model response after generation. A leading
// dangerous marker discards the response and rejects the turn with
// kind-appropriate copy. Otherwise every echoed marker is stripped; a
// response that is empty after stripping is an upstream failure, not a
// moderation rejection.
func (g *Gate) Review(response string, kind model.Kind) (string, error) {
	if IsDangerous(response) {
		g.log.Warn("dangerous content in response", "kind", string(kind), "length", len(response))
		return "", &faults.ValidationError{Message: RejectionMessage(kind)}
	}

	cleaned := Strip(response)
	if cleaned == "" {
		return "", &faults.UpstreamError{Message: emptyAfterClean}
	}
	return cleaned, nil
}
