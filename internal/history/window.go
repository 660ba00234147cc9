// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history selects the slice of prior turns used as generation
// context, bounded by message count and by token budget.
package history

import (
	"github.com/jeranaias/ideaforge/internal/model"
	"github.com/jeranaias/ideaforge/internal/prompt"
	"github.com/jeranaias/ideaforge/internal/token"
)

// Default bounds applied when a caller passes zero values.
const (
	DefaultMaxMessages = 3
	DefaultMaxTokens   = 1000
)

// Entry is one sanitized history message ready for the backend.
type Entry struct {
	Role    model.Role
	Content string
}

// Window selects a chronologically ordered subset of messages for use as
// generation context. The most recent maxMessages are considered; walking
// from newest to oldest, messages are included while the running token sum
// stays within maxTokens. Adding stops at the first older message that
// would exceed the budget. Blank messages are skipped.
//
// An empty history yields an empty result, as does a budget too small for
// any single message. Neither is an error: the turn proceeds without
// context.
func Window(messages []model.Message, maxMessages, maxTokens int) []Entry {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if len(messages) == 0 {
		return nil
	}

	// Sanitize and drop blanks first so the count bound applies to usable
	// messages only.
	valid := make([]Entry, 0, len(messages))
	for _, m := range messages {
		content := prompt.Sanitize(m.Content)
		if content == "" {
			continue
		}
		valid = append(valid, Entry{Role: m.Role, Content: content})
	}
	if len(valid) == 0 {
		return nil
	}

	if len(valid) > maxMessages {
		valid = valid[len(valid)-maxMessages:]
	}

	// Newest to oldest under the token budget.
	used := 0
	start := len(valid)
	for i := len(valid) - 1; i >= 0; i-- {
		cost := token.Estimate(valid[i].Content)
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}

	if start == len(valid) {
		return nil
	}
	return valid[start:]
}
