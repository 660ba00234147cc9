// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package alert delivers operator notifications. Delivery is fire-and-
// forget: a failed notification is logged, never surfaced to the turn
// that triggered it.
package alert

import (
	"context"
	"log/slog"

	"github.com/jeranaias/ideaforge/internal/model"
)

// Notifier raises an out-of-band operator alert for an actor whose
// generation calls keep failing.
type Notifier interface {
	Notify(ctx context.Context, actor model.Actor, failures int) error
}

// LogNotifier writes alerts to the structured log. Used when no external
// alerting channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger}
}

// Notify records the alert in the log.
func (n *LogNotifier) Notify(_ context.Context, actor model.Actor, failures int) error {
	n.log.Error("repeated generation failures for actor",
		"actor", actor.ID,
		"failures", failures)
	return nil
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(ctx context.Context, actor model.Actor, failures int) error

func (f NotifyFunc) Notify(ctx context.Context, actor model.Actor, failures int) error {
	return f(ctx, actor, failures)
}
