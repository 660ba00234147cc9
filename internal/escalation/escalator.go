// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package escalation tracks consecutive generation failures per actor and
// raises an operator alert once a threshold is crossed.
package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/ideaforge/internal/alert"
	"github.com/jeranaias/ideaforge/internal/cache"
	"github.com/jeranaias/ideaforge/internal/model"
)

const (
	// DefaultThreshold is the consecutive failure count that triggers a
	// notification.
	DefaultThreshold = 4

	// DefaultTTL expires stale counters; an actor that stops sending
	// turns should not carry failures into tomorrow.
	DefaultTTL = 30 * time.Minute
)

// Escalator keeps a per-actor consecutive-failure counter in an expiring
// key-value store. Counter updates are mutually exclusive so a concurrent
// failure and reset cannot double-count or lose a reset.
type Escalator struct {
	mu        sync.Mutex
	counts    *cache.TTLStore[string, int]
	notifier  alert.Notifier
	threshold int
	log       *slog.Logger
}

// Config customizes an Escalator. Zero values take defaults.
type Config struct {
	Threshold int
	TTL       time.Duration
	Logger    *slog.Logger
}

// New creates an escalator delivering alerts to notifier.
func New(notifier alert.Notifier, cfg Config) *Escalator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Escalator{
		counts:    cache.NewTTL[string, int](cache.DefaultSize, cfg.TTL),
		notifier:  notifier,
		threshold: cfg.Threshold,
		log:       cfg.Logger,
	}
}

// RecordFailure increments the actor's consecutive failure count. On
// reaching the threshold it notifies the operator with the actor identity
// and count, then resets the counter. Notification errors are logged and
// swallowed.
func (e *Escalator) RecordFailure(ctx context.Context, actor model.Actor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count, _ := e.counts.Get(actor.ID)
	count++

	if count >= e.threshold {
		e.counts.Remove(actor.ID)
		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, actor, count); err != nil {
				e.log.Warn("failure alert not delivered",
					"actor", actor.ID, "error", err)
			}
		}
		return
	}

	e.counts.Set(actor.ID, count)
	e.log.Debug("generation failure recorded",
		"actor", actor.ID, "consecutive", count)
}

// RecordSuccess clears the actor's failure counter unconditionally.
func (e *Escalator) RecordSuccess(actorID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.Remove(actorID)
}

// Count returns the actor's current consecutive failure count.
func (e *Escalator) Count(actorID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count, _ := e.counts.Get(actorID)
	return count
}
