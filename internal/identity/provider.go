// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity resolves the current actor for a request. The engine
// itself receives actors as parameters; this package supplies the
// interface the transport layer implements, plus a caching decorator so
// repeated lookups for the same credential do not hit the backing
// directory on every turn.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/ideaforge/internal/cache"
	"github.com/jeranaias/ideaforge/internal/model"
)

// ErrUnauthenticated reports that no actor could be resolved.
var ErrUnauthenticated = errors.New("not authenticated")

// DefaultTTL bounds how long a resolved actor is reused.
const DefaultTTL = 5 * time.Minute

// Provider resolves the actor behind a request credential.
type Provider interface {
	Resolve(ctx context.Context, credential string) (model.Actor, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, credential string) (model.Actor, error)

func (f ProviderFunc) Resolve(ctx context.Context, credential string) (model.Actor, error) {
	return f(ctx, credential)
}

// CachedProvider wraps a Provider with an expiring per-credential cache.
type CachedProvider struct {
	inner Provider
	cache *cache.TTLStore[string, model.Actor]
}

// NewCachedProvider wraps inner with a cache. ttl <= 0 uses DefaultTTL.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedProvider{
		inner: inner,
		cache: cache.NewTTL[string, model.Actor](cache.DefaultSize, ttl),
	}
}

// Resolve returns the cached actor for credential, consulting the inner
// provider on a miss. Failures are not cached.
func (p *CachedProvider) Resolve(ctx context.Context, credential string) (model.Actor, error) {
	if actor, ok := p.cache.Get(credential); ok {
		return actor, nil
	}

	actor, err := p.inner.Resolve(ctx, credential)
	if err != nil {
		return model.Actor{}, err
	}
	p.cache.Set(credential, actor)
	return actor, nil
}

// Invalidate drops the cached actor for credential, forcing the next
// Resolve through to the inner provider.
func (p *CachedProvider) Invalidate(credential string) {
	p.cache.Remove(credential)
}
