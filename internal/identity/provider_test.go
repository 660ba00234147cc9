// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jeranaias/ideaforge/internal/model"
)

func TestCachedProvider_CachesHits(t *testing.T) {
	calls := 0
	inner := ProviderFunc(func(ctx context.Context, credential string) (model.Actor, error) {
		calls++
		return model.Actor{ID: "actor-" + credential}, nil
	})

	p := NewCachedProvider(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		actor, err := p.Resolve(ctx, "tok")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if actor.ID != "actor-tok" {
			t.Errorf("Actor = %q", actor.ID)
		}
	}

	if calls != 1 {
		t.Errorf("Inner lookups = %d, want 1", calls)
	}
}

func TestCachedProvider_DoesNotCacheFailures(t *testing.T) {
	calls := 0
	inner := ProviderFunc(func(ctx context.Context, credential string) (model.Actor, error) {
		calls++
		if calls == 1 {
			return model.Actor{}, ErrUnauthenticated
		}
		return model.Actor{ID: "actor-1"}, nil
	})

	p := NewCachedProvider(inner, time.Minute)
	ctx := context.Background()

	if _, err := p.Resolve(ctx, "tok"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Expected ErrUnauthenticated, got %v", err)
	}
	if _, err := p.Resolve(ctx, "tok"); err != nil {
		t.Fatalf("Second resolve should succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Inner lookups = %d, want 2", calls)
	}
}

func TestCachedProvider_Invalidate(t *testing.T) {
	calls := 0
	inner := ProviderFunc(func(ctx context.Context, credential string) (model.Actor, error) {
		calls++
		return model.Actor{ID: "actor-1"}, nil
	})

	p := NewCachedProvider(inner, time.Minute)
	ctx := context.Background()

	p.Resolve(ctx, "tok")
	p.Invalidate("tok")
	p.Resolve(ctx, "tok")

	if calls != 2 {
		t.Errorf("Inner lookups = %d, want 2 after invalidation", calls)
	}
}
