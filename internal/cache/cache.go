// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides a small expiring key-value store used for
// per-actor failure counters and identity lookups. Entries expire a fixed
// TTL after the last write; the store is size-bounded with LRU eviction.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize bounds each store; well above any realistic concurrent
// actor count.
const DefaultSize = 1024

// TTLStore is a thread-safe expiring key-value store.
type TTLStore[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewTTL creates a store holding up to size entries, each expiring ttl
// after its last write. size <= 0 uses DefaultSize.
func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTLStore[K, V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &TTLStore[K, V]{
		lru: expirable.NewLRU[K, V](size, nil, ttl),
	}
}

// Get returns the value for key and whether it was present and unexpired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	return s.lru.Get(key)
}

// Set writes the value for key, resetting its expiry.
func (s *TTLStore[K, V]) Set(key K, value V) {
	s.lru.Add(key, value)
}

// Remove evicts key from the store.
func (s *TTLStore[K, V]) Remove(key K) {
	s.lru.Remove(key)
}

// Len returns the number of unexpired entries.
func (s *TTLStore[K, V]) Len() int {
	return s.lru.Len()
}
