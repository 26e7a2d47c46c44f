// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import "sync"

// =============================================================================
// ENTITY CACHE
// =============================================================================

// Cache is a concurrency-safe map of live entities keyed by identity.
// An entity present in the cache is the authoritative copy; the store
// only sees snapshots of it.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// NewCache creates an empty cache.
func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: make(map[K]V)}
}

// Get returns the entity under key and whether it exists.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set stores the entity under key, replacing any previous entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Move re-keys an entity. The entry under from is removed and stored
// under to. It is a no-op when from is absent.
func (c *Cache[K, V]) Move(from, to K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[from]
	if !ok {
		return
	}
	delete(c.entries, from)
	c.entries[to] = v
}

// Delete removes the entity under key. It is a no-op when absent.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached entities.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Values returns a snapshot slice of all cached entities in map order.
func (c *Cache[K, V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.entries))
	for _, v := range c.entries {
		out = append(out, v)
	}
	return out
}

// =============================================================================
// REACTIVE VALUE
// =============================================================================

// Value holds a snapshot that subscribers are notified about whenever
// it is replaced. Snapshots are replaced wholesale, never mutated, so
// two consecutive Snapshot calls without an intervening Set return the
// same reference and a subscriber can compare cheaply.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	initial T
	subs    []*subscription[T]
}

type subscription[T any] struct {
	fn func(T)
}

// NewValue creates a reactive value. The initial snapshot doubles as
// the value reported before any hydration has happened.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, initial: initial}
}

// Snapshot returns the current snapshot.
func (v *Value[T]) Snapshot() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// InitialSnapshot returns the snapshot the value was created with.
func (v *Value[T]) InitialSnapshot() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initial
}

// Subscribe registers fn to run on every subsequent Set. The returned
// function removes the subscription; calling it more than once is safe.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	sub := &subscription[T]{fn: fn}
	v.mu.Lock()
	v.subs = append(v.subs, sub)
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, s := range v.subs {
				if s == sub {
					v.subs = append(v.subs[:i], v.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Set replaces the snapshot and synchronously notifies subscribers in
// registration order. Callbacks run outside the lock so they may call
// back into the value.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.current = next
	subs := make([]*subscription[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
}
