// Package kv abstracts the hot key-value operations shared by the
// idempotency store, the surge cache/demand counters, and the dispatch
// engine's per-ride lock and fast-lookup offer entries: atomic increment
// with first-write TTL, get/set with TTL, set-if-absent (for locks), and
// existence checks. Redis is the production backend (grounded on the
// teacher's go-redis usage); an in-memory backend lets every consumer be
// unit-tested without a running Redis.
package kv

import (
	"context"
	"time"
)

// Store is the minimal hot-store contract used throughout this repo's
// ephemeral state (spec.md §6 "persisted layout").
type Store interface {
	// Incr atomically increments key and returns the new value. If key
	// did not exist, ttl is applied to the fresh key (spec.md
	// DemandCounter: "Auto-expires... expiry restarts window").
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the stored value, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value with the given TTL, replacing any prior value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent, returning whether it
	// won the write. Used for the per-ride lock (acquire-with-expiry).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is currently present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}
