// Package kvstore abstracts the single external coordination point of the
// snapshot delivery fabric: an in-memory key-value service providing
// strings, atomic increment, conditional set, key scan, pub/sub, and
// approximate key expiry (spec.md §2.1). The cross-process state the
// system keeps here is revisions, the snapshot cache, the two locks, and
// invalidation channels. Rate limiting does not use this interface: it is
// a process-local limiter map in internal/httpapi.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by the Redis-backed store's operations after Close
// has been called. The in-memory store's Close is a no-op and it never
// returns ErrClosed.
var ErrClosed = errors.New("kvstore: store is closed")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Callers must call Close
// when done to release the underlying connection.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the coordination surface the rest of the system is built on.
// The production implementation is Redis-backed (see redis.go); a
// deterministic in-memory implementation (see memory.go) backs unit tests
// without a real Redis instance.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ConditionalSet stores value at key only if the key does not already
	// exist (Redis SET NX), with the given TTL. Returns true if the set
	// happened, false if the key already existed.
	ConditionalSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer stored at key by one and
	// returns the new value. A missing key is treated as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Scan returns every key matching the glob-style pattern. Used only
	// for the stale-fallback search (spec.md §4.3); never on a hot path
	// that needs to be fast under load.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Publish broadcasts payload to all subscribers of channel. Delivery
	// is at-most-once and best-effort, matching spec.md §4.5.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to channel. The returned
	// Subscription must be closed by the caller.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the store's resources.
	Close() error
}
