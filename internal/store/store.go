// Package store provides the opaque key/value persistence used by the
// application layer for preferences and transcripts.
//
// Three backends are available: [Memory] (process-local, go-cache),
// [Postgres] (pgx) and [Redis] (go-redis). All implementations are safe for
// concurrent use. Values are opaque bytes; typed helpers such as
// [Preferences] and [Transcripts] encode on top.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent or expired keys.
var ErrNotFound = errors.New("store: key not found")

// Store is a key/value store.
type Store interface {
	// Put stores value under key, replacing any previous value. A ttl of zero
	// keeps the value until it is deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the live keys starting with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend connection.
	Close() error
}
