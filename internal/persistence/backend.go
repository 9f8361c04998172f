package persistence

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Backend.Get and the typed accessors when a key is absent.
var ErrNotFound = errors.New("persistence: not found")

// Backend is the key/value, set, and list contract every durable store implements.
// Keys are flat strings; callers namespace them with the helpers in keys.go.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Set members are returned in insertion order. Adding an existing member is a no-op.
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	Members(ctx context.Context, key string) ([]string, error)

	// Push appends to the tail of a list.
	Push(ctx context.Context, key, value string) error
	// Range returns the newest `last` entries oldest-first; last <= 0 returns the whole list.
	Range(ctx context.Context, key string, last int) ([]string, error)
	// Trim keeps only the newest `keep` entries.
	Trim(ctx context.Context, key string, keep int) error
	// Take returns the whole list oldest-first and clears it atomically.
	Take(ctx context.Context, key string) ([]string, error)
	Len(ctx context.Context, key string) (int, error)

	// ListKeys returns every key (kv, set, or list) starting with prefix, sorted.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
