// Package kvstore defines the opaque durable key-value store the credential
// gateway persists into, plus in-memory and SQLite implementations.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no value exists for a key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is an opaque durable key-value store. Save must be called after
// Set/Delete for durability; implementations where writes are immediately
// durable may treat it as a no-op.
type Store interface {
	// Load returns the value for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Set writes a value for key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Save flushes pending writes to durable storage.
	Save(ctx context.Context) error
	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases the underlying storage.
	Close() error
}
