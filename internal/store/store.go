// Package store defines the Local Store contract: a synchronous key-value
// persistence layer with a byte-size ceiling. It owns the durable copy of
// each record collection, the cache's durable tier and the emergency-backup
// slots.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read when the key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrCapacityExceeded is returned by Write when the store's byte-size
	// ceiling would be exceeded. Callers treat it as distinguishable from
	// other storage failures.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
)

// KV is the narrow storage port the sync, cache and recovery engines depend
// on, resolved once at composition time.
type KV interface {
	// Read returns the value stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key. Returns ErrCapacityExceeded when the
	// write would push the store past its ceiling.
	Write(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists keys with the given prefix in ascending lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
