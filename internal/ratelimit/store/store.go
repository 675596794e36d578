// Package store provides the shared counter backend used by the
// distributed rate limiter.
package store

import (
	"context"
	"time"
)

// Store is a window counter store shared between gateway instances.
type Store interface {
	// IncrementCapped increments the counter for key unless it already
	// reached capacity, and sets the key to expire after ttl. It returns
	// the counter value after the call and whether this call incremented it.
	IncrementCapped(ctx context.Context, key string, capacity int64, ttl time.Duration) (count int64, counted bool, err error)

	// Get retrieves the counter value for key.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}
