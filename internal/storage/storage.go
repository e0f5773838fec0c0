// Package storage provides the durable per-client record store shared by
// every execution context (tab, process) of the booking client, together
// with the change-notification channel those contexts use to observe each
// other's writes. Semantics are last-write-wins with no merge; a handle
// never observes its own writes, only external ones.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Event describes an external change to one record. Value is nil when the
// record was deleted.
type Event struct {
	Key    string
	Value  []byte
	Origin string
}

// Store is one execution context's view of the shared durable records.
type Store interface {
	// Get returns the record under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the record and notifies every other watcher.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the record and notifies every other watcher. Deleting
	// a missing record is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Watch delivers external change events until ctx ends. Each call
	// registers an independent subscriber.
	Watch(ctx context.Context) <-chan Event
}
