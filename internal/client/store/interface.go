// Package store defines the persistent cache store consumed by the session
// layer: a per-tab key/value store with cross-tab change notifications.
//
// The store is the only channel available for cross-tab signaling; writers
// must treat it as last-writer-wins and must not assume read-after-write
// visibility in other tabs faster than the change-notification latency.
package store

import "context"

// ChangeHandler is invoked when another tab changes a key. A removed key
// is delivered with an empty value. Handlers run on the notifying
// goroutine and must not block.
type ChangeHandler func(key, value string)

// Store is a per-tab key/value cache holding only non-secret values and
// ciphertext blobs, keyed by logical names.
//
// Get returns ("", nil) for a missing key; components never store empty
// strings, they Remove instead.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error

	// Keys lists all keys currently present.
	Keys(ctx context.Context) ([]string, error)

	// Subscribe registers a handler for changes made by other tabs.
	// Changes made through this same Store instance are not delivered
	// back to it. The returned function unsubscribes.
	Subscribe(h ChangeHandler) (unsubscribe func())

	Close() error
}
