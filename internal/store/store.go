// Package store persists the registry snapshots. Each snapshot is an opaque
// JSON document stored under a well-known key.
package store

import "errors"

// ErrNotFound is returned when a snapshot has never been written.
var ErrNotFound = errors.New("not found")

// Snapshot keys.
const (
	KeyDatabase   = "database"
	KeyProperties = "properties"
)

// Store defines the snapshot persistence interface.
type Store interface {
	// Load returns the last saved snapshot for key, or ErrNotFound.
	Load(key string) ([]byte, error)
	// Save replaces the snapshot for key.
	Save(key string, data []byte) error
	Close() error
}
