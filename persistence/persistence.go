// Package persistence defines the storage contract consumed by a persisted
// token cache. Implementations own encryption and write atomicity.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the persisted store has never been created or was deleted.
var ErrNotFound = errors.New("persistence not found")

// Persistence is a durable home for one serialized token cache.
type Persistence interface {
	// Load returns the stored bytes. found is false, with a nil error, when
	// nothing has been stored yet.
	Load(ctx context.Context) (data []byte, found bool, err error)
	// Save replaces the stored bytes. A concurrent Load must never observe a
	// partial write.
	Save(ctx context.Context, data []byte) error
	// LastModified returns when the store was last written.
	// The error wraps ErrNotFound when nothing has been stored yet.
	LastModified(ctx context.Context) (time.Time, error)
	// Location is the path associated with the store. Lock files are derived from it.
	Location() string
	// Encrypted reports whether data is encrypted at rest.
	Encrypted() bool
}
