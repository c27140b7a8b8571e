// Package objectstore provides the key/value blob storage underneath a record
// store: values addressed by string keys, grouped into nestable child stores.
//
// Backends:
//   - Memory: process-local, used by tests and ephemeral sessions
//   - Folder: one file per value, one directory per child store
//   - SQLite: a single database file (ncruces/go-sqlite3, WAL mode)
//   - Bolt: a single bbolt file, nested buckets for child stores
//
// Decorators wrap any backend and can be stacked:
//   - Caching: bounded LRU of value bytes with explicit invalidation
//   - Encrypted: secretbox sealing of every value
//   - Logging: zap debug trace of every call
//
// Example:
//
//	root, err := objectstore.OpenSQLite(".vsync/objects.db")
//	if err != nil {
//	    return err
//	}
//	defer root.Close()
//
//	data, err := root.CreateChild(ctx, "Data")
//	if err != nil {
//	    return err
//	}
//	err = objectstore.PutJSON(ctx, data, "item-1", item)
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the class of backend failures.
	Error = errs.Class("objectstore")

	// ErrKeyNotFound is returned by Get and UpdateDate for missing keys.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrInvalidName is returned for empty keys and unusable child store names.
	ErrInvalidName = errs.Class("invalid name")
)

// Store is a key/value store with nested child stores.
//
// Implementations must be safe for concurrent use. Delete is idempotent.
// Keys returns value keys only, in ascending order; child stores are listed
// separately through ChildExists.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)

	// DeleteAll removes every value and every child store.
	DeleteAll(ctx context.Context) error

	// UpdateDate returns when the value was last written.
	UpdateDate(ctx context.Context, key string) (time.Time, error)

	// CreateChild returns the named child store, creating it if needed.
	CreateChild(ctx context.Context, name string) (Store, error)
	DeleteChild(ctx context.Context, name string) error
	ChildExists(ctx context.Context, name string) (bool, error)
}

// Invalidator is implemented by caching stores that can drop a cached entry
// so the next Get reads from the backing store.
type Invalidator interface {
	Invalidate(key string)
}

// GetJSON decodes the value at key into v.
// It reports false, with a nil error, when the key does not exist.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if ErrKeyNotFound.Has(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// RefreshAndGet reads key, bypassing any cache in front of s.
func RefreshAndGet(ctx context.Context, s Store, key string) ([]byte, error) {
	if inv, ok := s.(Invalidator); ok {
		inv.Invalidate(key)
	}
	return s.Get(ctx, key)
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidName.New("empty key")
	}
	return nil
}

func validateChildName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return ErrInvalidName.New("child store %q", name)
	}
	return nil
}
