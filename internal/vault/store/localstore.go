package store

import (
	"context"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
)

// LocalStore is a plain key/value area of a record store, used for
// persisted metadata and for blobs.
type LocalStore struct {
	store objectstore.Store
}

// NewLocalStore returns a LocalStore over s.
func NewLocalStore(s objectstore.Store) *LocalStore {
	return &LocalStore{store: s}
}

// Store returns the underlying object store.
func (s *LocalStore) Store() objectstore.Store {
	return s.store
}

// Get returns the raw value at key. Missing keys fail with
// objectstore.ErrKeyNotFound.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.Get(ctx, key)
}

func (s *LocalStore) Put(ctx context.Context, key string, value []byte) error {
	return s.store.Put(ctx, key, value)
}

// GetJSON decodes the value at key into v, reporting false if it is missing.
func (s *LocalStore) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	return objectstore.GetJSON(ctx, s.store, key, v)
}

func (s *LocalStore) PutJSON(ctx context.Context, key string, v any) error {
	return objectstore.PutJSON(ctx, s.store, key, v)
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

func (s *LocalStore) Keys(ctx context.Context) ([]string, error) {
	return s.store.Keys(ctx)
}

// UpdateDate returns when key was last written.
func (s *LocalStore) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	return s.store.UpdateDate(ctx, key)
}
