package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
)

// LocalItemStore holds the local copies of a record's items, one JSON value
// per item id. Downloaded items and local edits both live here.
//
// Reads by key check the stored version: an entry whose version differs from
// the requested key counts as missing.
type LocalItemStore struct {
	mu    sync.RWMutex
	store objectstore.Store
}

// NewLocalItemStore returns an item store over s. When cache is not nil the
// store reads through it, keyed under namespace.
func NewLocalItemStore(s objectstore.Store, cache *objectstore.Cache, namespace string) *LocalItemStore {
	if cache != nil {
		s = objectstore.NewCaching(s, cache, namespace)
	}
	return &LocalItemStore{store: s}
}

// ItemIDs returns the ids of every stored item.
func (s *LocalItemStore) ItemIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Keys(ctx)
}

// Get returns the item stored for key, or nil when it is missing or stored
// under another version.
func (s *LocalItemStore) Get(ctx context.Context, key item.Key) (*item.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	it, err := s.GetByID(ctx, key.ID)
	if err != nil || it == nil {
		return nil, err
	}
	if !it.Key.IsVersion(key.Version) {
		return nil, nil
	}
	return it, nil
}

// RefreshAndGet is Get bypassing the item cache.
func (s *LocalItemStore) RefreshAndGet(ctx context.Context, key item.Key) (*item.Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, err := objectstore.RefreshAndGet(ctx, s.store, key.ID)
	s.mu.RUnlock()
	it, err := decodeItem(key.ID, data, err)
	if err != nil || it == nil {
		return nil, err
	}
	if !it.Key.IsVersion(key.Version) {
		return nil, nil
	}
	return it, nil
}

// GetByID returns the item stored under itemID regardless of version, or nil.
func (s *LocalItemStore) GetByID(ctx context.Context, itemID string) (*item.Item, error) {
	if itemID == "" {
		return nil, item.ErrInvalidKey
	}
	s.mu.RLock()
	data, err := s.store.Get(ctx, itemID)
	s.mu.RUnlock()
	return decodeItem(itemID, data, err)
}

// GetMultiple returns the items for keys. With includeMissing the result is
// positional, holding nil for every key not found locally.
func (s *LocalItemStore) GetMultiple(ctx context.Context, keys []item.Key, includeMissing bool) ([]*item.Item, error) {
	items := make([]*item.Item, 0, len(keys))
	for _, key := range keys {
		it, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if it != nil || includeMissing {
			items = append(items, it)
		}
	}
	return items, nil
}

// GetTyped returns the decoded payload of the item stored for key, or nil
// when the item is missing or has no payload.
func (s *LocalItemStore) GetTyped(ctx context.Context, key item.Key) (item.Typed, error) {
	it, err := s.Get(ctx, key)
	if err != nil || it == nil || !it.HasData() {
		return nil, err
	}
	return it.Decode()
}

// Put stores it under its item id, replacing any previous version.
func (s *LocalItemStore) Put(ctx context.Context, it *item.Item) error {
	if it == nil {
		return fmt.Errorf("item cannot be nil")
	}
	if err := it.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, it)
}

// PutMultiple stores all items under one lock.
func (s *LocalItemStore) PutMultiple(ctx context.Context, items []*item.Item) error {
	for _, it := range items {
		if it == nil {
			return fmt.Errorf("item cannot be nil")
		}
		if err := it.Key.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if err := s.putLocked(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the local copy for key.
func (s *LocalItemStore) Remove(ctx context.Context, key item.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.Delete(ctx, key.ID)
}

// Delete deletes the local copy stored under itemID.
func (s *LocalItemStore) Delete(ctx context.Context, itemID string) error {
	if itemID == "" {
		return item.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, itemID)
}

// UpdateDate returns when the local copy of key was last written.
func (s *LocalItemStore) UpdateDate(ctx context.Context, key item.Key) (time.Time, error) {
	if err := key.Validate(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.UpdateDate(ctx, key.ID)
}

func (s *LocalItemStore) putLocked(ctx context.Context, it *item.Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", it.Key.ID, err)
	}
	return s.store.Put(ctx, it.Key.ID, data)
}

func decodeItem(itemID string, data []byte, err error) (*item.Item, error) {
	if err != nil {
		if objectstore.ErrKeyNotFound.Has(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read item %s: %w", itemID, err)
	}
	var it item.Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("failed to decode item %s: %w", itemID, err)
	}
	return &it, nil
}
