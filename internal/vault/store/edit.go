package store

import (
	"context"
	"sync"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/locks"
)

// EditOperation holds the lock on one item of a SynchronizedType while the
// caller edits a private copy of it.
//
// Commit writes the copy back and releases the lock. Cancel or Close releases
// the lock without writing. Both are safe to call more than once.
type EditOperation struct {
	typ  *SynchronizedType
	lock *locks.Lock

	mu   sync.Mutex
	item *item.Item
}

func newEditOperation(t *SynchronizedType, it *item.Item, lock *locks.Lock) *EditOperation {
	return &EditOperation{typ: t, lock: lock, item: it.Clone()}
}

// Item returns the copy being edited.
func (e *EditOperation) Item() *item.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item
}

// Key returns the key of the item being edited.
func (e *EditOperation) Key() item.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item.Key
}

// Released reports whether the lock has been released.
func (e *EditOperation) Released() bool {
	return e.lock.Released()
}

// Commit saves the edited copy, releases the lock and requests a commit.
// After the operation is closed it returns locks.ErrItemNotLocked.
func (e *EditOperation) Commit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lock.Validate(); err != nil {
		return err
	}
	if err := e.typ.put(ctx, e.item, e.lock.ID()); err != nil {
		return err
	}
	e.lock.Release()
	e.typ.manager.StartCommit()
	return nil
}

// Cancel releases the lock, discarding the edit.
func (e *EditOperation) Cancel() {
	e.lock.Release()
}

// Close is Cancel.
func (e *EditOperation) Close() error {
	e.lock.Release()
	return nil
}
