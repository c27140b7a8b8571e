// Package locks provides the item lock table: non-blocking, identity-checked
// locks that guard an item for the length of an edit session or a commit
// attempt.
//
// A lock is authorized by the id it was issued with, not by the item id, so a
// stale handle can never release a lock someone else acquired later:
//
//	lock := table.AcquireItemLock(itemID)
//	if lock == nil {
//	    return // someone else is editing
//	}
//	defer lock.Release()
package locks

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	// ErrItemNotLocked is returned when releasing or validating a lock that
	// is not held.
	ErrItemNotLocked = errors.New("item is not locked")

	// ErrItemLockMismatch is returned when the presented lock id is not the
	// one held for the item.
	ErrItemLockMismatch = errors.New("item lock id mismatch")

	// ErrInvalidItemID is returned for an empty item id.
	ErrInvalidItemID = errors.New("invalid item id")

	// ErrInvalidLockID is returned for the zero lock id.
	ErrInvalidLockID = errors.New("invalid lock id")
)

// NotAcquired is the lock id returned when a lock is unavailable.
const NotAcquired int64 = 0

// Info describes a held lock.
type Info struct {
	ItemID     string
	LockID     int64
	AcquiredAt time.Time
}

// Table holds at most one lock per item id. It never blocks and never
// performs I/O while holding its mutex.
type Table struct {
	mu     sync.Mutex
	locks  map[string]Info
	nextID int64
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]Info)}
}

// AcquireLock returns a fresh lock id for itemID, or NotAcquired when the
// item is already locked.
func (t *Table) AcquireLock(itemID string) (int64, error) {
	if itemID == "" {
		return NotAcquired, ErrInvalidItemID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[itemID]; held {
		return NotAcquired, nil
	}
	id := t.newLockIDLocked()
	t.locks[itemID] = Info{ItemID: itemID, LockID: id, AcquiredAt: time.Now()}
	return id, nil
}

func (t *Table) newLockIDLocked() int64 {
	if t.nextID >= math.MaxInt64-1 {
		t.nextID = 0
	}
	t.nextID++
	return t.nextID
}

// ReleaseLock releases the lock held for itemID under lockID.
func (t *Table) ReleaseLock(itemID string, lockID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.validateLocked(itemID, lockID); err != nil {
		return err
	}
	delete(t.locks, itemID)
	return nil
}

// SafeReleaseLock releases the lock if lockID still holds it and reports
// whether it did. Errors are swallowed; use it in cleanup paths.
func (t *Table) SafeReleaseLock(itemID string, lockID int64) bool {
	return t.ReleaseLock(itemID, lockID) == nil
}

// ValidateLock checks that lockID currently holds the lock for itemID.
func (t *Table) ValidateLock(itemID string, lockID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validateLocked(itemID, lockID)
}

func (t *Table) validateLocked(itemID string, lockID int64) error {
	if itemID == "" {
		return ErrInvalidItemID
	}
	if lockID == NotAcquired {
		return ErrInvalidLockID
	}
	info, held := t.locks[itemID]
	if !held {
		return fmt.Errorf("%w: %s", ErrItemNotLocked, itemID)
	}
	if info.LockID != lockID {
		return fmt.Errorf("%w: %s held by %d, not %d", ErrItemLockMismatch, itemID, info.LockID, lockID)
	}
	return nil
}

// AcquireItemLock returns a handle for itemID, or nil when the item is
// already locked or the id is empty.
func (t *Table) AcquireItemLock(itemID string) *Lock {
	id, err := t.AcquireLock(itemID)
	if err != nil || id == NotAcquired {
		return nil
	}
	return &Lock{table: t, itemID: itemID, lockID: id}
}

// IsItemLocked reports whether any lock is held for itemID.
func (t *Table) IsItemLocked(itemID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.locks[itemID]
	return held
}

// LockInfo returns the lock held for itemID.
func (t *Table) LockInfo(itemID string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, held := t.locks[itemID]
	return info, held
}

// LockedItems returns the ids of all locked items, sorted.
func (t *Table) LockedItems() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.locks))
	for id := range t.locks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of held locks.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Lock is a held item lock. Release is idempotent.
type Lock struct {
	table  *Table
	itemID string
	lockID int64

	mu       sync.Mutex
	released bool
}

// ItemID returns the locked item id.
func (l *Lock) ItemID() string {
	return l.itemID
}

// ID returns the lock id.
func (l *Lock) ID() int64 {
	return l.lockID
}

// Released reports whether Release has been called.
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Validate checks that the lock is still held.
func (l *Lock) Validate() error {
	if l.Released() {
		return fmt.Errorf("%w: %s", ErrItemNotLocked, l.itemID)
	}
	return l.table.ValidateLock(l.itemID, l.lockID)
}

// Release releases the lock. Calls after the first do nothing.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.table.SafeReleaseLock(l.itemID, l.lockID)
}
