package changes

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
)

// Table is the persistent ledger of pending changes, one per item id.
//
// Each change is stored as its own object keyed by item id. An in-memory
// index of changed item ids is built from the store's keys on first use and
// maintained from then on. Every operation holds the table's single mutex;
// storage errors are returned as is.
type Table struct {
	store objectstore.Store
	clock clock.Clock

	mu    sync.Mutex
	index map[string]struct{}
}

// NewTable returns a change table persisted in store.
func NewTable(store objectstore.Store, clk clock.Clock) *Table {
	return &Table{store: store, clock: clock.OrSystem(clk)}
}

// TrackChange records a mutation of key and returns a copy of the resulting
// pending change.
func (t *Table) TrackChange(ctx context.Context, typeID string, key item.Key, typ Type) (*Change, error) {
	if typeID == "" {
		return nil, fmt.Errorf("%w: missing type id", ErrInvalidChange)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if typ != Put && typ != Remove {
		return nil, fmt.Errorf("%w: unknown change type %q", ErrInvalidChange, typ)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.getLocked(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	change, err := merge(existing, typeID, key, typ, t.clock.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	if err := t.saveLocked(ctx, change); err != nil {
		return nil, err
	}
	if t.index != nil {
		t.index[key.ID] = struct{}{}
	}
	return change.Clone(), nil
}

// Change returns the pending change for itemID, or nil.
func (t *Table) Change(ctx context.Context, itemID string) (*Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(ctx, itemID)
}

// SaveChange persists change as is. The commit manager uses it to record
// attempt counts.
func (t *Table) SaveChange(ctx context.Context, change *Change) error {
	if err := change.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.saveLocked(ctx, change); err != nil {
		return err
	}
	if t.index != nil {
		t.index[change.ItemID()] = struct{}{}
	}
	return nil
}

// ChangeQueue returns the ids of changed items in commit order.
func (t *Table) ChangeQueue(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all, err := t.allLocked(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, Compare)
	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.ItemID()
	}
	return ids, nil
}

// Changes returns every pending change in commit order.
func (t *Table) Changes(ctx context.Context) ([]*Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all, err := t.allLocked(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, Compare)
	return all, nil
}

// ChangesForItems returns the pending changes of the given items, skipping
// items without one.
func (t *Table) ChangesForItems(ctx context.Context, itemIDs []string) ([]*Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Change
	for _, id := range itemIDs {
		c, err := t.getLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// RemoveChange drops the pending change for itemID.
func (t *Table) RemoveChange(ctx context.Context, itemID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(ctx, itemID)
}

// RemoveAllChanges drops every pending change.
func (t *Table) RemoveAllChanges(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureIndexLocked(ctx); err != nil {
		return err
	}
	for id := range t.index {
		if err := t.deleteLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllChangesForType drops the pending changes of one type.
func (t *Table) RemoveAllChangesForType(ctx context.Context, typeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, err := t.idsForTypeLocked(ctx, typeID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.deleteLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// HasChanges reports whether any change is pending.
func (t *Table) HasChanges(ctx context.Context) (bool, error) {
	n, err := t.ChangeCount(ctx)
	return n > 0, err
}

// HasChangesForItem reports whether itemID has a pending change.
func (t *Table) HasChangesForItem(ctx context.Context, itemID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureIndexLocked(ctx); err != nil {
		return false, err
	}
	_, ok := t.index[itemID]
	return ok, nil
}

// HasChangesForType reports whether any item of typeID has a pending change.
func (t *Table) HasChangesForType(ctx context.Context, typeID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureIndexLocked(ctx); err != nil {
		return false, err
	}
	for id := range t.index {
		c, err := t.getLocked(ctx, id)
		if err != nil {
			return false, err
		}
		if c != nil && c.IsForType(typeID) {
			return true, nil
		}
	}
	return false, nil
}

// ChangeCount returns the number of pending changes.
func (t *Table) ChangeCount(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureIndexLocked(ctx); err != nil {
		return 0, err
	}
	return len(t.index), nil
}

// ChangedItemIDs returns the ids of all changed items, sorted.
func (t *Table) ChangedItemIDs(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.index))
	for id := range t.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ChangedItemIDsForType returns the ids of changed items of typeID, sorted.
func (t *Table) ChangedItemIDsForType(ctx context.Context, typeID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idsForTypeLocked(ctx, typeID)
}

func (t *Table) idsForTypeLocked(ctx context.Context, typeID string) ([]string, error) {
	if err := t.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for id := range t.index {
		c, err := t.getLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil && c.IsForType(typeID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *Table) ensureIndexLocked(ctx context.Context) error {
	if t.index != nil {
		return nil
	}
	keys, err := t.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load change index: %w", err)
	}
	t.index = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		t.index[k] = struct{}{}
	}
	return nil
}

func (t *Table) getLocked(ctx context.Context, itemID string) (*Change, error) {
	if itemID == "" {
		return nil, fmt.Errorf("%w: missing item id", ErrInvalidChange)
	}
	var c Change
	found, err := objectstore.GetJSON(ctx, t.store, itemID, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (t *Table) allLocked(ctx context.Context) ([]*Change, error) {
	if err := t.ensureIndexLocked(ctx); err != nil {
		return nil, err
	}
	all := make([]*Change, 0, len(t.index))
	for id := range t.index {
		c, err := t.getLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			all = append(all, c)
		}
	}
	return all, nil
}

func (t *Table) saveLocked(ctx context.Context, c *Change) error {
	return objectstore.PutJSON(ctx, t.store, c.ItemID(), c)
}

func (t *Table) deleteLocked(ctx context.Context, itemID string) error {
	if err := t.store.Delete(ctx, itemID); err != nil {
		return err
	}
	if t.index != nil {
		delete(t.index, itemID)
	}
	return nil
}
