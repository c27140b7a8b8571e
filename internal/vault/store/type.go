package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

const typeViewPrefix = "Type_"

// TypeViewName returns the name of the persisted view for typeID.
func TypeViewName(typeID string) string {
	return typeViewPrefix + typeID
}

// SynchronizedType is the writable, persisted view of every item of one
// type. Obtain instances from a TypeManager.
//
// All view access is serialized by a per-type mutex. Edits take the item lock
// first, so a concurrent download never overwrites an item being edited.
type SynchronizedType struct {
	typeID  string
	manager *TypeManager

	mu   sync.Mutex
	view *SynchronizedView
}

func newSynchronizedType(m *TypeManager, typeID string) *SynchronizedType {
	return &SynchronizedType{typeID: typeID, manager: m}
}

// load reads the saved view, creating and saving an empty one the first
// time.
func (t *SynchronizedType) load(ctx context.Context) error {
	records := t.manager.records
	name := TypeViewName(t.typeID)
	view, err := records.GetView(ctx, name)
	if err != nil {
		return err
	}
	if view == nil {
		view, err = records.CreateView(name, item.QueryForTypeID(t.typeID))
		if err != nil {
			return err
		}
		if err := records.PutView(ctx, view); err != nil {
			return err
		}
	}
	view.setPublicSyncDisabled(true)
	t.view = view
	return nil
}

// TypeID returns the item type of the view.
func (t *SynchronizedType) TypeID() string {
	return t.typeID
}

// View returns the underlying view.
func (t *SynchronizedType) View() *SynchronizedView {
	return t.view
}

func (t *SynchronizedType) data() *SynchronizedStore {
	return t.manager.records.Data()
}

func (t *SynchronizedType) Len() int {
	return t.view.Len()
}

func (t *SynchronizedType) Keys() *item.ViewKeyCollection {
	return t.view.Keys()
}

func (t *SynchronizedType) LastUpdated() time.Time {
	return t.view.LastUpdated()
}

func (t *SynchronizedType) ReadAheadChunkSize() int {
	return t.view.ReadAheadChunkSize()
}

func (t *SynchronizedType) SetReadAheadChunkSize(n int) error {
	return t.view.SetReadAheadChunkSize(n)
}

func (t *SynchronizedType) ReadAheadMode() ReadAheadMode {
	return t.view.ReadAheadMode()
}

func (t *SynchronizedType) SetReadAheadMode(mode ReadAheadMode) {
	t.view.SetReadAheadMode(mode)
}

// Subscribe returns a channel of readahead events for the type's view.
func (t *SynchronizedType) Subscribe(size int) (<-chan ViewEvent, func()) {
	return t.view.Subscribe(size)
}

func (t *SynchronizedType) IsStale(maxAge time.Duration) bool {
	return t.view.IsStale(maxAge)
}

func (t *SynchronizedType) KeyAt(index int) (item.Key, error) {
	return t.view.KeyAt(index)
}

func (t *SynchronizedType) SynchronizationQuery() *item.Query {
	return t.view.SynchronizationQuery()
}

func (t *SynchronizedType) TypeVersions() []string {
	return t.view.TypeVersions()
}

// UpdateKeys replaces the keys. Callers save the type afterwards.
func (t *SynchronizedType) UpdateKeys(keys *item.ViewKeyCollection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.UpdateKeys(keys)
}

// MaxItems returns the query result cap, or -1 when unlimited.
func (t *SynchronizedType) MaxItems() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.view.data.Query.MaxResults
	if n <= 0 {
		return -1
	}
	return n
}

// SetMaxItems caps the number of items the type synchronizes. A negative
// value removes the cap; zero is rejected.
func (t *SynchronizedType) SetMaxItems(n int) error {
	if n == 0 {
		return fmt.Errorf("max items cannot be zero")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.mu.Lock()
	defer t.view.mu.Unlock()
	t.view.data.Query.MaxResults = max(n, 0)
	return nil
}

// EffectiveDateMin returns the lower date bound of the query, or nil.
func (t *SynchronizedType) EffectiveDateMin() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()
	return cloneTime(t.view.data.Query.FirstFilter().EffectiveDateMin)
}

func (t *SynchronizedType) SetEffectiveDateMin(d *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.mu.Lock()
	defer t.view.mu.Unlock()
	t.view.data.Query.FirstFilter().EffectiveDateMin = cloneTime(d)
}

// EffectiveDateMax returns the upper date bound of the query, or nil.
func (t *SynchronizedType) EffectiveDateMax() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.mu.RLock()
	defer t.view.mu.RUnlock()
	return cloneTime(t.view.data.Query.FirstFilter().EffectiveDateMax)
}

func (t *SynchronizedType) SetEffectiveDateMax(d *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.mu.Lock()
	defer t.view.mu.Unlock()
	t.view.data.Query.FirstFilter().EffectiveDateMax = cloneTime(d)
}

// GetItem returns the item at index, or nil while it downloads.
func (t *SynchronizedType) GetItem(ctx context.Context, index int) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItem(ctx, index, false)
}

func (t *SynchronizedType) GetItemByKey(ctx context.Context, key item.Key) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItemByKey(ctx, key, false)
}

func (t *SynchronizedType) GetItems(ctx context.Context, startAt, count int) ([]*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItems(ctx, startAt, count, false)
}

func (t *SynchronizedType) GetLocalItem(ctx context.Context, index int) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetLocalItem(ctx, index)
}

func (t *SynchronizedType) GetLocalItemByKey(ctx context.Context, key item.Key) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetLocalItemByKey(ctx, key)
}

func (t *SynchronizedType) KeysNeedingDownload(ctx context.Context, startAt, count int) ([]item.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.KeysNeedingDownload(ctx, startAt, count)
}

// EnsureItemAvailableAndGet returns the item at index, waiting for its
// download if needed.
func (t *SynchronizedType) EnsureItemAvailableAndGet(ctx context.Context, index int) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItem(ctx, index, true)
}

func (t *SynchronizedType) EnsureItemAvailableAndGetByKey(ctx context.Context, key item.Key) (*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItemByKey(ctx, key, true)
}

func (t *SynchronizedType) EnsureItemsAvailableAndGet(ctx context.Context, startAt, count int) ([]*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.GetItems(ctx, startAt, count, true)
}

func (t *SynchronizedType) Select(ctx context.Context, pred Predicate) ([]*item.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.Select(ctx, pred)
}

func (t *SynchronizedType) SelectKeys(ctx context.Context, pred Predicate) ([]item.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.SelectKeys(ctx, pred)
}

// HasPendingChanges reports whether any item of the type has an uncommitted
// change.
func (t *SynchronizedType) HasPendingChanges(ctx context.Context) (bool, error) {
	return t.data().Changes().Table().HasChangesForType(ctx, t.typeID)
}

// Synchronize replaces the keys with the remote result and saves the view.
// It does nothing and returns false while the type has pending changes, so
// uncommitted local items do not vanish from the view.
func (t *SynchronizedType) Synchronize(ctx context.Context) (bool, error) {
	pending, err := t.HasPendingChanges(ctx)
	if err != nil || pending {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.view.synchronize(ctx); err != nil {
		return false, err
	}
	if err := t.saveLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SynchronizeIfStale synchronizes when the view is older than maxAge and
// reports whether it did.
func (t *SynchronizedType) SynchronizeIfStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	if !t.IsStale(maxAge) {
		return false, nil
	}
	return t.Synchronize(ctx)
}

// AddNew stores it as a new item of the type, adds it to the view and
// requests a commit.
func (t *SynchronizedType) AddNew(ctx context.Context, it *item.Item) error {
	if err := t.validateItem(it); err != nil {
		return err
	}
	data := t.data()
	if err := data.PrepareForNew(it); err != nil {
		return err
	}
	lock := data.Locks().AcquireItemLock(it.Key.ID)
	if lock == nil {
		return nil
	}
	err := func() error {
		defer lock.Release()
		if err := data.Put(ctx, it, lock.ID()); err != nil {
			return err
		}
		return t.addKey(ctx, it)
	}()
	if err != nil {
		return err
	}
	t.manager.StartCommit()
	return nil
}

// OpenForEdit locks the item and returns an edit operation over a copy of
// it. It returns nil when the item is locked by another edit or cannot be
// found.
func (t *SynchronizedType) OpenForEdit(ctx context.Context, key item.Key) (*EditOperation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	// downloads skip locked items, so fetch before locking
	it, err := t.EnsureItemAvailableAndGetByKey(ctx, key)
	if err != nil || it == nil {
		return nil, err
	}
	lock := t.data().Locks().AcquireItemLock(key.ID)
	if lock == nil {
		return nil, nil
	}
	it, err = t.GetLocalItemByKey(ctx, key)
	if err != nil || it == nil {
		lock.Release()
		return nil, err
	}
	return newEditOperation(t, it, lock), nil
}

// Remove deletes the item and requests a commit. It returns false when the
// item is locked by an edit.
func (t *SynchronizedType) Remove(ctx context.Context, key item.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	lock := t.data().Locks().AcquireItemLock(key.ID)
	if lock == nil {
		return false, nil
	}
	err := func() error {
		defer lock.Release()
		if err := t.data().Remove(ctx, t.typeID, key, lock.ID()); err != nil {
			return err
		}
		return t.removeKey(ctx, key)
	}()
	if err != nil {
		return false, err
	}
	t.manager.StartCommit()
	return true, nil
}

// Save persists the view.
func (t *SynchronizedType) Save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked(ctx)
}

// OnPutCommitted moves the view key of the committed item to its server key
// and date, and saves the view.
func (t *SynchronizedType) OnPutCommitted(ctx context.Context, change *changes.Change) error {
	committed := change.UpdatedItem
	if committed == nil {
		if change.LocalData == nil {
			return fmt.Errorf("committed change %s carries no item", change.ChangeID)
		}
		committed = change.LocalData.Clone()
		committed.Key = change.UpdatedKey
	}
	return t.updateKey(ctx, change.ItemID(), committed)
}

// put writes an edited item under the held lock and updates its view key.
func (t *SynchronizedType) put(ctx context.Context, it *item.Item, lockID int64) error {
	if err := t.validateItem(it); err != nil {
		return err
	}
	if err := t.data().Put(ctx, it, lockID); err != nil {
		return err
	}
	return t.updateKey(ctx, it.Key.ID, it)
}

func (t *SynchronizedType) addKey(ctx context.Context, it *item.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.view.Keys().InsertInOrder(it.ViewKey()); err != nil {
		return err
	}
	return t.saveLocked(ctx)
}

func (t *SynchronizedType) updateKey(ctx context.Context, itemID string, it *item.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	updated, err := t.view.Keys().UpdateKey(itemID, it.ViewKey())
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	return t.saveLocked(ctx)
}

func (t *SynchronizedType) removeKey(ctx context.Context, key item.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.view.Keys().RemoveByID(key.ID) {
		return nil
	}
	return t.saveLocked(ctx)
}

func (t *SynchronizedType) saveLocked(ctx context.Context) error {
	return t.manager.records.PutView(ctx, t.view)
}

func (t *SynchronizedType) validateItem(it *item.Item) error {
	if it == nil {
		return fmt.Errorf("item cannot be nil")
	}
	if it.TypeID != t.typeID {
		return fmt.Errorf("%w: item type %s, view type %s", changes.ErrTypeIDMismatch, it.TypeID, t.typeID)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
