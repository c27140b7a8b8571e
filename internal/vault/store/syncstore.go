package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/locks"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// SynchronizedStore is the two-way synchronized item store of one record.
//
// Downloads never overwrite a local copy that is being edited (its item lock
// is held) or that has a pending change. Local writes require the caller to
// hold the item lock.
type SynchronizedStore struct {
	local   *LocalItemStore
	locks   *locks.Table
	changes *changes.Manager
	clock   clock.Clock
	log     *zap.Logger

	remoteMu sync.RWMutex
	remote   remote.ItemStore
	sections item.Sections

	// background downloads started with a callback
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSynchronizedStore creates a synchronized store over local and the change
// table, committing to rs. rs may be nil and bound later with SetRemote.
func NewSynchronizedStore(recordID string, local *LocalItemStore, table *changes.Table, rs remote.ItemStore, config *Config) (*SynchronizedStore, error) {
	if local == nil {
		return nil, fmt.Errorf("local item store cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("change table cannot be nil")
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &SynchronizedStore{
		local:    local,
		locks:    locks.NewTable(),
		clock:    config.Clock,
		log:      config.Logger.Named("store").With(zap.String("record", recordID)),
		remote:   rs,
		sections: config.Sections,
		ctx:      ctx,
		cancel:   cancel,
	}
	mgr, err := changes.NewManagerWithConfig(table, local, s, s.locks, config.managerConfig(recordID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create commit manager: %w", err)
	}
	s.changes = mgr
	return s, nil
}

// Local returns the local item store.
func (s *SynchronizedStore) Local() *LocalItemStore {
	return s.local
}

// Locks returns the item lock table.
func (s *SynchronizedStore) Locks() *locks.Table {
	return s.locks
}

// Changes returns the commit manager.
func (s *SynchronizedStore) Changes() *changes.Manager {
	return s.changes
}

// Remote returns the bound remote item store, or nil.
func (s *SynchronizedStore) Remote() remote.ItemStore {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

// SetRemote binds the remote item store used for downloads and commits.
func (s *SynchronizedStore) SetRemote(rs remote.ItemStore) error {
	if rs == nil {
		return fmt.Errorf("remote item store cannot be nil")
	}
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	s.remote = rs
	return nil
}

// Sections returns the sections requested by downloads.
func (s *SynchronizedStore) Sections() item.Sections {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.sections
}

func (s *SynchronizedStore) SetSections(sections item.Sections) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	s.sections = sections
}

// PrepareForNew gives it a fresh local-only key and, if unset, an effective
// date of now.
func (s *SynchronizedStore) PrepareForNew(it *item.Item) error {
	if it == nil {
		return fmt.Errorf("item cannot be nil")
	}
	it.Key = item.NewLocalKey()
	if it.EffectiveDate.IsZero() {
		it.EffectiveDate = s.clock.Now().UTC()
	}
	return nil
}

// NewItem prepares it as a new item, stores it locally and tracks it for
// commit.
func (s *SynchronizedStore) NewItem(ctx context.Context, it *item.Item) error {
	if err := s.PrepareForNew(it); err != nil {
		return err
	}
	lock := s.locks.AcquireItemLock(it.Key.ID)
	if lock == nil {
		// fresh local ids are never locked
		return fmt.Errorf("failed to lock new item %s", it.Key.ID)
	}
	defer lock.Release()
	return s.Put(ctx, it, lock.ID())
}

// Put writes it locally and tracks the change. The caller must hold the item
// lock identified by lockID.
func (s *SynchronizedStore) Put(ctx context.Context, it *item.Item, lockID int64) error {
	if it == nil {
		return fmt.Errorf("item cannot be nil")
	}
	if err := s.locks.ValidateLock(it.Key.ID, lockID); err != nil {
		return err
	}
	if it.EffectiveDate.IsZero() {
		it.EffectiveDate = s.clock.Now().UTC()
	}
	it.UpdatedAt = s.clock.Now().UTC()
	if err := s.local.Put(ctx, it); err != nil {
		return fmt.Errorf("failed to store item locally: %w", err)
	}
	if _, err := s.changes.TrackPut(ctx, it); err != nil {
		return fmt.Errorf("failed to track put: %w", err)
	}
	return nil
}

// Remove deletes the local copy of key and tracks the removal. The caller
// must hold the item lock identified by lockID.
func (s *SynchronizedStore) Remove(ctx context.Context, typeID string, key item.Key, lockID int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.locks.ValidateLock(key.ID, lockID); err != nil {
		return err
	}
	if err := s.local.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to remove local item: %w", err)
	}
	if _, err := s.changes.TrackRemove(ctx, typeID, key); err != nil {
		return fmt.Errorf("failed to track remove: %w", err)
	}
	return nil
}

// HasChanges reports whether any change is waiting to be committed.
func (s *SynchronizedStore) HasChanges(ctx context.Context) (bool, error) {
	return s.changes.Table().HasChanges(ctx)
}

// CommitChanges drains pending changes now.
func (s *SynchronizedStore) CommitChanges(ctx context.Context) error {
	return s.changes.Commit(ctx)
}

// GetByID returns the local copy stored under itemID, or nil.
func (s *SynchronizedStore) GetByID(ctx context.Context, itemID string) (*item.Item, error) {
	return s.local.GetByID(ctx, itemID)
}

// Get returns one entry per key: the local copy when it exists and its type
// passes typeVersions, nil otherwise.
//
// Missing items are downloaded. With a callback the download runs in the
// background, the nil entries stay nil and callback receives the outcome.
// Without one Get waits and fills in what the download found.
func (s *SynchronizedStore) Get(ctx context.Context, keys []item.Key, typeVersions []string, callback PendingGetFunc) ([]*item.Item, error) {
	items, err := s.local.GetMultiple(ctx, keys, true)
	if err != nil {
		return nil, err
	}
	pending := keysNeedingDownload(keys, typeVersions, items)
	if len(pending) == 0 {
		return items, nil
	}
	for i, it := range items {
		if it != nil && !item.TypeAllowed(typeVersions, it.TypeID) {
			items[i] = nil
		}
	}

	result, err := s.Download(ctx, pending, typeVersions, callback)
	if err != nil {
		return nil, err
	}
	if result == nil || !result.HasKeysFound() {
		return items, nil
	}

	// results are matched by id; the service may return them in any order
	found := result.foundIDs()
	for i, key := range keys {
		if !found[key.ID] {
			continue
		}
		it, err := s.local.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if it != nil {
			items[i] = it
		}
	}
	return items, nil
}

// Refresh downloads the keys that are not available locally. It returns nil
// when there is nothing to download or when the download runs in the
// background.
func (s *SynchronizedStore) Refresh(ctx context.Context, keys []item.Key, typeVersions []string, callback PendingGetFunc) (*PendingGetResult, error) {
	pending, err := s.KeysNotInLocalStore(ctx, keys, typeVersions)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	s.log.Debug("refreshing items", zap.Int("count", len(pending)))
	return s.Download(ctx, pending, typeVersions, callback)
}

// KeysNotInLocalStore returns the keys without a usable local copy.
func (s *SynchronizedStore) KeysNotInLocalStore(ctx context.Context, keys []item.Key, typeVersions []string) ([]item.Key, error) {
	items, err := s.local.GetMultiple(ctx, keys, true)
	if err != nil {
		return nil, err
	}
	return keysNeedingDownload(keys, typeVersions, items), nil
}

// Download fetches keys from the remote store, whether or not they are
// available locally.
//
// With a callback the download runs on a background goroutine tracked by
// Wait, and Download returns nil, nil. Without one it waits and returns the
// result together with the download error, if any.
func (s *SynchronizedStore) Download(ctx context.Context, keys []item.Key, typeVersions []string, callback PendingGetFunc) (*PendingGetResult, error) {
	if callback != nil {
		keys = append([]item.Key(nil), keys...)
		typeVersions = append([]string(nil), typeVersions...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			callback(s.downloadItems(s.ctx, keys, typeVersions))
		}()
		return nil, nil
	}
	result := s.downloadItems(ctx, keys, typeVersions)
	return result, result.EnsureSuccess()
}

// Wait blocks until every background download has delivered its callback.
func (s *SynchronizedStore) Wait() {
	s.wg.Wait()
}

// Close cancels background downloads and drains, then waits for them.
func (s *SynchronizedStore) Close() {
	s.cancel()
	s.wg.Wait()
	s.changes.Close()
}

// RefreshQuery returns the query used to download exactly keys.
func (s *SynchronizedStore) RefreshQuery(keys []item.Key, typeVersions []string) *item.Query {
	q := item.QueryForKeys(keys)
	q.Sections = s.Sections()
	if len(typeVersions) > 0 {
		q.TypeVersions = append([]string(nil), typeVersions...)
	}
	return q
}

func (s *SynchronizedStore) downloadItems(ctx context.Context, keys []item.Key, typeVersions []string) *PendingGetResult {
	result := &PendingGetResult{KeysRequested: keys}
	rs := s.Remote()
	if rs == nil {
		result.Err = ErrNoRemote
		return result
	}
	qr, err := rs.GetAllItems(ctx, s.RefreshQuery(keys, typeVersions))
	if err != nil {
		result.Err = fmt.Errorf("failed to download items: %w", err)
		return result
	}
	if qr == nil {
		return result
	}
	for _, it := range qr.Items {
		if err := s.safePut(ctx, it); err != nil {
			result.Err = err
			return result
		}
		result.KeysFound = append(result.KeysFound, it.Key)
	}
	return result
}

// safePut stores a downloaded item unless it is locked for editing or has a
// pending change.
func (s *SynchronizedStore) safePut(ctx context.Context, it *item.Item) error {
	lockID, err := s.locks.AcquireLock(it.Key.ID)
	if err != nil {
		return err
	}
	if lockID == locks.NotAcquired {
		s.log.Debug("skipping download of locked item", zap.String("id", it.Key.ID))
		return nil
	}
	defer s.locks.SafeReleaseLock(it.Key.ID, lockID)

	pending, err := s.changes.Table().HasChangesForItem(ctx, it.Key.ID)
	if err != nil {
		return fmt.Errorf("failed to check pending changes: %w", err)
	}
	if pending {
		s.log.Debug("skipping download of changed item", zap.String("id", it.Key.ID))
		return nil
	}
	return s.local.Put(ctx, it)
}

func keysNeedingDownload(keys []item.Key, typeVersions []string, local []*item.Item) []item.Key {
	var pending []item.Key
	for i, key := range keys {
		it := local[i]
		if it == nil || !item.TypeAllowed(typeVersions, it.TypeID) {
			pending = append(pending, key)
		}
	}
	return pending
}
