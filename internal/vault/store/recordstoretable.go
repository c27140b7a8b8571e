package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// RemoteFactory returns the remote item store of a record.
type RemoteFactory func(recordID string) remote.ItemStore

// RecordStoreTable opens and caches the RecordStore of every record under a
// root object store. All records share one item cache.
type RecordStoreTable struct {
	root    objectstore.Store
	factory RemoteFactory
	config  *Config
	cache   *objectstore.Cache
	log     *zap.Logger

	mu      sync.Mutex
	records map[string]*RecordStore
	closed  bool
}

// NewRecordStoreTable returns a table of record stores under root. factory
// may be nil, leaving records unbound until SetRemote.
func NewRecordStoreTable(root objectstore.Store, factory RemoteFactory, config *Config) (*RecordStoreTable, error) {
	if root == nil {
		return nil, fmt.Errorf("root store cannot be nil")
	}
	config = config.withDefaults()
	t := &RecordStoreTable{
		root:    root,
		factory: factory,
		config:  config,
		log:     config.Logger.Named("records"),
		records: make(map[string]*RecordStore),
	}
	if config.ItemCacheSize > 0 {
		cache, err := objectstore.NewCache(config.ItemCacheSize)
		if err != nil {
			return nil, err
		}
		t.cache = cache
	}
	return t, nil
}

// Cache returns the shared item cache, or nil when caching is disabled.
func (t *RecordStoreTable) Cache() *objectstore.Cache {
	return t.cache
}

// Get returns the record store of recordID, opening it on first use.
func (t *RecordStoreTable) Get(ctx context.Context, recordID string) (*RecordStore, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if r, ok := t.records[recordID]; ok {
		return r, nil
	}
	var rs remote.ItemStore
	if t.factory != nil {
		rs = t.factory(recordID)
	}
	r, err := NewRecordStore(ctx, t.root, recordID, rs, t.cache, t.config)
	if err != nil {
		return nil, err
	}
	t.records[recordID] = r
	t.log.Debug("opened record", zap.String("record", recordID))
	return r, nil
}

// Records returns the ids of the open records, sorted.
func (t *RecordStoreTable) Records() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove closes the record and deletes all of its local state, including
// uncommitted changes.
func (t *RecordStoreTable) Remove(ctx context.Context, recordID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(ctx, recordID)
}

// RemoveAll removes every open record.
func (t *RecordStoreTable) RemoveAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.records {
		if err := t.removeLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// HasChanges reports whether any open record has uncommitted changes.
func (t *RecordStoreTable) HasChanges(ctx context.Context) (bool, error) {
	for _, r := range t.snapshot() {
		has, err := r.HasChanges(ctx)
		if err != nil || has {
			return has, err
		}
	}
	return false, nil
}

// CommitChanges commits the pending changes of every open record
// concurrently.
func (t *RecordStoreTable) CommitChanges(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range t.snapshot() {
		g.Go(func() error {
			if err := r.CommitChanges(gctx); err != nil {
				return fmt.Errorf("failed to commit record %s: %w", r.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every open record. The table cannot be used afterwards.
func (t *RecordStoreTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.records {
		r.Close()
		delete(t.records, id)
	}
	if t.cache != nil {
		t.cache.Purge()
	}
	t.closed = true
}

func (t *RecordStoreTable) removeLocked(ctx context.Context, recordID string) error {
	if r, ok := t.records[recordID]; ok {
		r.Data().Changes().SetCommitEnabled(false)
		r.Close()
		delete(t.records, recordID)
	}
	if t.cache != nil {
		t.cache.Purge()
	}
	exists, err := t.root.ChildExists(ctx, recordID)
	if err != nil || !exists {
		return err
	}
	if err := t.root.DeleteChild(ctx, recordID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", recordID, err)
	}
	t.log.Info("removed record", zap.String("record", recordID))
	return nil
}

func (t *RecordStoreTable) snapshot() []*RecordStore {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]*RecordStore, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	return records
}
