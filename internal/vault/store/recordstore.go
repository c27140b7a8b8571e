package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// Child area names under a record's folder.
const (
	DataArea     = "Data"
	ChangesArea  = "Changes"
	MetadataArea = "Metadata"
	BlobsArea    = "Blobs"
)

const (
	viewKeySuffix        = "_View"
	storedQueryKeySuffix = "_StoredQuery"
)

// RecordStore is the local state of one health record: its synchronized
// items, pending changes, persisted views and stored queries, and blobs.
type RecordStore struct {
	id     string
	config *Config
	log    *zap.Logger

	data  *SynchronizedStore
	types *TypeManager
	blobs *LocalStore

	metaMu   sync.Mutex
	metadata *LocalStore
}

// NewRecordStore opens the record recordID under root, creating its areas
// on first use. cache may be nil.
func NewRecordStore(ctx context.Context, root objectstore.Store, recordID string, rs remote.ItemStore, cache *objectstore.Cache, config *Config) (*RecordStore, error) {
	if root == nil {
		return nil, fmt.Errorf("root store cannot be nil")
	}
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id is empty", ErrInvalidName)
	}
	config = config.withDefaults()

	recordRoot, err := root.CreateChild(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to open record %s: %w", recordID, err)
	}
	areas := make(map[string]objectstore.Store, 4)
	for _, name := range []string{DataArea, ChangesArea, MetadataArea, BlobsArea} {
		child, err := recordRoot.CreateChild(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s area of record %s: %w", name, recordID, err)
		}
		areas[name] = child
	}

	local := NewLocalItemStore(areas[DataArea], cache, recordID+"/"+DataArea)
	table := changes.NewTable(areas[ChangesArea], config.Clock)
	data, err := NewSynchronizedStore(recordID, local, table, rs, config)
	if err != nil {
		return nil, err
	}

	r := &RecordStore{
		id:       recordID,
		config:   config,
		log:      config.Logger.Named("record").With(zap.String("record", recordID)),
		data:     data,
		blobs:    NewLocalStore(areas[BlobsArea]),
		metadata: NewLocalStore(areas[MetadataArea]),
	}
	r.types, err = newTypeManager(r, config)
	if err != nil {
		data.Close()
		return nil, err
	}
	data.Changes().SetTypeNotifier(r.types)
	return r, nil
}

// ID returns the record id.
func (r *RecordStore) ID() string {
	return r.id
}

// Data returns the synchronized item store.
func (r *RecordStore) Data() *SynchronizedStore {
	return r.data
}

// Types returns the type manager.
func (r *RecordStore) Types() *TypeManager {
	return r.types
}

// Blobs returns the blob area.
func (r *RecordStore) Blobs() *LocalStore {
	return r.blobs
}

// Metadata returns the metadata area holding views and stored queries.
func (r *RecordStore) Metadata() *LocalStore {
	return r.metadata
}

// SetRemote rebinds the record to a remote store.
func (r *RecordStore) SetRemote(rs remote.ItemStore) error {
	return r.data.SetRemote(rs)
}

// CreateView returns a new, unsaved view named name over query.
func (r *RecordStore) CreateView(name string, query *item.Query) (*SynchronizedView, error) {
	data, err := NewViewData(query, name)
	if err != nil {
		return nil, err
	}
	return r.newView(data)
}

// GetView loads the saved view name. It returns nil when no view is saved
// under name or the saved data carries another name.
func (r *RecordStore) GetView(ctx context.Context, name string) (*SynchronizedView, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: view name is empty", ErrInvalidName)
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.getViewLocked(ctx, name)
}

// GetViews loads several saved views. Missing views are nil entries.
func (r *RecordStore) GetViews(ctx context.Context, names []string) ([]*SynchronizedView, error) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	views := make([]*SynchronizedView, len(names))
	for i, name := range names {
		v, err := r.getViewLocked(ctx, name)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

// PutView saves view.
func (r *RecordStore) PutView(ctx context.Context, view *SynchronizedView) error {
	if view == nil {
		return fmt.Errorf("view cannot be nil")
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.putViewLocked(ctx, view)
}

// PutViews saves several views, stopping at the first failure.
func (r *RecordStore) PutViews(ctx context.Context, views []*SynchronizedView) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	for _, v := range views {
		if v == nil {
			continue
		}
		if err := r.putViewLocked(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// DeleteView removes the saved view name. Missing views are not an error.
func (r *RecordStore) DeleteView(ctx context.Context, name string) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.deleteMetadata(ctx, name+viewKeySuffix)
}

// StoredQuery loads the stored query name, or returns nil.
func (r *RecordStore) StoredQuery(ctx context.Context, name string) (*StoredQuery, error) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	var q StoredQuery
	found, err := r.metadata.GetJSON(ctx, name+storedQueryKeySuffix, &q)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored query %s: %w", name, err)
	}
	if !found || q.Name != name {
		return nil, nil
	}
	return &q, nil
}

// PutStoredQuery saves q under its name.
func (r *RecordStore) PutStoredQuery(ctx context.Context, q *StoredQuery) error {
	if q == nil || q.Name == "" {
		return fmt.Errorf("%w: stored query needs a name", ErrInvalidName)
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	if err := r.metadata.PutJSON(ctx, q.Name+storedQueryKeySuffix, q); err != nil {
		return fmt.Errorf("failed to save stored query %s: %w", q.Name, err)
	}
	return nil
}

func (r *RecordStore) DeleteStoredQuery(ctx context.Context, name string) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.deleteMetadata(ctx, name+storedQueryKeySuffix)
}

// HasChanges reports whether the record has uncommitted changes.
func (r *RecordStore) HasChanges(ctx context.Context) (bool, error) {
	return r.data.HasChanges(ctx)
}

// CommitChanges commits every pending change of the record.
func (r *RecordStore) CommitChanges(ctx context.Context) error {
	return r.data.CommitChanges(ctx)
}

// Close stops background work and drops loaded types.
func (r *RecordStore) Close() {
	r.data.Close()
	r.types.close()
}

func (r *RecordStore) newView(data *ViewData) (*SynchronizedView, error) {
	v, err := NewSynchronizedView(r.data, data)
	if err != nil {
		return nil, err
	}
	if err := v.SetReadAheadChunkSize(r.config.ReadAheadChunkSize); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *RecordStore) getViewLocked(ctx context.Context, name string) (*SynchronizedView, error) {
	var data ViewData
	found, err := r.metadata.GetJSON(ctx, name+viewKeySuffix, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to load view %s: %w", name, err)
	}
	if !found || data.Name != name {
		return nil, nil
	}
	return r.newView(&data)
}

func (r *RecordStore) putViewLocked(ctx context.Context, view *SynchronizedView) error {
	data := view.Data()
	if err := r.metadata.PutJSON(ctx, data.Name+viewKeySuffix, data); err != nil {
		return fmt.Errorf("failed to save view %s: %w", data.Name, err)
	}
	return nil
}

func (r *RecordStore) deleteMetadata(ctx context.Context, key string) error {
	err := r.metadata.Delete(ctx, key)
	if err != nil && !objectstore.ErrKeyNotFound.Has(err) {
		return err
	}
	return nil
}
