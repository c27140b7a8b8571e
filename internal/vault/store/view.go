package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/notify"
)

// ReadAheadMode decides where a readahead window starts.
type ReadAheadMode int

const (
	// ReadAheadPage snaps the window to the page containing the index.
	ReadAheadPage ReadAheadMode = iota
	// ReadAheadSequential starts the window at the index.
	ReadAheadSequential
)

func (m ReadAheadMode) String() string {
	switch m {
	case ReadAheadPage:
		return "page"
	case ReadAheadSequential:
		return "sequential"
	default:
		return fmt.Sprintf("ReadAheadMode(%d)", int(m))
	}
}

// ViewEventKind identifies a view event.
type ViewEventKind int

const (
	// ItemsAvailable: a download stored the listed keys locally.
	ItemsAvailable ViewEventKind = iota + 1
	// ItemsNotFound: the remote store did not return the listed keys.
	ItemsNotFound
	// ViewError: a background download failed.
	ViewError
)

func (k ViewEventKind) String() string {
	switch k {
	case ItemsAvailable:
		return "items_available"
	case ItemsNotFound:
		return "items_not_found"
	case ViewError:
		return "error"
	default:
		return fmt.Sprintf("ViewEventKind(%d)", int(k))
	}
}

// ViewEvent reports the outcome of a view readahead.
type ViewEvent struct {
	Kind ViewEventKind
	View string
	Keys []item.Key
	Err  error
}

// Predicate selects items in Select and SelectKeys.
type Predicate func(it *item.Item) bool

// SynchronizedView is an ordered, lazily populated projection of a query.
//
// The view holds only keys. Items are read from the local store; a request
// for a missing item downloads a readahead window of keys around it.
type SynchronizedView struct {
	store *SynchronizedStore

	mu                 sync.RWMutex
	data               *ViewData
	chunkSize          int
	mode               ReadAheadMode
	publicSyncDisabled bool

	events notify.Hub[ViewEvent]
}

// NewSynchronizedView returns a view over data.
func NewSynchronizedView(s *SynchronizedStore, data *ViewData) (*SynchronizedView, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if data == nil {
		return nil, fmt.Errorf("view data cannot be nil")
	}
	if err := data.validate(); err != nil {
		return nil, err
	}
	return &SynchronizedView{
		store:     s,
		data:      data,
		chunkSize: DefaultReadAheadChunkSize,
		mode:      ReadAheadPage,
	}, nil
}

// Store returns the synchronized store the view reads from.
func (v *SynchronizedView) Store() *SynchronizedStore {
	return v.store
}

func (v *SynchronizedView) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data.Name
}

// Data returns a snapshot of the persisted view state. Keys is shared with
// the view.
func (v *SynchronizedView) Data() *ViewData {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := *v.data
	cp.Query = v.data.Query.Clone()
	return &cp
}

// Keys returns the current key collection.
func (v *SynchronizedView) Keys() *item.ViewKeyCollection {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data.Keys
}

// Len returns the number of keys.
func (v *SynchronizedView) Len() int {
	return v.Keys().Len()
}

func (v *SynchronizedView) LastUpdated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data.LastUpdated
}

func (v *SynchronizedView) ReadAheadChunkSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.chunkSize
}

// SetReadAheadChunkSize sets how many keys a readahead downloads.
func (v *SynchronizedView) SetReadAheadChunkSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReadAhead, n)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunkSize = n
	return nil
}

func (v *SynchronizedView) ReadAheadMode() ReadAheadMode {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mode
}

func (v *SynchronizedView) SetReadAheadMode(mode ReadAheadMode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
}

// Subscribe returns a channel of readahead events.
func (v *SynchronizedView) Subscribe(size int) (<-chan ViewEvent, func()) {
	return v.events.Subscribe(size)
}

// IsStale reports whether the view has no keys or is older than maxAge.
func (v *SynchronizedView) IsStale(maxAge time.Duration) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data.IsStale(v.store.clock.Now(), maxAge)
}

// SynchronizationQuery returns the key-only query that refreshes the view.
func (v *SynchronizedView) SynchronizationQuery() *item.Query {
	v.mu.RLock()
	defer v.mu.RUnlock()
	q := v.data.Query.Clone()
	q.Name = v.data.Name
	q.Sections = item.SectionCore
	return q
}

// TypeVersions returns the type ids the view accepts.
func (v *SynchronizedView) TypeVersions() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.data.TypeVersions()...)
}

// UpdateKeys replaces the keys and marks the view as synchronized now.
func (v *SynchronizedView) UpdateKeys(keys *item.ViewKeyCollection) {
	if keys == nil {
		keys = item.NewViewKeyCollection()
	}
	now := v.store.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Keys = keys
	v.data.LastUpdated = now
}

// Synchronize replaces the keys with the current remote result of the view
// query.
func (v *SynchronizedView) Synchronize(ctx context.Context) error {
	v.mu.RLock()
	disabled := v.publicSyncDisabled
	v.mu.RUnlock()
	if disabled {
		return ErrPublicSyncDisabled
	}
	return v.synchronize(ctx)
}

func (v *SynchronizedView) synchronize(ctx context.Context) error {
	q := v.SynchronizationQuery()
	rs := v.store.Remote()
	if rs == nil {
		return ErrNoRemote
	}
	vks, err := rs.GetKeysAndDate(ctx, q.Filters, q.MaxResults)
	if err != nil {
		return fmt.Errorf("failed to synchronize view %s: %w", q.Name, err)
	}
	v.UpdateKeys(collectionFromViewKeys(vks))
	return nil
}

// KeyAt returns the item key at index.
func (v *SynchronizedView) KeyAt(index int) (item.Key, error) {
	vk, err := v.Keys().At(index)
	if err != nil {
		return item.Key{}, err
	}
	return vk.Key, nil
}

// IndexOfKey returns the position of key, or -1.
func (v *SynchronizedView) IndexOfKey(key item.Key) int {
	return v.Keys().IndexOf(key)
}

// GetItem returns the item at index when it is available locally. Otherwise
// it starts a readahead download and returns nil, or with wait set, waits for
// the download and returns what it stored.
func (v *SynchronizedView) GetItem(ctx context.Context, index int, wait bool) (*item.Item, error) {
	keys := v.Keys()
	if keys.Len() == 0 {
		return nil, nil
	}
	vk, err := keys.At(index)
	if err != nil {
		return nil, err
	}
	it, err := v.GetLocalItemByKey(ctx, vk.Key)
	if err != nil || it != nil {
		return it, err
	}

	if err := v.beginRefresh(ctx, v.windowStart(index), wait); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}
	return v.GetLocalItemByKey(ctx, vk.Key)
}

// GetItemByKey is GetItem addressed by key. It returns nil for keys not in
// the view.
func (v *SynchronizedView) GetItemByKey(ctx context.Context, key item.Key, wait bool) (*item.Item, error) {
	index := v.IndexOfKey(key)
	if index < 0 {
		return nil, nil
	}
	return v.GetItem(ctx, index, wait)
}

// GetItems returns up to count entries from startAt, nil for items not yet
// available.
func (v *SynchronizedView) GetItems(ctx context.Context, startAt, count int, wait bool) ([]*item.Item, error) {
	n := v.Len()
	if n == 0 {
		return nil, nil
	}
	if startAt < 0 || startAt >= n {
		return nil, fmt.Errorf("%w: %d", item.ErrIndexOutOfRange, startAt)
	}
	count = min(count, n-startAt)
	items := make([]*item.Item, 0, count)
	for i := startAt; i < startAt+count; i++ {
		it, err := v.GetItem(ctx, i, wait)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// EnsureItemAvailableAndGet returns the item at index, downloading it first
// if needed.
func (v *SynchronizedView) EnsureItemAvailableAndGet(ctx context.Context, index int) (*item.Item, error) {
	return v.GetItem(ctx, index, true)
}

func (v *SynchronizedView) EnsureItemAvailableAndGetByKey(ctx context.Context, key item.Key) (*item.Item, error) {
	return v.GetItemByKey(ctx, key, true)
}

// GetLocalItem returns the local copy of the item at index, or nil. It never
// downloads.
func (v *SynchronizedView) GetLocalItem(ctx context.Context, index int) (*item.Item, error) {
	key, err := v.KeyAt(index)
	if err != nil {
		return nil, err
	}
	return v.GetLocalItemByKey(ctx, key)
}

// GetLocalItemByKey returns the local copy for key when its type is accepted
// by the view, or nil.
func (v *SynchronizedView) GetLocalItemByKey(ctx context.Context, key item.Key) (*item.Item, error) {
	it, err := v.store.Local().Get(ctx, key)
	if err != nil || it == nil {
		return nil, err
	}
	if !item.TypeAllowed(v.TypeVersions(), it.TypeID) {
		return nil, nil
	}
	return it, nil
}

// KeysNeedingDownload returns the keys in the range without a local copy.
func (v *SynchronizedView) KeysNeedingDownload(ctx context.Context, startAt, count int) ([]item.Key, error) {
	keys, err := v.Keys().SelectItemKeys(startAt, count)
	if err != nil {
		return nil, err
	}
	var missing []item.Key
	for _, key := range keys {
		it, err := v.GetLocalItemByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if it == nil {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// Select returns every item of the view matching pred, downloading as
// needed.
func (v *SynchronizedView) Select(ctx context.Context, pred Predicate) ([]*item.Item, error) {
	if pred == nil {
		return nil, fmt.Errorf("predicate cannot be nil")
	}
	var matches []*item.Item
	for i, n := 0, v.Len(); i < n; i++ {
		it, err := v.GetItem(ctx, i, true)
		if err != nil {
			return nil, err
		}
		if it != nil && pred(it) {
			matches = append(matches, it)
		}
	}
	return matches, nil
}

// SelectKeys is Select returning keys.
func (v *SynchronizedView) SelectKeys(ctx context.Context, pred Predicate) ([]item.Key, error) {
	items, err := v.Select(ctx, pred)
	if err != nil {
		return nil, err
	}
	keys := make([]item.Key, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys, nil
}

func (v *SynchronizedView) windowStart(index int) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.mode == ReadAheadPage {
		return (index / v.chunkSize) * v.chunkSize
	}
	return index
}

func (v *SynchronizedView) beginRefresh(ctx context.Context, startAt int, wait bool) error {
	keys := v.Keys()
	requested, err := keys.CollectKeysNeedingDownload(startAt, v.ReadAheadChunkSize())
	if err != nil || len(requested) == 0 {
		return err
	}

	missing, err := v.store.KeysNotInLocalStore(ctx, requested, v.TypeVersions())
	if err != nil {
		keys.SetLoadPending(requested, false)
		return err
	}
	// items already local need no download; release their flags now
	if len(missing) < len(requested) {
		keys.SetLoadPending(without(requested, missing), false)
	}
	if len(missing) == 0 {
		return nil
	}

	var callback PendingGetFunc
	if !wait {
		callback = v.completePendingGet
	}
	result, err := v.store.Download(ctx, missing, v.TypeVersions(), callback)
	if result != nil {
		v.completePendingGet(result)
	}
	return err
}

// completePendingGet clears the load-pending flag of every requested key and
// publishes the outcome.
func (v *SynchronizedView) completePendingGet(result *PendingGetResult) {
	keys := v.Keys()
	keys.SetLoadPending(result.KeysRequested, false)

	name := v.Name()
	if err := result.EnsureSuccess(); err != nil {
		if !errors.Is(err, context.Canceled) {
			v.store.log.Warn("view download failed", zap.String("view", name), zap.Error(err))
		}
		v.events.Publish(ViewEvent{Kind: ViewError, View: name, Keys: result.KeysRequested, Err: err})
		return
	}
	if len(result.KeysFound) > 0 {
		v.events.Publish(ViewEvent{Kind: ItemsAvailable, View: name, Keys: result.KeysFound})
	}
	if notFound := result.KeysNotFound(); len(notFound) > 0 {
		v.events.Publish(ViewEvent{Kind: ItemsNotFound, View: name, Keys: notFound})
	}
}

func (v *SynchronizedView) setPublicSyncDisabled(disabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicSyncDisabled = disabled
}

// collectionFromViewKeys builds a collection, keeping the first key of any
// repeated item id.
func collectionFromViewKeys(vks []item.ViewKey) *item.ViewKeyCollection {
	c := item.NewViewKeyCollection()
	for _, vk := range vks {
		if c.ContainsID(vk.Key.ID) {
			continue
		}
		if err := c.Add(vk); err != nil {
			continue
		}
	}
	return c
}

// without returns the keys of all that are not in drop, matched by id.
func without(all, drop []item.Key) []item.Key {
	dropped := make(map[string]bool, len(drop))
	for _, k := range drop {
		dropped[k.ID] = true
	}
	var out []item.Key
	for _, k := range all {
		if !dropped[k.ID] {
			out = append(out, k)
		}
	}
	return out
}
