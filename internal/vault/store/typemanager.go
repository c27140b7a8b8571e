package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/notify"
)

// TypeEvent reports that a committed change updated a loaded type.
type TypeEvent struct {
	Record string
	TypeID string
}

// TypeManager hands out the SynchronizedType of each item type of a record.
//
// Get returns a shared, reference counted instance; every Get must be paired
// with a Release. Released types stay loaded in a small LRU so frequently
// used types are not reread from the metadata store.
type TypeManager struct {
	records *RecordStore
	log     *zap.Logger

	mu     sync.Mutex
	active map[string]*typeHandle
	idle   *lru.Cache[string, *SynchronizedType]

	immediateMu     sync.RWMutex
	immediateCommit bool

	events notify.Hub[TypeEvent]
}

type typeHandle struct {
	typ  *SynchronizedType
	refs int
}

func newTypeManager(records *RecordStore, config *Config) (*TypeManager, error) {
	m := &TypeManager{
		records:         records,
		log:             config.Logger.Named("types").With(zap.String("record", records.ID())),
		active:          make(map[string]*typeHandle),
		immediateCommit: config.ImmediateCommit,
	}
	if config.MaxIdleTypes > 0 {
		idle, err := lru.New[string, *SynchronizedType](config.MaxIdleTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to create idle type cache: %w", err)
		}
		m.idle = idle
	}
	return m, nil
}

// Get returns the SynchronizedType for typeID, loading it on first use.
func (m *TypeManager) Get(ctx context.Context, typeID string) (*SynchronizedType, error) {
	if typeID == "" {
		return nil, fmt.Errorf("%w: type id is empty", ErrInvalidName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.active[typeID]; ok {
		h.refs++
		return h.typ, nil
	}
	if m.idle != nil {
		if t, ok := m.idle.Get(typeID); ok {
			m.idle.Remove(typeID)
			m.active[typeID] = &typeHandle{typ: t, refs: 1}
			return t, nil
		}
	}

	t := newSynchronizedType(m, typeID)
	if err := t.load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load type %s: %w", typeID, err)
	}
	m.active[typeID] = &typeHandle{typ: t, refs: 1}
	m.log.Debug("loaded type", zap.String("type", typeID))
	return t, nil
}

// GetMultiple returns the types for typeIDs in order. On error every type
// already obtained is released.
func (m *TypeManager) GetMultiple(ctx context.Context, typeIDs []string) ([]*SynchronizedType, error) {
	if len(typeIDs) == 0 {
		return nil, fmt.Errorf("%w: no type ids", ErrInvalidName)
	}
	types := make([]*SynchronizedType, 0, len(typeIDs))
	for _, id := range typeIDs {
		t, err := m.Get(ctx, id)
		if err != nil {
			m.Release(types...)
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// Release returns types obtained from Get. A type whose last reference is
// released moves to the idle cache.
func (m *TypeManager) Release(types ...*SynchronizedType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types {
		if t == nil {
			continue
		}
		h, ok := m.active[t.typeID]
		if !ok || h.typ != t {
			continue
		}
		h.refs--
		if h.refs > 0 {
			continue
		}
		delete(m.active, t.typeID)
		if m.idle != nil {
			m.idle.Add(t.typeID, t)
		}
	}
}

// LoadedTypes returns the ids of every type currently held or idle.
func (m *TypeManager) LoadedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	if m.idle != nil {
		for _, id := range m.idle.Keys() {
			if _, ok := m.active[id]; !ok {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// RefCount returns the outstanding Get count for typeID.
func (m *TypeManager) RefCount(typeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[typeID]; ok {
		return h.refs
	}
	return 0
}

// SynchronizeTypes synchronizes every type in typeIDs older than maxAge in a
// single remote call and returns the ids it synchronized, or nil.
func (m *TypeManager) SynchronizeTypes(ctx context.Context, typeIDs []string, maxAge time.Duration) ([]string, error) {
	if len(typeIDs) == 0 {
		return nil, nil
	}
	types, err := m.GetMultiple(ctx, typeIDs)
	if err != nil {
		return nil, err
	}
	defer m.Release(types...)

	views := make([]SyncView, len(types))
	for i, t := range types {
		views[i] = t
	}
	synced, err := NewSynchronizer(m.records.Data()).Synchronize(ctx, views, maxAge)
	if err != nil {
		return nil, err
	}
	if len(synced) == 0 {
		return nil, nil
	}
	ids := make([]string, len(synced))
	for i, v := range synced {
		ids[i] = v.(*SynchronizedType).TypeID()
	}
	return ids, nil
}

func (m *TypeManager) ImmediateCommitEnabled() bool {
	m.immediateMu.RLock()
	defer m.immediateMu.RUnlock()
	return m.immediateCommit
}

// SetImmediateCommitEnabled turns background commits after edits on or off.
func (m *TypeManager) SetImmediateCommitEnabled(enabled bool) {
	m.immediateMu.Lock()
	defer m.immediateMu.Unlock()
	m.immediateCommit = enabled
}

// StartCommit starts a background commit when immediate commit is enabled.
func (m *TypeManager) StartCommit() bool {
	if !m.ImmediateCommitEnabled() {
		return false
	}
	return m.records.Data().Changes().StartCommit()
}

// Subscribe returns a channel of type update events.
func (m *TypeManager) Subscribe(size int) (<-chan TypeEvent, func()) {
	return m.events.Subscribe(size)
}

// OnChangeCommitted moves the view key of a committed Put to its server key.
func (m *TypeManager) OnChangeCommitted(ctx context.Context, change *changes.Change) error {
	if change == nil || change.Type != changes.Put {
		return nil
	}
	t, err := m.Get(ctx, change.TypeID)
	if err != nil {
		return err
	}
	defer m.Release(t)
	if err := t.OnPutCommitted(ctx, change); err != nil {
		return fmt.Errorf("failed to update type %s: %w", change.TypeID, err)
	}
	m.events.Publish(TypeEvent{Record: m.records.ID(), TypeID: change.TypeID})
	return nil
}

// close drops every loaded type.
func (m *TypeManager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]*typeHandle)
	if m.idle != nil {
		m.idle.Purge()
	}
	m.events.Close()
}
