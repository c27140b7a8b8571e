package objectstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
)

type memEntry struct {
	value   []byte
	updated time.Time
}

type memNode struct {
	values   map[string]memEntry
	children map[string]*memNode
}

func newMemNode() *memNode {
	return &memNode{
		values:   make(map[string]memEntry),
		children: make(map[string]*memNode),
	}
}

// Memory is an in-process Store. A root and all its children share one mutex.
type Memory struct {
	mu    *sync.Mutex
	node  *memNode
	clock clock.Clock
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.System())
}

// NewMemoryWithClock returns an empty in-memory store stamping update dates with c.
func NewMemoryWithClock(c clock.Clock) *Memory {
	return &Memory{mu: &sync.Mutex{}, node: newMemNode(), clock: clock.OrSystem(c)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.node.values[key]
	if !ok {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	return bytes.Clone(e.value), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.values[key] = memEntry{value: bytes.Clone(value), updated: m.clock.Now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.node.values, key)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.node.values[key]
	return ok, nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.node.values))
	for k := range m.node.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.values = make(map[string]memEntry)
	m.node.children = make(map[string]*memNode)
	return nil
}

func (m *Memory) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.node.values[key]
	if !ok {
		return time.Time{}, ErrKeyNotFound.New("%q", key)
	}
	return e.updated, nil
}

func (m *Memory) CreateChild(ctx context.Context, name string) (Store, error) {
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	child, ok := m.node.children[name]
	if !ok {
		child = newMemNode()
		m.node.children[name] = child
	}
	return &Memory{mu: m.mu, node: child, clock: m.clock}, nil
}

func (m *Memory) DeleteChild(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.node.children, name)
	return nil
}

func (m *Memory) ChildExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.node.children[name]
	return ok, nil
}
