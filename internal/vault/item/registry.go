package item

import (
	"fmt"
	"sort"
	"sync"
)

// Typed is implemented by every typed item payload (weight, blood pressure, ...).
type Typed interface {
	TypeID() string
}

// Factory returns an empty payload for one type id, ready for decoding.
type Factory func() Typed

// registry maps type ids to payload factories
var (
	registry      = make(map[string]Factory)
	registryMutex sync.RWMutex
)

// Register registers the payload factory for a type id.
// This is normally called from init() in the package defining the payload.
//
// Example:
//
//	func init() {
//	    item.Register(WeightTypeID, func() item.Typed { return &Weight{} })
//	}
func Register(typeID string, factory Factory) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if factory == nil {
		panic(fmt.Sprintf("item: Register factory is nil for type %s", typeID))
	}

	if _, exists := registry[typeID]; exists {
		panic(fmt.Sprintf("item: Register called twice for type %s", typeID))
	}

	registry[typeID] = factory
}

func lookup(typeID string) Factory {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	return registry[typeID]
}

// IsRegistered returns true if a factory is registered for the type id.
func IsRegistered(typeID string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[typeID]
	return exists
}

// RegisteredTypes returns all registered type ids in sorted order.
func RegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// UnregisterAll clears all registered factories.
// This is primarily useful for testing.
func UnregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[string]Factory)
}
