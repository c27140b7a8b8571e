package item

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// ViewKey is an item key with the effective date the remote service sorts by.
type ViewKey struct {
	Key           Key       `json:"key"`
	EffectiveDate time.Time `json:"effective_date"`

	// loadPending is set while a background download for the item is outstanding.
	// It is never persisted.
	loadPending bool
}

// NewViewKey returns a ViewKey for key and date.
func NewViewKey(key Key, effectiveDate time.Time) ViewKey {
	return ViewKey{Key: key, EffectiveDate: effectiveDate}
}

// CompareViewKeys orders by descending effective date, then ascending key.
// This matches the remote service's native result order.
func CompareViewKeys(a, b ViewKey) int {
	if c := b.EffectiveDate.Compare(a.EffectiveDate); c != 0 {
		return c
	}
	return a.Key.Compare(b.Key)
}

// IsLoadPending reports whether a download for the key is outstanding.
func (vk ViewKey) IsLoadPending() bool {
	return vk.loadPending
}

// ViewKeyCollection is an ordered set of view keys, unique by item id.
//
// The collection sorts lazily: mutations mark it unsorted and the next read
// that depends on order sorts it. All methods are safe for concurrent use.
type ViewKeyCollection struct {
	mu     sync.Mutex
	keys   []*ViewKey
	byID   map[string]*ViewKey
	sorted bool
}

// NewViewKeyCollection returns an empty collection.
func NewViewKeyCollection() *ViewKeyCollection {
	return &ViewKeyCollection{
		byID:   make(map[string]*ViewKey),
		sorted: true,
	}
}

// FromQueryResult builds a collection from the items of a query result.
// Items repeated in the result keep their first occurrence.
func FromQueryResult(result *QueryResult) *ViewKeyCollection {
	c := NewViewKeyCollection()
	if result == nil {
		return c
	}
	for _, it := range result.Items {
		if _, exists := c.byID[it.Key.ID]; exists {
			continue
		}
		vk := it.ViewKey()
		c.keys = append(c.keys, &vk)
		c.byID[it.Key.ID] = &vk
	}
	c.sorted = false
	return c
}

// FromViewKeys builds a collection from keys, rejecting duplicate ids.
func FromViewKeys(keys []ViewKey) (*ViewKeyCollection, error) {
	c := NewViewKeyCollection()
	if err := c.AddRange(keys); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the number of keys.
func (c *ViewKeyCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Add appends key. Returns ErrDuplicateKey if its item id is present.
func (c *ViewKeyCollection) Add(key ViewKey) error {
	if err := key.Key.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(key)
}

// AddRange appends all keys, stopping at the first duplicate.
func (c *ViewKeyCollection) AddRange(keys []ViewKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if err := key.Key.Validate(); err != nil {
			return err
		}
		if err := c.addLocked(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *ViewKeyCollection) addLocked(key ViewKey) error {
	if _, exists := c.byID[key.Key.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Key.ID)
	}
	vk := key
	c.keys = append(c.keys, &vk)
	c.byID[key.Key.ID] = &vk
	c.sorted = false
	return nil
}

// InsertInOrder inserts key at its sorted position, replacing any key
// with the same item id.
func (c *ViewKeyCollection) InsertInOrder(key ViewKey) error {
	if err := key.Key.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSorted()
	c.removeByIDLocked(key.Key.ID)
	vk := key
	i, _ := c.searchLocked(vk)
	c.keys = slices.Insert(c.keys, i, &vk)
	c.byID[key.Key.ID] = &vk
	return nil
}

// At returns the key at index in sorted order.
func (c *ViewKeyCollection) At(index int) (ViewKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.keys) {
		return ViewKey{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	c.ensureSorted()
	return *c.keys[index], nil
}

// ByID returns the key for an item id.
func (c *ViewKeyCollection) ByID(itemID string) (ViewKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vk, ok := c.byID[itemID]
	if !ok {
		return ViewKey{}, false
	}
	return *vk, true
}

// ContainsID reports whether the collection has a key for itemID.
func (c *ViewKeyCollection) ContainsID(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[itemID]
	return ok
}

// IndexOfID returns the sorted position of itemID, or -1.
func (c *ViewKeyCollection) IndexOfID(itemID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	vk, ok := c.byID[itemID]
	if !ok {
		return -1
	}
	c.ensureSorted()
	i, found := c.searchLocked(*vk)
	if !found {
		return -1
	}
	return i
}

// IndexOf returns the sorted position of key using binary search, or -1.
// Both the id and the version must match.
func (c *ViewKeyCollection) IndexOf(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	vk, ok := c.byID[key.ID]
	if !ok || !vk.Key.Equal(key) {
		return -1
	}
	c.ensureSorted()
	i, found := c.searchLocked(*vk)
	if !found {
		return -1
	}
	return i
}

// RemoveByID removes the key for itemID. Reports whether one was removed.
func (c *ViewKeyCollection) RemoveByID(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeByIDLocked(itemID)
}

func (c *ViewKeyCollection) removeByIDLocked(itemID string) bool {
	vk, ok := c.byID[itemID]
	if !ok {
		return false
	}
	delete(c.byID, itemID)
	for i, k := range c.keys {
		if k == vk {
			c.keys = slices.Delete(c.keys, i, i+1)
			break
		}
	}
	return true
}

// RemoveAt removes the key at a sorted index.
func (c *ViewKeyCollection) RemoveAt(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.keys) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	c.ensureSorted()
	delete(c.byID, c.keys[index].Key.ID)
	c.keys = slices.Delete(c.keys, index, index+1)
	return nil
}

// UpdateKey replaces the key stored for itemID with vk.
// The old entry is removed and the new one added; vk may carry a different
// item id when a local-only item receives its server key.
// Returns false if itemID was not present.
func (c *ViewKeyCollection) UpdateKey(itemID string, vk ViewKey) (bool, error) {
	if err := vk.Key.Validate(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeByIDLocked(itemID) {
		return false, nil
	}
	c.removeByIDLocked(vk.Key.ID)
	vk.loadPending = false
	if err := c.addLocked(vk); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes all keys.
func (c *ViewKeyCollection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.byID = make(map[string]*ViewKey)
	c.sorted = true
}

// SelectKeys returns up to count view keys starting at startAt.
func (c *ViewKeyCollection) SelectKeys(startAt, count int) ([]ViewKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, err := c.correctCount(startAt, count)
	if err != nil {
		return nil, err
	}
	c.ensureSorted()
	keys := make([]ViewKey, count)
	for i := range keys {
		keys[i] = *c.keys[startAt+i]
	}
	return keys, nil
}

// SelectItemKeys returns up to count item keys starting at startAt.
func (c *ViewKeyCollection) SelectItemKeys(startAt, count int) ([]Key, error) {
	vks, err := c.SelectKeys(startAt, count)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(vks))
	for i, vk := range vks {
		keys[i] = vk.Key
	}
	return keys, nil
}

// All returns a copy of every key in sorted order.
func (c *ViewKeyCollection) All() []ViewKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSorted()
	keys := make([]ViewKey, len(c.keys))
	for i, k := range c.keys {
		keys[i] = *k
	}
	return keys
}

// CollectKeysNeedingDownload marks keys in [startAt, startAt+count) as load
// pending and returns them. Keys already pending and local-only keys are
// skipped. The count is clamped to the available keys.
func (c *ViewKeyCollection) CollectKeysNeedingDownload(startAt, count int) ([]Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, err := c.correctCount(startAt, count)
	if err != nil {
		return nil, err
	}
	c.ensureSorted()
	var keys []Key
	for _, vk := range c.keys[startAt : startAt+count] {
		if vk.loadPending || vk.Key.IsLocal() {
			continue
		}
		vk.loadPending = true
		keys = append(keys, vk.Key)
	}
	return keys, nil
}

// SetLoadPending sets the load-pending flag for each key present by id.
func (c *ViewKeyCollection) SetLoadPending(keys []Key, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if vk, ok := c.byID[k.ID]; ok {
			vk.loadPending = pending
		}
	}
}

// MinDate returns the oldest effective date, or the zero time when empty.
func (c *ViewKeyCollection) MinDate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return time.Time{}
	}
	c.ensureSorted()
	return c.keys[len(c.keys)-1].EffectiveDate
}

// MaxDate returns the newest effective date, or the zero time when empty.
func (c *ViewKeyCollection) MaxDate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.keys) == 0 {
		return time.Time{}
	}
	c.ensureSorted()
	return c.keys[0].EffectiveDate
}

// MarshalJSON encodes the keys as an ordered list.
func (c *ViewKeyCollection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.All())
}

// UnmarshalJSON decodes an ordered list of keys.
func (c *ViewKeyCollection) UnmarshalJSON(data []byte) error {
	var keys []ViewKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	c.Clear()
	return c.AddRange(keys)
}

func (c *ViewKeyCollection) correctCount(startAt, count int) (int, error) {
	if startAt < 0 || (startAt > 0 && startAt >= len(c.keys)) {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, startAt)
	}
	if count < 0 {
		return 0, fmt.Errorf("count cannot be negative: %d", count)
	}
	if startAt+count > len(c.keys) {
		count = len(c.keys) - startAt
	}
	return count, nil
}

func (c *ViewKeyCollection) ensureSorted() {
	if c.sorted {
		return
	}
	sort.SliceStable(c.keys, func(i, j int) bool {
		return CompareViewKeys(*c.keys[i], *c.keys[j]) < 0
	})
	c.sorted = true
}

func (c *ViewKeyCollection) searchLocked(vk ViewKey) (int, bool) {
	return sort.Find(len(c.keys), func(i int) int {
		return CompareViewKeys(vk, *c.keys[i])
	})
}
