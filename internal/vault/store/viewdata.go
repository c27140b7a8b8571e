package store

import (
	"fmt"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// ViewData is the persisted state of a view.
type ViewData struct {
	Name        string                  `json:"name"`
	LastUpdated time.Time               `json:"last_updated,omitempty"`
	Query       *item.Query             `json:"query"`
	Keys        *item.ViewKeyCollection `json:"keys"`
}

// NewViewData returns empty view data for query.
func NewViewData(query *item.Query, name string) (*ViewData, error) {
	if query == nil {
		return nil, ErrNoQuery
	}
	if name == "" {
		return nil, fmt.Errorf("%w: view name is empty", ErrInvalidName)
	}
	return &ViewData{
		Name:  name,
		Query: query,
		Keys:  item.NewViewKeyCollection(),
	}, nil
}

// KeyCount returns the number of keys.
func (d *ViewData) KeyCount() int {
	if d.Keys == nil {
		return 0
	}
	return d.Keys.Len()
}

func (d *ViewData) HasKeys() bool {
	return d.KeyCount() > 0
}

// TypeVersions returns the type ids the view accepts. Empty accepts all.
func (d *ViewData) TypeVersions() []string {
	if d.Query == nil {
		return nil
	}
	return d.Query.TypeVersions
}

// IsStale reports whether the view has no keys or was last synchronized
// more than maxAge before now.
func (d *ViewData) IsStale(now time.Time, maxAge time.Duration) bool {
	return !d.HasKeys() || isStale(now, d.LastUpdated, maxAge)
}

// ValidateIndex returns item.ErrIndexOutOfRange unless index addresses a key.
func (d *ViewData) ValidateIndex(index int) error {
	if index < 0 || index >= d.KeyCount() {
		return fmt.Errorf("%w: %d", item.ErrIndexOutOfRange, index)
	}
	return nil
}

// KeyAt returns the view key at index.
func (d *ViewData) KeyAt(index int) (item.ViewKey, error) {
	if err := d.ValidateIndex(index); err != nil {
		return item.ViewKey{}, err
	}
	return d.Keys.At(index)
}

func (d *ViewData) validate() error {
	if d.Query == nil {
		return ErrNoQuery
	}
	if d.Keys == nil {
		d.Keys = item.NewViewKeyCollection()
	}
	return nil
}
