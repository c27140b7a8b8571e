package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Item is one record item as cached locally and exchanged with the remote store.
//
// Data holds the typed payload as JSON. Items returned by key-only queries
// carry a Key, TypeID and EffectiveDate but no Data.
type Item struct {
	Key           Key             `json:"key"`
	TypeID        string          `json:"type_id"`
	EffectiveDate time.Time       `json:"effective_date"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// New wraps a typed payload in an Item with no key.
func New(typed Typed) (*Item, error) {
	if typed == nil {
		return nil, fmt.Errorf("typed payload cannot be nil")
	}
	typeID := typed.TypeID()
	if typeID == "" {
		return nil, ErrMissingTypeID
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", typeID, err)
	}
	return &Item{TypeID: typeID, Data: data}, nil
}

// ID returns the item id.
func (it *Item) ID() string {
	return it.Key.ID
}

// HasData reports whether the payload section is present.
func (it *Item) HasData() bool {
	return len(it.Data) > 0
}

// Decode returns the typed payload using the registered factory for TypeID.
func (it *Item) Decode() (Typed, error) {
	if !it.HasData() {
		return nil, ErrNoData
	}
	factory := lookup(it.TypeID)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, it.TypeID)
	}
	typed := factory()
	if err := json.Unmarshal(it.Data, typed); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", it.TypeID, err)
	}
	return typed, nil
}

// SetTyped replaces the payload with typed, which must have the same type id.
func (it *Item) SetTyped(typed Typed) error {
	if typed.TypeID() != it.TypeID {
		return fmt.Errorf("payload type %s does not match item type %s", typed.TypeID(), it.TypeID)
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", it.TypeID, err)
	}
	it.Data = data
	return nil
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Data != nil {
		c.Data = bytes.Clone(it.Data)
	}
	return &c
}

// ViewKey returns the view key for this item.
func (it *Item) ViewKey() ViewKey {
	return ViewKey{Key: it.Key, EffectiveDate: it.EffectiveDate}
}
