package changes

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

var (
	// ErrItemAlreadyDeleted is returned when a Put is tracked for an item
	// whose pending change is a Remove.
	ErrItemAlreadyDeleted = errors.New("item already deleted")

	// ErrTypeIDMismatch is returned when a change is tracked for an item
	// under a different type id than its pending change.
	ErrTypeIDMismatch = errors.New("type id mismatch")

	// ErrInvalidChange is returned for a change without a type id or item id.
	ErrInvalidChange = errors.New("invalid change")
)

// Type is the kind of pending mutation.
type Type string

const (
	Put    Type = "put"
	Remove Type = "remove"
)

// Change is the pending mutation for one item.
//
// The transient fields are filled in while the change is committed and are
// never persisted.
type Change struct {
	ChangeID  string   `json:"change_id"`
	Timestamp int64    `json:"timestamp"`
	Type      Type     `json:"type"`
	TypeID    string   `json:"type_id"`
	Key       item.Key `json:"key"`
	Attempt   int      `json:"attempt"`

	// UpdatedKey is the server key after a successful commit.
	UpdatedKey item.Key `json:"-"`
	// UpdatedItem is the item re-read from the server after a commit.
	UpdatedItem *item.Item `json:"-"`
	// LocalData is the local copy that was pushed.
	LocalData *item.Item `json:"-"`
}

// ItemID returns the id of the changed item.
func (c *Change) ItemID() string {
	return c.Key.ID
}

// IsForType reports whether the change belongs to typeID.
func (c *Change) IsForType(typeID string) bool {
	return c.TypeID == typeID
}

// Validate checks the persisted fields.
func (c *Change) Validate() error {
	switch {
	case c.TypeID == "":
		return fmt.Errorf("%w: missing type id", ErrInvalidChange)
	case c.Key.ID == "":
		return fmt.Errorf("%w: missing item id", ErrInvalidChange)
	case c.ChangeID == "":
		return fmt.Errorf("%w: missing change id", ErrInvalidChange)
	}
	return nil
}

func (c *Change) String() string {
	return fmt.Sprintf("%s %s %s", c.Type, c.TypeID, c.Key)
}

// Clone returns a copy of c, sharing nothing mutable.
func (c *Change) Clone() *Change {
	if c == nil {
		return nil
	}
	cp := *c
	cp.UpdatedItem = c.UpdatedItem.Clone()
	cp.LocalData = c.LocalData.Clone()
	return &cp
}

// Compare orders changes by timestamp, then item id.
func Compare(a, b *Change) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	}
	switch {
	case a.ItemID() < b.ItemID():
		return -1
	case a.ItemID() > b.ItemID():
		return 1
	}
	return 0
}

// merge folds a new mutation into the existing pending change, or starts a
// new one. A fresh change id and timestamp are assigned either way.
func merge(existing *Change, typeID string, key item.Key, typ Type, now int64) (*Change, error) {
	if existing == nil {
		existing = &Change{TypeID: typeID}
	} else {
		if existing.Type == Remove && typ == Put {
			return nil, fmt.Errorf("%w: %s", ErrItemAlreadyDeleted, key.ID)
		}
		if existing.TypeID != typeID {
			return nil, fmt.Errorf("%w: %s is tracked as %s, not %s", ErrTypeIDMismatch, key.ID, existing.TypeID, typeID)
		}
	}
	existing.Key = key
	existing.Type = typ
	existing.ChangeID = uuid.NewString()
	existing.Timestamp = now
	return existing, nil
}
