package item

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// LocalKeyPrefix marks ids generated on the device for items the remote
// store has not seen yet. Server ids are UUIDs and never start with it.
const LocalKeyPrefix = "L"

// Key identifies one version of a remote item.
type Key struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// NewKey returns a Key with the given id and version.
func NewKey(id, version string) Key {
	return Key{ID: id, Version: version}
}

// NewLocalKey returns a fresh local-only key.
//
// Local-only keys are sortable by creation time, which keeps newly added items
// in a stable order inside views until the server assigns a real key.
func NewLocalKey() Key {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return Key{ID: LocalKeyPrefix + id.String(), Version: LocalKeyPrefix}
}

// IsLocal reports whether the key has never been assigned by the server.
func (k Key) IsLocal() bool {
	return strings.HasPrefix(k.ID, LocalKeyPrefix)
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.ID == "" && k.Version == ""
}

// Validate returns ErrInvalidKey if the key has no id.
func (k Key) Validate() error {
	if k.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidKey)
	}
	return nil
}

// Equal reports whether both id and version match.
func (k Key) Equal(other Key) bool {
	return k.ID == other.ID && k.Version == other.Version
}

// IsVersion reports whether the key carries the given version stamp.
func (k Key) IsVersion(version string) bool {
	return k.Version == version
}

// Compare orders keys by id, then version.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.ID, other.ID); c != 0 {
		return c
	}
	return strings.Compare(k.Version, other.Version)
}

func (k Key) String() string {
	return k.ID + "/" + k.Version
}
