package item

import "errors"

// Errors returned by item, key and view-key operations.
//
// Check them with errors.Is:
//
//	if errors.Is(err, item.ErrDuplicateKey) {
//	    // the collection already holds this item id
//	}
var (
	// ErrInvalidKey is returned when a key without an id is used.
	ErrInvalidKey = errors.New("invalid item key")

	// ErrDuplicateKey is returned when adding a view key whose item id is
	// already present in the collection.
	ErrDuplicateKey = errors.New("duplicate item key")

	// ErrIndexOutOfRange is returned for view indexes outside [0, Len).
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrTypeNotRegistered is returned when decoding an item whose type id
	// has no registered factory.
	ErrTypeNotRegistered = errors.New("item type not registered")

	// ErrMissingTypeID is returned for items or typed payloads without a type id.
	ErrMissingTypeID = errors.New("missing type id")

	// ErrNoData is returned when decoding an item fetched without its data section.
	ErrNoData = errors.New("item has no data")
)
