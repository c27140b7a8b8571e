package store

import (
	"errors"
)

var (
	// ErrInvalidReadAhead is returned for a readahead chunk or batch size <= 0.
	ErrInvalidReadAhead = errors.New("readahead size must be positive")

	// ErrPublicSyncDisabled is returned by Synchronize on views owned by a
	// SynchronizedType, which synchronize through the type instead.
	ErrPublicSyncDisabled = errors.New("view synchronizes through its type")

	// ErrNoQuery is returned when a view has no query to synchronize with.
	ErrNoQuery = errors.New("view has no query")

	// ErrInvalidName is returned for empty view, query and record names.
	ErrInvalidName = errors.New("invalid name")

	// ErrNoRemote is returned when no remote item store is bound.
	ErrNoRemote = errors.New("no remote item store bound")

	// ErrForeignView is returned when a view belongs to another record.
	ErrForeignView = errors.New("view belongs to another store")

	// ErrClosed is returned after the record store table is closed.
	ErrClosed = errors.New("store closed")
)
