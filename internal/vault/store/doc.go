// Package store is the offline-first synchronization layer for one or more
// health records.
//
// A RecordStore owns four child areas of an object store:
//
//	<recordID>/Data      local copies of items (LocalItemStore)
//	<recordID>/Changes   the pending change ledger
//	<recordID>/Metadata  persisted views and stored queries
//	<recordID>/Blobs     free-form blobs
//
// Reads go through a SynchronizedStore: items already cached locally are
// returned at once, the rest are downloaded from the remote item store either
// in the background (with a completion callback) or synchronously. Writes go
// to the local copy and the change ledger; the commit manager in package
// changes pushes them to the remote store later.
//
// SynchronizedView is an ordered, lazily populated list of item keys. Asking
// for an item that is not local starts a readahead download of the
// surrounding page. SynchronizedType is a persisted, writable view bound to a
// single item type; the TypeManager keeps exactly one live instance per type.
//
// Example:
//
//	remotes := func(id string) remote.ItemStore { return svc.Record(id) }
//	table, err := store.NewRecordStoreTable(root, remotes, store.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer table.Close()
//
//	rec, err := table.Get(ctx, "self")
//	if err != nil {
//	    return err
//	}
//	weights, err := rec.Types().Get(ctx, "weight")
//	if err != nil {
//	    return err
//	}
//	defer rec.Types().Release(weights)
//
//	if _, err := weights.SynchronizeIfStale(ctx, time.Hour); err != nil {
//	    return err
//	}
//	first, err := weights.EnsureItemAvailableAndGet(ctx, 0)
package store
