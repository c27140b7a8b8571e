// Package remote defines the authoritative item store a record synchronizes
// against, the fault taxonomy the commit policy classifies, and a
// connectivity probe.
//
// Service is a reference implementation backed by SQLite. It enforces the
// same version checks a hosted service does, so the sync engine can run end
// to end without network access. Tests that need fault injection use the
// remotetest package instead.
package remote

import (
	"context"
	"slices"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// ItemStore is the remote item store for one record.
//
// Results of GetAllItems, GetKeysAndDate and ExecuteQueries are ordered by
// descending effective date, then ascending key. GetItem returns nil, nil
// when the item does not exist.
type ItemStore interface {
	GetKeysAndDate(ctx context.Context, filters []item.Filter, maxResults int) ([]item.ViewKey, error)
	GetAllItems(ctx context.Context, q *item.Query) (*item.QueryResult, error)
	GetItem(ctx context.Context, key item.Key, sections item.Sections) (*item.Item, error)

	// Create stores a new item and returns its server-assigned key.
	// The key on it is ignored.
	Create(ctx context.Context, it *item.Item) (item.Key, error)

	// Update replaces the item at it.Key and returns the new key.
	// It fails with FaultNotFound or FaultVersionMismatch when the key is stale.
	Update(ctx context.Context, it *item.Item) (item.Key, error)

	Remove(ctx context.Context, key item.Key) error

	// ExecuteQueries runs several queries in one round trip.
	// The results are in the same order as the queries.
	ExecuteQueries(ctx context.Context, queries []*item.Query) ([]*item.QueryResult, error)
}

// Evaluate answers q over a snapshot of every item in a record.
// The snapshot items are not modified; result items are copies.
func Evaluate(q *item.Query, all []*item.Item) *item.QueryResult {
	sections := q.Sections
	if sections == 0 {
		sections = item.SectionStandard
	}

	result := &item.QueryResult{Name: q.Name, Items: make([]*item.Item, 0)}
	for _, it := range all {
		if !q.Matches(it) || !item.TypeAllowed(q.TypeVersions, it.TypeID) {
			continue
		}
		c := it.Clone()
		if !sections.Has(item.SectionData) {
			c.Data = nil
		}
		result.Items = append(result.Items, c)
	}
	SortItems(result.Items)
	if q.MaxResults > 0 && len(result.Items) > q.MaxResults {
		result.Items = result.Items[:q.MaxResults]
	}
	return result
}

// SortItems orders items the way the service returns them.
func SortItems(items []*item.Item) {
	slices.SortStableFunc(items, func(a, b *item.Item) int {
		return item.CompareViewKeys(a.ViewKey(), b.ViewKey())
	})
}

// ViewKeys returns the view keys of a query result.
func ViewKeys(r *item.QueryResult) []item.ViewKey {
	keys := make([]item.ViewKey, len(r.Items))
	for i, it := range r.Items {
		keys[i] = it.ViewKey()
	}
	return keys
}
