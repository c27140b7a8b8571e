package store

import (
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// StoredQuery is a named query with its last result, persisted in the
// record's metadata area.
type StoredQuery struct {
	Name        string            `json:"name,omitempty"`
	LastUpdated time.Time         `json:"last_updated,omitempty"`
	Query       *item.Query       `json:"query,omitempty"`
	Result      *item.QueryResult `json:"result,omitempty"`
}

func (q *StoredQuery) HasQuery() bool {
	return q.Query != nil
}

func (q *StoredQuery) HasResult() bool {
	return q.Result != nil
}

// IsStale reports whether the result was last updated more than maxAge
// before now, or never.
func (q *StoredQuery) IsStale(now time.Time, maxAge time.Duration) bool {
	return isStale(now, q.LastUpdated, maxAge)
}
