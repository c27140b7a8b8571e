package item

import (
	"slices"
	"time"
)

// Sections selects which parts of an item the remote store returns.
type Sections uint8

const (
	// SectionCore is the key, type id, effective date and update metadata.
	SectionCore Sections = 1 << iota
	// SectionData is the typed payload.
	SectionData
	// SectionTags is the free-form tag list.
	SectionTags
	// SectionAudits is the created/updated audit trail.
	SectionAudits
	// SectionBlobs is the blob payload index.
	SectionBlobs

	// SectionStandard is what the synchronized store downloads by default.
	SectionStandard = SectionCore | SectionData
)

// Has reports whether all sections in s2 are selected.
func (s Sections) Has(s2 Sections) bool {
	return s&s2 == s2
}

// Filter restricts a query. Empty fields do not restrict.
type Filter struct {
	TypeIDs          []string   `json:"type_ids,omitempty"`
	ItemIDs          []string   `json:"item_ids,omitempty"`
	ClientIDs        []string   `json:"client_ids,omitempty"`
	EffectiveDateMin *time.Time `json:"effective_date_min,omitempty"`
	EffectiveDateMax *time.Time `json:"effective_date_max,omitempty"`
}

// Matches reports whether it passes the filter.
func (f *Filter) Matches(it *Item) bool {
	if len(f.TypeIDs) > 0 && !slices.Contains(f.TypeIDs, it.TypeID) {
		return false
	}
	if len(f.ItemIDs) > 0 && !slices.Contains(f.ItemIDs, it.Key.ID) {
		return false
	}
	if len(f.ClientIDs) > 0 && !slices.Contains(f.ClientIDs, it.ClientID) {
		return false
	}
	if f.EffectiveDateMin != nil && it.EffectiveDate.Before(*f.EffectiveDateMin) {
		return false
	}
	if f.EffectiveDateMax != nil && it.EffectiveDate.After(*f.EffectiveDateMax) {
		return false
	}
	return true
}

// Query is a named remote query. Items match when they pass any filter;
// a query without filters matches everything.
type Query struct {
	Name         string   `json:"name,omitempty"`
	Filters      []Filter `json:"filters,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	Sections     Sections `json:"sections,omitempty"`
	TypeVersions []string `json:"type_versions,omitempty"`
}

// QueryForKeys returns a query for exactly the given item ids.
func QueryForKeys(keys []Key) *Query {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return &Query{Filters: []Filter{{ItemIDs: ids}}}
}

// QueryForTypeID returns a query for all items of one type.
func QueryForTypeID(typeID string) *Query {
	return &Query{
		Name:         typeID,
		Filters:      []Filter{{TypeIDs: []string{typeID}}},
		TypeVersions: []string{typeID},
	}
}

// QueryForClientID returns a query for items stamped with a client id.
func QueryForClientID(clientID string) *Query {
	return &Query{Filters: []Filter{{ClientIDs: []string{clientID}}}}
}

// Matches reports whether it passes any of the query filters.
func (q *Query) Matches(it *Item) bool {
	if len(q.Filters) == 0 {
		return true
	}
	for i := range q.Filters {
		if q.Filters[i].Matches(it) {
			return true
		}
	}
	return false
}

// FirstFilter returns the first filter, creating one if needed.
func (q *Query) FirstFilter() *Filter {
	if len(q.Filters) == 0 {
		q.Filters = append(q.Filters, Filter{})
	}
	return &q.Filters[0]
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.TypeVersions = slices.Clone(q.TypeVersions)
	c.Filters = make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		c.Filters[i] = Filter{
			TypeIDs:          slices.Clone(f.TypeIDs),
			ItemIDs:          slices.Clone(f.ItemIDs),
			ClientIDs:        slices.Clone(f.ClientIDs),
			EffectiveDateMin: cloneTime(f.EffectiveDateMin),
			EffectiveDateMax: cloneTime(f.EffectiveDateMax),
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// QueryResult is the answer to one Query, in the service's native order
// (descending effective date, then ascending key).
type QueryResult struct {
	Name  string  `json:"name,omitempty"`
	Items []*Item `json:"items"`
}

// Keys returns the keys of all result items.
func (r *QueryResult) Keys() []Key {
	keys := make([]Key, len(r.Items))
	for i, it := range r.Items {
		keys[i] = it.Key
	}
	return keys
}
