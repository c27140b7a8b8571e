// Package item defines the data model shared by every layer of the sync engine:
// item keys, items with typed payloads, queries and the ordered view key
// collection that backs synchronized views.
//
// Keys:
//   - Key is (id, version). Ids beginning with LocalKeyPrefix belong to items
//     created on the device and never sent to the server as update targets.
//   - ViewKey adds the effective date; collections order by descending date,
//     then ascending key, which is the remote service's native order.
//
// Typed payloads:
//
//	type Weight struct {
//	    Kilograms float64 `json:"kg"`
//	}
//
//	func (*Weight) TypeID() string { return "weight" }
//
//	func init() {
//	    item.Register("weight", func() item.Typed { return &Weight{} })
//	}
//
//	it, _ := item.New(&Weight{Kilograms: 72.5})
//	typed, _ := it.Decode() // *Weight
package item

// TypeAllowed reports whether typeID is in typeVersions.
// An empty typeVersions list allows every type.
func TypeAllowed(typeVersions []string, typeID string) bool {
	if len(typeVersions) == 0 {
		return true
	}
	for _, t := range typeVersions {
		if t == typeID {
			return true
		}
	}
	return false
}
