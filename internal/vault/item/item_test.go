package item

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"
)

type testWeight struct {
	Kilograms float64 `json:"kg"`
}

func (*testWeight) TypeID() string { return "test-weight" }

func TestLocalKey(t *testing.T) {
	k1 := NewLocalKey()
	k2 := NewLocalKey()

	if !k1.IsLocal() {
		t.Errorf("NewLocalKey() = %v, want local key", k1)
	}
	if k1.ID == k2.ID {
		t.Errorf("two local keys share id %s", k1.ID)
	}
	if NewKey("5c3a9f7e-0000-4000-8000-000000000000", "v1").IsLocal() {
		t.Error("server key reported as local")
	}
	if err := (Key{}).Validate(); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Validate() on empty key = %v, want ErrInvalidKey", err)
	}
}

func TestKeyCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"equal", NewKey("a", "1"), NewKey("a", "1"), 0},
		{"id first", NewKey("a", "9"), NewKey("b", "1"), -1},
		{"version second", NewKey("a", "2"), NewKey("a", "1"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegistryDecode(t *testing.T) {
	UnregisterAll()
	defer UnregisterAll()

	it, err := New(&testWeight{Kilograms: 72.5})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := it.Decode(); !errors.Is(err, ErrTypeNotRegistered) {
		t.Fatalf("Decode() before Register = %v, want ErrTypeNotRegistered", err)
	}

	Register("test-weight", func() Typed { return &testWeight{} })
	if !IsRegistered("test-weight") {
		t.Fatal("IsRegistered() = false after Register")
	}

	typed, err := it.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	w, ok := typed.(*testWeight)
	if !ok || w.Kilograms != 72.5 {
		t.Errorf("Decode() = %#v, want 72.5kg weight", typed)
	}

	defer func() {
		if recover() == nil {
			t.Error("second Register did not panic")
		}
	}()
	Register("test-weight", func() Typed { return &testWeight{} })
}

func TestItemCloneIsDeep(t *testing.T) {
	it := &Item{Key: NewKey("a", "1"), TypeID: "t", Data: []byte(`{"kg":1}`)}
	c := it.Clone()
	c.Data[0] = 'X'
	if it.Data[0] != '{' {
		t.Error("Clone() shares the payload buffer")
	}
}

func TestFilterMatches(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	it := &Item{Key: NewKey("a", "1"), TypeID: "weight", ClientID: "c1", EffectiveDate: day}
	before := day.Add(-time.Hour)
	after := day.Add(time.Hour)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"type hit", Filter{TypeIDs: []string{"weight"}}, true},
		{"type miss", Filter{TypeIDs: []string{"bp"}}, false},
		{"client id", Filter{ClientIDs: []string{"c1"}}, true},
		{"item id miss", Filter{ItemIDs: []string{"b"}}, false},
		{"in range", Filter{EffectiveDateMin: &before, EffectiveDateMax: &after}, true},
		{"too old", Filter{EffectiveDateMin: &after}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(it); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestViewKeyOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewViewKeyCollection()
	for i := 0; i < 200; i++ {
		// Few distinct dates so the id tie-break is exercised.
		date := base.Add(time.Duration(rng.Intn(20)) * time.Hour)
		id := strconv.Itoa(rng.Int())
		if c.ContainsID(id) {
			continue
		}
		if err := c.Add(NewViewKey(NewKey(id, "1"), date)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	keys, err := c.SelectKeys(0, c.Len())
	if err != nil {
		t.Fatalf("SelectKeys() error = %v", err)
	}
	if len(keys) != c.Len() {
		t.Fatalf("SelectKeys() returned %d keys, want %d", len(keys), c.Len())
	}
	for i := 1; i < len(keys); i++ {
		prev, cur := keys[i-1], keys[i]
		if prev.EffectiveDate.Before(cur.EffectiveDate) {
			t.Fatalf("keys[%d] date %v before keys[%d] date %v", i-1, prev.EffectiveDate, i, cur.EffectiveDate)
		}
		if prev.EffectiveDate.Equal(cur.EffectiveDate) && prev.Key.Compare(cur.Key) >= 0 {
			t.Fatalf("keys[%d]=%s not before keys[%d]=%s", i-1, prev.Key, i, cur.Key)
		}
	}

	for i, vk := range keys {
		if got := c.IndexOf(vk.Key); got != i {
			t.Fatalf("IndexOf(%s) = %d, want %d", vk.Key, got, i)
		}
	}
}

func TestViewKeyCollectionMutations(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewViewKeyCollection()
	for i, id := range []string{"a", "b", "c"} {
		if err := c.Add(NewViewKey(NewKey(id, "1"), day.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	if err := c.Add(NewViewKey(NewKey("a", "2"), day)); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Add(duplicate) = %v, want ErrDuplicateKey", err)
	}

	// Newest first: c, b, a
	if vk, _ := c.At(0); vk.Key.ID != "c" {
		t.Errorf("At(0) = %s, want c", vk.Key.ID)
	}

	ok, err := c.UpdateKey("a", NewViewKey(NewKey("a", "2"), day.Add(5*time.Hour)))
	if err != nil || !ok {
		t.Fatalf("UpdateKey() = %v, %v", ok, err)
	}
	if vk, _ := c.At(0); vk.Key != NewKey("a", "2") {
		t.Errorf("At(0) after UpdateKey = %s, want a/2", vk.Key)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}

	if err := c.InsertInOrder(NewViewKey(NewKey("d", "1"), day.Add(90*time.Minute))); err != nil {
		t.Fatalf("InsertInOrder() error = %v", err)
	}
	if got := c.IndexOfID("d"); got != 2 {
		t.Errorf("IndexOfID(d) = %d, want 2", got)
	}

	if !c.RemoveByID("b") || c.ContainsID("b") {
		t.Error("RemoveByID(b) did not remove the key")
	}
	if got := c.MaxDate(); !got.Equal(day.Add(5 * time.Hour)) {
		t.Errorf("MaxDate() = %v", got)
	}
	if got := c.MinDate(); !got.Equal(day.Add(90 * time.Minute)) {
		t.Errorf("MinDate() = %v", got)
	}
}

func TestCollectKeysNeedingDownload(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewViewKeyCollection()
	local := NewLocalKey()
	_ = c.Add(NewViewKey(NewKey("a", "1"), day.Add(3*time.Hour)))
	_ = c.Add(NewViewKey(local, day.Add(2*time.Hour)))
	_ = c.Add(NewViewKey(NewKey("b", "1"), day.Add(time.Hour)))

	keys, err := c.CollectKeysNeedingDownload(0, 10)
	if err != nil {
		t.Fatalf("CollectKeysNeedingDownload() error = %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "a" || keys[1].ID != "b" {
		t.Fatalf("CollectKeysNeedingDownload() = %v, want [a b]", keys)
	}

	again, _ := c.CollectKeysNeedingDownload(0, 10)
	if len(again) != 0 {
		t.Errorf("second collect returned %v, want none while pending", again)
	}

	c.SetLoadPending([]Key{NewKey("a", "1")}, false)
	again, _ = c.CollectKeysNeedingDownload(0, 10)
	if len(again) != 1 || again[0].ID != "a" {
		t.Errorf("collect after clearing a = %v, want [a]", again)
	}

	if _, err := c.CollectKeysNeedingDownload(5, 1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("collect past end = %v, want ErrIndexOutOfRange", err)
	}
}
