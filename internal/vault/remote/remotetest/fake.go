// Package remotetest provides an in-memory remote item store for tests.
//
// Fake mirrors the version semantics of remote.Service and adds fault
// injection, per-operation call counts and call hooks:
//
//	fake := remotetest.New()
//	fake.FailNext(remotetest.OpUpdate, remote.Fault(remote.FaultVersionMismatch, "stale"))
//	// next Update returns the fault, then behaves normally
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// Op names a remote operation.
type Op string

const (
	OpGetKeysAndDate Op = "GetKeysAndDate"
	OpGetAllItems    Op = "GetAllItems"
	OpGetItem        Op = "GetItem"
	OpCreate         Op = "Create"
	OpUpdate         Op = "Update"
	OpRemove         Op = "Remove"
	OpExecuteQueries Op = "ExecuteQueries"
)

// Call records one invocation.
type Call struct {
	Op  Op
	Key item.Key
}

// Hook runs before an operation executes. A non-nil error is returned to the
// caller in place of the result.
type Hook func(ctx context.Context, call Call) error

// Fake is an in-memory remote.ItemStore. It is safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	items  map[string]*item.Item
	faults map[Op][]error
	always map[Op]error
	hooks  map[Op]Hook
	calls  []Call
}

var _ remote.ItemStore = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		items:  make(map[string]*item.Item),
		faults: make(map[Op][]error),
		always: make(map[Op]error),
		hooks:  make(map[Op]Hook),
	}
}

// Seed stores items as they are. Items without a key get a server key.
// It returns the stored copies.
func (f *Fake) Seed(items ...*item.Item) []*item.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*item.Item, len(items))
	for i, it := range items {
		c := it.Clone()
		if c.Key.IsZero() {
			c.Key = item.NewKey(uuid.NewString(), uuid.NewString())
		}
		f.items[c.Key.ID] = c
		out[i] = c.Clone()
	}
	return out
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(id string) *item.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id].Clone()
}

// Len returns the number of stored items.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op Op, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], errs...)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (f *Fake) FailAlways(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.always, op)
		return
	}
	f.always[op] = err
}

// OnCall installs a hook for op, replacing any previous one. A nil hook
// removes it.
func (f *Fake) OnCall(op Op, hook Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook == nil {
		delete(f.hooks, op)
		return
	}
	f.hooks[op] = hook
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CallLog returns every invocation in order.
func (f *Fake) CallLog() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Reset clears the call log, queued faults and hooks. Items are kept.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.faults = make(map[Op][]error)
	f.always = make(map[Op]error)
	f.hooks = make(map[Op]Hook)
}

// begin logs the call and returns an injected error, if any.
func (f *Fake) begin(ctx context.Context, call Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hooks[call.Op]
	var injected error
	if q := f.faults[call.Op]; len(q) > 0 {
		injected = q[0]
		f.faults[call.Op] = q[1:]
	} else if err, ok := f.always[call.Op]; ok {
		injected = err
	}
	f.mu.Unlock()

	// hooks run unlocked so they may block or call back into the fake
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	if err := ctx.Err(); err != nil {
		return &remote.TransportError{Kind: remote.TransportCanceled, Op: string(call.Op), Err: err}
	}
	return nil
}

func (f *Fake) GetKeysAndDate(ctx context.Context, filters []item.Filter, maxResults int) ([]item.ViewKey, error) {
	if err := f.begin(ctx, Call{Op: OpGetKeysAndDate}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := remote.Evaluate(&item.Query{Filters: filters, MaxResults: maxResults, Sections: item.SectionCore}, f.values())
	return remote.ViewKeys(r), nil
}

func (f *Fake) GetAllItems(ctx context.Context, q *item.Query) (*item.QueryResult, error) {
	if err := f.begin(ctx, Call{Op: OpGetAllItems}); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("%w: nil query", remote.ErrClient)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return remote.Evaluate(q, f.values()), nil
}

func (f *Fake) ExecuteQueries(ctx context.Context, queries []*item.Query) ([]*item.QueryResult, error) {
	if err := f.begin(ctx, Call{Op: OpExecuteQueries}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.values()
	results := make([]*item.QueryResult, len(queries))
	for i, q := range queries {
		if q == nil {
			return nil, fmt.Errorf("%w: nil query at %d", remote.ErrClient, i)
		}
		results[i] = remote.Evaluate(q, all)
	}
	return results, nil
}

func (f *Fake) GetItem(ctx context.Context, key item.Key, sections item.Sections) (*item.Item, error) {
	if err := f.begin(ctx, Call{Op: OpGetItem, Key: key}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key.ID]
	if !ok {
		return nil, nil
	}
	c := it.Clone()
	if sections != 0 && !sections.Has(item.SectionData) {
		c.Data = nil
	}
	return c, nil
}

func (f *Fake) Create(ctx context.Context, it *item.Item) (item.Key, error) {
	if err := f.begin(ctx, Call{Op: OpCreate, Key: keyOf(it)}); err != nil {
		return item.Key{}, err
	}
	if err := validate(it); err != nil {
		return item.Key{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := it.Clone()
	c.Key = item.NewKey(uuid.NewString(), uuid.NewString())
	f.items[c.Key.ID] = c
	return c.Key, nil
}

func (f *Fake) Update(ctx context.Context, it *item.Item) (item.Key, error) {
	if err := f.begin(ctx, Call{Op: OpUpdate, Key: keyOf(it)}); err != nil {
		return item.Key{}, err
	}
	if err := validate(it); err != nil {
		return item.Key{}, err
	}
	if it.Key.IsZero() || it.Key.IsLocal() {
		return item.Key{}, remote.Fault(remote.FaultInvalidRequest, "cannot update item with key %q", it.Key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkVersionLocked(it.Key); err != nil {
		return item.Key{}, err
	}
	c := it.Clone()
	c.Key = item.NewKey(it.Key.ID, uuid.NewString())
	f.items[c.Key.ID] = c
	return c.Key, nil
}

func (f *Fake) Remove(ctx context.Context, key item.Key) error {
	if err := f.begin(ctx, Call{Op: OpRemove, Key: key}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkVersionLocked(key); err != nil {
		return err
	}
	delete(f.items, key.ID)
	return nil
}

func (f *Fake) checkVersionLocked(key item.Key) error {
	cur, ok := f.items[key.ID]
	if !ok {
		return remote.Fault(remote.FaultNotFound, "item %s", key.ID)
	}
	if cur.Key.Version != key.Version {
		return remote.Fault(remote.FaultVersionMismatch, "item %s is at version %s", key.ID, cur.Key.Version)
	}
	return nil
}

func (f *Fake) values() []*item.Item {
	all := make([]*item.Item, 0, len(f.items))
	for _, it := range f.items {
		all = append(all, it)
	}
	return all
}

func keyOf(it *item.Item) item.Key {
	if it == nil {
		return item.Key{}
	}
	return it.Key
}

func validate(it *item.Item) error {
	if it == nil {
		return fmt.Errorf("%w: nil item", remote.ErrClient)
	}
	if it.TypeID == "" {
		return fmt.Errorf("%w: %v", remote.ErrValidation, item.ErrMissingTypeID)
	}
	return nil
}
