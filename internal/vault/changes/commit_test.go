package changes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/locks"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote/remotetest"
)

type memLocal struct {
	mu    sync.Mutex
	items map[string]*item.Item
}

func newMemLocal() *memLocal {
	return &memLocal{items: make(map[string]*item.Item)}
}

func (l *memLocal) GetByID(ctx context.Context, id string) (*item.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[id].Clone(), nil
}

func (l *memLocal) Put(ctx context.Context, it *item.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[it.Key.ID] = it.Clone()
	return nil
}

func (l *memLocal) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, id)
	return nil
}

type fixedRemote struct{ rs remote.ItemStore }

func (f fixedRemote) Remote() remote.ItemStore { return f.rs }

type recordingNotifier struct {
	mu      sync.Mutex
	changes []*Change
}

func (n *recordingNotifier) OnChangeCommitted(ctx context.Context, c *Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c.Clone())
	return errors.New("ignored")
}

type harness struct {
	table   *Table
	local   *memLocal
	fake    *remotetest.Fake
	locks   *locks.Table
	mgr     *Manager
	metrics *Metrics
	online  *remote.Static
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	table, _, _ := newTestTable(t)
	h := &harness{
		table:   table,
		local:   newMemLocal(),
		fake:    remotetest.New(),
		locks:   locks.NewTable(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		online:  remote.NewStatic(true),
	}
	cfg := DefaultConfig()
	cfg.Record = "rec"
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Metrics = h.metrics
	cfg.Connectivity = h.online
	if configure != nil {
		configure(cfg)
	}
	mgr, err := NewManagerWithConfig(table, h.local, fixedRemote{h.fake}, h.locks, cfg)
	if err != nil {
		t.Fatalf("NewManagerWithConfig: %v", err)
	}
	t.Cleanup(mgr.Close)
	h.mgr = mgr
	return h
}

// putLocal stores it locally and tracks a put, the way the synchronized
// store does.
func (h *harness) putLocal(t *testing.T, it *item.Item) *Change {
	t.Helper()
	ctx := context.Background()
	if err := h.local.Put(ctx, it); err != nil {
		t.Fatal(err)
	}
	c, err := h.mgr.TrackPut(ctx, it)
	if err != nil {
		t.Fatalf("TrackPut: %v", err)
	}
	return c
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.table.ChangeCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func newLocalItem(typeID string) *item.Item {
	return &item.Item{
		Key:           item.NewLocalKey(),
		TypeID:        typeID,
		EffectiveDate: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC),
		Data:          json.RawMessage(`{"kg":72.5}`),
	}
}

func drainEvents(ch <-chan Event) []Event {
	var evs []Event
	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfKind(evs []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestCommitLocalItemCreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	events, cancel := h.mgr.Subscribe(0)
	defer cancel()

	it := newLocalItem("weight")
	h.putLocal(t, it)

	// the first attempt fails in transit, the retry must still create
	h.fake.FailNext(remotetest.OpCreate, &remote.TransportError{Kind: remote.TransportTimeout, Op: "create"})
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.pending(t) != 1 {
		t.Fatalf("change dequeued after a retryable failure")
	}
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := h.fake.Calls(remotetest.OpUpdate); got != 0 {
		t.Errorf("local-only item was sent as an update %d times", got)
	}
	if got := h.fake.Calls(remotetest.OpCreate); got != 2 {
		t.Errorf("Create calls = %d, want 2", got)
	}
	if h.pending(t) != 0 {
		t.Errorf("change still queued after success")
	}

	succeeded := eventsOfKind(drainEvents(events), CommitSucceeded)
	if len(succeeded) != 1 {
		t.Fatalf("got %d succeeded events, want 1", len(succeeded))
	}
	serverKey := succeeded[0].Change.UpdatedKey
	if serverKey.IsLocal() || serverKey.IsZero() {
		t.Fatalf("UpdatedKey = %v, want a server key", serverKey)
	}
	if succeeded[0].Record != "rec" {
		t.Errorf("event record = %q", succeeded[0].Record)
	}

	stored, _ := h.local.GetByID(ctx, serverKey.ID)
	if stored == nil || !stored.Key.Equal(serverKey) {
		t.Fatalf("local copy under server key = %+v", stored)
	}
	if old, _ := h.local.GetByID(ctx, it.Key.ID); old != nil {
		t.Errorf("local-only entry still present: %+v", old)
	}
	if remoteCopy := h.fake.Item(serverKey.ID); remoteCopy == nil || remoteCopy.ClientID == "" {
		t.Errorf("server copy not stamped with the change id: %+v", remoteCopy)
	}
	if h.locks.Count() != 0 {
		t.Errorf("locks left held: %v", h.locks.LockedItems())
	}
}

func TestCommitConflictRecreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	seeded := h.fake.Seed(&item.Item{TypeID: "weight", EffectiveDate: time.Now(), Data: json.RawMessage(`{"kg":70}`)})[0]

	// someone else updates the server copy, so our version is stale
	moved := seeded.Clone()
	if _, err := h.fake.Update(ctx, moved); err != nil {
		t.Fatal(err)
	}
	h.fake.Reset()

	edited := seeded.Clone()
	edited.Data = json.RawMessage(`{"kg":71}`)
	h.putLocal(t, edited)

	events, cancel := h.mgr.Subscribe(0)
	defer cancel()
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if h.fake.Calls(remotetest.OpUpdate) != 1 || h.fake.Calls(remotetest.OpCreate) != 1 {
		t.Fatalf("calls: update=%d create=%d, want 1 and 1",
			h.fake.Calls(remotetest.OpUpdate), h.fake.Calls(remotetest.OpCreate))
	}
	if h.pending(t) != 0 {
		t.Errorf("conflicting change was not dequeued")
	}
	if h.fake.Len() != 2 {
		t.Errorf("server holds %d items, want the original plus the recreated edit", h.fake.Len())
	}
	succeeded := eventsOfKind(drainEvents(events), CommitSucceeded)
	if len(succeeded) != 1 {
		t.Fatalf("succeeded events = %d", len(succeeded))
	}
	newKey := succeeded[0].Change.UpdatedKey
	if newKey.ID == seeded.Key.ID {
		t.Errorf("recreated item reused the conflicting id")
	}
	if got := h.fake.Item(newKey.ID); got == nil || string(got.Data) != `{"kg":71}` {
		t.Errorf("recreated item = %+v, want the local edit", got)
	}
}

func TestCommitAdoptsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	it := newLocalItem("weight")
	change := h.putLocal(t, it)

	// a previous attempt reached the server but its response was lost
	prior := it.Clone()
	prior.Key = item.Key{}
	prior.ClientID = change.ChangeID
	existing := h.fake.Seed(prior)[0]
	h.fake.Reset()

	events, cancel := h.mgr.Subscribe(0)
	defer cancel()
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := h.fake.Calls(remotetest.OpCreate); got != 0 {
		t.Errorf("Create called %d times for an already committed change", got)
	}
	if h.fake.Len() != 1 {
		t.Errorf("server holds %d items, want 1", h.fake.Len())
	}
	succeeded := eventsOfKind(drainEvents(events), CommitSucceeded)
	if len(succeeded) != 1 || !succeeded[0].Change.UpdatedKey.Equal(existing.Key) {
		t.Fatalf("succeeded = %+v, want adopted key %v", succeeded, existing.Key)
	}
}

func TestCommitHaltingErrorStopsDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.putLocal(t, newLocalItem("weight"))
	h.putLocal(t, newLocalItem("weight"))
	h.fake.FailAlways(remotetest.OpCreate, remote.Fault(remote.FaultServerError, "maintenance"))

	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := h.fake.Calls(remotetest.OpCreate); got != 1 {
		t.Errorf("Create calls = %d, want the drain to stop after 1", got)
	}
	if h.pending(t) != 2 {
		t.Errorf("pending = %d, want both changes kept", h.pending(t))
	}
	if got := testutil.ToFloat64(h.metrics.Changes.WithLabelValues(ResultHalted)); got != 1 {
		t.Errorf("halted counter = %v", got)
	}
}

func TestCommitOfflineTransportErrorHalts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.online.Set(false)

	h.putLocal(t, newLocalItem("weight"))
	h.putLocal(t, newLocalItem("weight"))
	h.fake.FailAlways(remotetest.OpGetAllItems, &remote.TransportError{Kind: remote.TransportConnection, Op: "query"})

	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := h.fake.Calls(remotetest.OpGetAllItems); got != 1 {
		t.Errorf("queries = %d, want the drain to halt after 1", got)
	}
	if h.pending(t) != 2 {
		t.Errorf("pending = %d, want 2", h.pending(t))
	}
}

func TestCommitGivesUp(t *testing.T) {
	ctx := context.Background()

	t.Run("non-retryable", func(t *testing.T) {
		h := newHarness(t, nil)
		events, cancel := h.mgr.Subscribe(0)
		defer cancel()

		h.putLocal(t, newLocalItem("weight"))
		h.fake.FailNext(remotetest.OpCreate, remote.ErrValidation)
		if err := h.mgr.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if h.pending(t) != 0 {
			t.Errorf("failed change not dropped")
		}
		failed := eventsOfKind(drainEvents(events), CommitFailed)
		if len(failed) != 1 || !errors.Is(failed[0].Err, remote.ErrValidation) {
			t.Errorf("failed events = %+v", failed)
		}
	})

	t.Run("attempts exceeded", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxAttemptsPerChange = 2 })
		h.putLocal(t, newLocalItem("weight"))
		h.fake.FailAlways(remotetest.OpCreate, &remote.TransportError{Kind: remote.TransportTimeout})

		if err := h.mgr.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if h.pending(t) != 1 {
			t.Fatalf("change dropped after first attempt")
		}
		if err := h.mgr.Commit(ctx); err != nil {
			t.Fatal(err)
		}
		if h.pending(t) != 0 {
			t.Errorf("change kept after reaching the attempt cap")
		}
	})
}

func TestCommitSkipsLockedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	it := newLocalItem("weight")
	h.putLocal(t, it)
	lock := h.locks.AcquireItemLock(it.Key.ID)
	if lock == nil {
		t.Fatal("could not lock item")
	}

	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.fake.Calls(remotetest.OpCreate) != 0 || h.pending(t) != 1 {
		t.Fatalf("locked item was committed")
	}

	lock.Release()
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.pending(t) != 0 {
		t.Errorf("item not committed after the edit released its lock")
	}
}

func TestCommitRemove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	// never reached the server: nothing to call
	local := newLocalItem("weight")
	if _, err := h.mgr.TrackRemove(ctx, "weight", local.Key); err != nil {
		t.Fatal(err)
	}
	// already gone on the server: still a success
	if _, err := h.mgr.TrackRemove(ctx, "weight", item.NewKey("gone", "v1")); err != nil {
		t.Fatal(err)
	}
	seeded := h.fake.Seed(&item.Item{TypeID: "weight", EffectiveDate: time.Now()})[0]
	if _, err := h.mgr.TrackRemove(ctx, "weight", seeded.Key); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.fake.Calls(remotetest.OpRemove); got != 2 {
		t.Errorf("Remove calls = %d, want 2", got)
	}
	if h.pending(t) != 0 {
		t.Errorf("pending = %d, want 0", h.pending(t))
	}
	if h.fake.Len() != 0 {
		t.Errorf("server item not removed")
	}
}

func TestCommitNotifiesTypes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	n := &recordingNotifier{}
	h.mgr.SetTypeNotifier(n)

	h.putLocal(t, newLocalItem("weight"))
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(n.changes) != 1 || n.changes[0].UpdatedItem == nil {
		t.Fatalf("notifier got %+v", n.changes)
	}
	// notifier errors never fail the commit
	if h.pending(t) != 0 {
		t.Errorf("notifier error kept the change queued")
	}
}

func TestCommitMissingLocalDataIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	it := newLocalItem("weight")
	h.putLocal(t, it)
	_ = h.local.Delete(ctx, it.Key.ID)

	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.fake.Calls(remotetest.OpCreate) != 0 || h.pending(t) != 0 {
		t.Errorf("missing local data: create=%d pending=%d", h.fake.Calls(remotetest.OpCreate), h.pending(t))
	}
}

func TestCommitCoalescesRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fake.OnCall(remotetest.OpCreate, func(ctx context.Context, call remotetest.Call) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	h.putLocal(t, newLocalItem("weight"))

	done := make(chan error, 1)
	go func() { done <- h.mgr.Commit(ctx) }()
	<-entered

	// while the first pass is busy: a new change and two more requests
	h.putLocal(t, newLocalItem("weight"))
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatalf("concurrent Commit: %v", err)
	}
	if h.mgr.StartCommit() {
		t.Errorf("StartCommit started a second drain")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	h.mgr.Wait()

	if h.pending(t) != 0 {
		t.Errorf("change tracked during the drain was not committed by the replayed pass")
	}
	if got := testutil.ToFloat64(h.metrics.Drains); got != 2 {
		t.Errorf("drains = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.Pending.WithLabelValues("rec")); got != 0 {
		t.Errorf("pending gauge = %v", got)
	}
}

func TestCommitCanceledKeepsChange(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	h.fake.OnCall(remotetest.OpCreate, func(ctx context.Context, call remotetest.Call) error {
		cancel()
		return &remote.TransportError{Kind: remote.TransportCanceled, Op: "create", Err: context.Canceled}
	})
	h.putLocal(t, newLocalItem("weight"))

	if err := h.mgr.Commit(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Commit: %v", err)
	}
	if h.pending(t) != 1 {
		t.Errorf("canceled change was dropped")
	}
	if h.locks.Count() != 0 {
		t.Errorf("lock leaked on cancellation")
	}
}

func TestCommitDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putLocal(t, newLocalItem("weight"))

	h.mgr.SetCommitEnabled(false)
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.pending(t) != 1 {
		t.Fatalf("disabled manager committed")
	}
	h.mgr.SetCommitEnabled(true)
	if err := h.mgr.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if h.pending(t) != 0 {
		t.Errorf("re-enabled manager did not commit")
	}
}
