package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote/remotetest"
)

func TestRecordStoreAreas(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)

	recordRoot, err := tr.root.CreateChild(ctx, "rec")
	require.NoError(t, err)
	for _, area := range []string{DataArea, ChangesArea, MetadataArea, BlobsArea} {
		exists, err := recordRoot.ChildExists(ctx, area)
		require.NoError(t, err)
		require.True(t, exists, area)
	}

	require.NoError(t, tr.rec.Blobs().Put(ctx, "photo", []byte{1, 2, 3}))
	blob, err := tr.rec.Blobs().Get(ctx, "photo")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, blob)
}

func TestRecordStoreViews(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 3)
	view := newWeightView(t, tr, "weights")
	require.NoError(t, tr.rec.PutView(ctx, view))

	loaded, err := tr.rec.GetView(ctx, "weights")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, view.Keys().All(), loaded.Keys().All())
	require.Equal(t, view.LastUpdated(), loaded.LastUpdated())

	missing, err := tr.rec.GetView(ctx, "steps")
	require.NoError(t, err)
	require.Nil(t, missing)

	// data saved under one name but carrying another is ignored
	stray, err := NewViewData(item.QueryForTypeID("weight"), "other")
	require.NoError(t, err)
	require.NoError(t, tr.rec.Metadata().PutJSON(ctx, "stray"+viewKeySuffix, stray))
	mismatched, err := tr.rec.GetView(ctx, "stray")
	require.NoError(t, err)
	require.Nil(t, mismatched)

	views, err := tr.rec.GetViews(ctx, []string{"weights", "steps"})
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.NotNil(t, views[0])
	require.Nil(t, views[1])

	require.NoError(t, tr.rec.DeleteView(ctx, "weights"))
	require.NoError(t, tr.rec.DeleteView(ctx, "weights"))
	gone, err := tr.rec.GetView(ctx, "weights")
	require.NoError(t, err)
	require.Nil(t, gone)

	_, err = tr.rec.CreateView("", item.QueryForTypeID("weight"))
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = tr.rec.CreateView("x", nil)
	require.ErrorIs(t, err, ErrNoQuery)
}

func TestRecordStoreStoredQueries(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seeded := seedWeights(tr, 2)

	q := &StoredQuery{
		Name:        "recent",
		LastUpdated: baseDate,
		Query:       item.QueryForTypeID("weight"),
		Result:      &item.QueryResult{Name: "recent", Items: seeded},
	}
	require.NoError(t, tr.rec.PutStoredQuery(ctx, q))

	loaded, err := tr.rec.StoredQuery(ctx, "recent")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.True(t, loaded.HasQuery())
	require.True(t, loaded.HasResult())
	require.Equal(t, []item.Key{seeded[0].Key, seeded[1].Key}, loaded.Result.Keys())
	require.False(t, loaded.IsStale(baseDate.Add(time.Minute), time.Hour))
	require.True(t, loaded.IsStale(baseDate.Add(2*time.Hour), time.Hour))

	require.NoError(t, tr.rec.DeleteStoredQuery(ctx, "recent"))
	loaded, err = tr.rec.StoredQuery(ctx, "recent")
	require.NoError(t, err)
	require.Nil(t, loaded)

	require.ErrorIs(t, tr.rec.PutStoredQuery(ctx, &StoredQuery{}), ErrInvalidName)
}

func TestRecordStoreReopen(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(baseDate)
	root := objectstore.NewMemoryWithClock(clk)
	fake := remotetest.New()
	cfg := testConfig(t, clk)

	rec, err := NewRecordStore(ctx, root, "rec", fake, nil, cfg)
	require.NoError(t, err)
	weights, err := rec.Types().Get(ctx, "weight")
	require.NoError(t, err)
	require.NoError(t, weights.AddNew(ctx, newWeight(70)))
	rec.Types().Release(weights)
	rec.Close()

	// the view and the pending change survive a restart
	rec, err = NewRecordStore(ctx, root, "rec", fake, nil, cfg)
	require.NoError(t, err)
	defer rec.Close()
	weights, err = rec.Types().Get(ctx, "weight")
	require.NoError(t, err)
	defer rec.Types().Release(weights)
	require.Equal(t, 1, weights.Len())

	has, err := rec.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, rec.CommitChanges(ctx))
	require.Equal(t, 1, fake.Len())
}

func TestSynchronizerViews(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 3)
	tr.fake.Seed(&item.Item{Key: item.NewKey("h-1", "v1"), TypeID: "height", EffectiveDate: baseDate})

	weights, err := tr.rec.CreateView("weights", item.QueryForTypeID("weight"))
	require.NoError(t, err)
	heights, err := tr.rec.CreateView("heights", item.QueryForTypeID("height"))
	require.NoError(t, err)

	syncer := NewSynchronizer(tr.rec.Data())
	synced, err := syncer.Synchronize(ctx, []SyncView{weights, heights}, time.Hour)
	require.NoError(t, err)
	require.Len(t, synced, 2)
	require.Equal(t, 3, weights.Len())
	require.Equal(t, 1, heights.Len())
	require.Equal(t, 1, tr.fake.Calls(remotetest.OpExecuteQueries))

	synced, err = syncer.Synchronize(ctx, []SyncView{weights, heights}, time.Hour)
	require.NoError(t, err)
	require.Nil(t, synced)

	tr.clock.Advance(2 * time.Hour)
	tr.fake.FailNext(remotetest.OpExecuteQueries, remote.Fault(remote.FaultServerError, "down"))
	_, err = syncer.Synchronize(ctx, []SyncView{weights}, time.Hour)
	require.True(t, remote.IsFault(err, remote.FaultServerError))
}

func TestViewItemRefresher(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 30)
	first := newWeightView(t, tr, "first")
	second := newWeightView(t, tr, "second")

	refresher, err := NewViewItemRefresher(tr.rec.Data())
	require.NoError(t, err)
	require.ErrorIs(t, refresher.SetBatchSize(0), ErrInvalidReadAhead)
	require.NoError(t, refresher.SetBatchSize(4))

	// overlapping windows: keys 5..9 are shared
	require.NoError(t, refresher.AddChunk(first, 0, 10))
	require.NoError(t, refresher.AddChunk(second, 5, 10))

	n, err := refresher.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, n)
	require.Equal(t, 4, tr.fake.Calls(remotetest.OpGetAllItems))
	requireLocalRange(t, first, 0, 15, true)
	requireLocalRange(t, first, 15, 30, false)
	for _, v := range []*SynchronizedView{first, second} {
		for _, vk := range v.Keys().All() {
			require.False(t, vk.IsLoadPending())
		}
	}

	// nothing left to download in the same window
	require.NoError(t, refresher.AddChunk(first, 0, 10))
	n, err = refresher.Refresh(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 4, tr.fake.Calls(remotetest.OpGetAllItems))

	other, err := NewRecordStore(ctx, tr.root, "other", tr.fake, nil, testConfig(t, tr.clock))
	require.NoError(t, err)
	defer other.Close()
	foreign, err := other.CreateView("weights", item.QueryForTypeID("weight"))
	require.NoError(t, err)
	require.ErrorIs(t, refresher.AddChunk(foreign, 0, 1), ErrForeignView)
}

func TestRecordStoreTable(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(baseDate)
	root := objectstore.NewMemoryWithClock(clk)
	fakes := map[string]*remotetest.Fake{"alice": remotetest.New(), "bob": remotetest.New()}
	cfg := testConfig(t, clk)

	table, err := NewRecordStoreTable(root, func(id string) remote.ItemStore { return fakes[id] }, cfg)
	require.NoError(t, err)
	require.NotNil(t, table.Cache())

	for _, id := range []string{"bob", "alice"} {
		rec, err := table.Get(ctx, id)
		require.NoError(t, err)
		again, err := table.Get(ctx, id)
		require.NoError(t, err)
		require.Same(t, rec, again)

		weights, err := rec.Types().Get(ctx, "weight")
		require.NoError(t, err)
		require.NoError(t, weights.AddNew(ctx, newWeight(60)))
		rec.Types().Release(weights)
	}
	require.Equal(t, []string{"alice", "bob"}, table.Records())

	has, err := table.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, has)
	require.NoError(t, table.CommitChanges(ctx))
	has, err = table.HasChanges(ctx)
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, 1, fakes["alice"].Len())
	require.Equal(t, 1, fakes["bob"].Len())

	require.NoError(t, table.Remove(ctx, "bob"))
	require.Equal(t, []string{"alice"}, table.Records())
	exists, err := root.ChildExists(ctx, "bob")
	require.NoError(t, err)
	require.False(t, exists)

	table.Close()
	_, err = table.Get(ctx, "alice")
	require.ErrorIs(t, err, ErrClosed)
}

func TestViewData(t *testing.T) {
	_, err := NewViewData(nil, "weights")
	require.ErrorIs(t, err, ErrNoQuery)

	data, err := NewViewData(item.QueryForTypeID("weight"), "weights")
	require.NoError(t, err)
	require.True(t, data.IsStale(baseDate, time.Hour))
	require.NoError(t, data.Keys.Add(item.NewViewKey(item.NewKey("w-1", "v1"), baseDate)))
	data.LastUpdated = baseDate

	require.Equal(t, 1, data.KeyCount())
	require.False(t, data.IsStale(baseDate, time.Hour))
	require.Equal(t, []string{"weight"}, data.TypeVersions())
	require.ErrorIs(t, data.ValidateIndex(1), item.ErrIndexOutOfRange)
	vk, err := data.KeyAt(0)
	require.NoError(t, err)
	require.Equal(t, "w-1", vk.Key.ID)
}
