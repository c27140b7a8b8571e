package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/locks"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote/remotetest"
)

func getType(t *testing.T, tr *testRecord, typeID string) *SynchronizedType {
	t.Helper()
	typ, err := tr.rec.Types().Get(context.Background(), typeID)
	require.NoError(t, err)
	t.Cleanup(func() { tr.rec.Types().Release(typ) })
	return typ
}

func TestTypeAddNewAndCommit(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	weights := getType(t, tr, "weight")

	it := newWeight(72.5)
	require.NoError(t, weights.AddNew(ctx, it))
	localKey := it.Key
	require.True(t, localKey.IsLocal())
	require.Equal(t, 1, weights.Len())

	pending, err := weights.HasPendingChanges(ctx)
	require.NoError(t, err)
	require.True(t, pending)
	require.Zero(t, tr.fake.Calls(remotetest.OpCreate))

	require.NoError(t, tr.rec.CommitChanges(ctx))

	// the local-only entry is gone and the view points at the server key
	gone, err := tr.rec.Data().GetByID(ctx, localKey.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	serverKey, err := weights.KeyAt(0)
	require.NoError(t, err)
	require.False(t, serverKey.IsLocal())
	require.Equal(t, 1, weights.Len())

	remoteItem := tr.fake.Item(serverKey.ID)
	require.NotNil(t, remoteItem)
	require.NotEmpty(t, remoteItem.ClientID)
	require.JSONEq(t, `{"kg":72.5}`, string(remoteItem.Data))

	local, err := weights.GetLocalItem(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, local)
	require.Equal(t, serverKey, local.Key)

	pending, err = weights.HasPendingChanges(ctx)
	require.NoError(t, err)
	require.False(t, pending)

	// the saved view carries the server key too
	saved, err := tr.rec.GetView(ctx, TypeViewName("weight"))
	require.NoError(t, err)
	require.NotNil(t, saved)
	key, err := saved.KeyAt(0)
	require.NoError(t, err)
	require.Equal(t, serverKey, key)
}

func TestTypeAddNewRejectsOtherTypes(t *testing.T) {
	tr := newTestRecord(t)
	weights := getType(t, tr, "weight")
	err := weights.AddNew(context.Background(), &item.Item{TypeID: "height"})
	require.ErrorIs(t, err, changes.ErrTypeIDMismatch)
	require.Zero(t, weights.Len())
}

func TestTypeSynchronizeSkipsPendingChanges(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 2)
	weights := getType(t, tr, "weight")

	synced, err := weights.Synchronize(ctx)
	require.NoError(t, err)
	require.True(t, synced)
	require.Equal(t, 2, weights.Len())

	require.NoError(t, weights.AddNew(ctx, newWeight(80)))
	synced, err = weights.Synchronize(ctx)
	require.NoError(t, err)
	require.False(t, synced)
	require.Equal(t, 3, weights.Len())

	require.NoError(t, tr.rec.CommitChanges(ctx))
	synced, err = weights.Synchronize(ctx)
	require.NoError(t, err)
	require.True(t, synced)
	require.Equal(t, 3, weights.Len())
	for _, vk := range weights.Keys().All() {
		require.False(t, vk.Key.IsLocal())
	}
}

func TestTypeSynchronizeIfStale(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 1)
	weights := getType(t, tr, "weight")

	synced, err := weights.SynchronizeIfStale(ctx, time.Hour)
	require.NoError(t, err)
	require.True(t, synced)

	synced, err = weights.SynchronizeIfStale(ctx, time.Hour)
	require.NoError(t, err)
	require.False(t, synced)
	require.Equal(t, 1, tr.fake.Calls(remotetest.OpGetKeysAndDate))

	tr.clock.Advance(2 * time.Hour)
	synced, err = weights.SynchronizeIfStale(ctx, time.Hour)
	require.NoError(t, err)
	require.True(t, synced)
}

func TestTypeViewRejectsPublicSynchronize(t *testing.T) {
	tr := newTestRecord(t)
	weights := getType(t, tr, "weight")
	require.ErrorIs(t, weights.View().Synchronize(context.Background()), ErrPublicSyncDisabled)
}

func TestEditOperation(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seeded := seedWeights(tr, 1)[0]
	weights := getType(t, tr, "weight")
	_, err := weights.Synchronize(ctx)
	require.NoError(t, err)

	op, err := weights.OpenForEdit(ctx, seeded.Key)
	require.NoError(t, err)
	require.NotNil(t, op)

	// the item is locked while the edit is open
	again, err := weights.OpenForEdit(ctx, seeded.Key)
	require.NoError(t, err)
	require.Nil(t, again)
	removed, err := weights.Remove(ctx, seeded.Key)
	require.NoError(t, err)
	require.False(t, removed)

	op.Item().Data = json.RawMessage(`{"kg":68}`)
	require.NoError(t, op.Commit(ctx))
	require.True(t, op.Released())
	require.ErrorIs(t, op.Commit(ctx), locks.ErrItemNotLocked)
	require.NoError(t, op.Close())

	local, err := tr.rec.Data().GetByID(ctx, seeded.Key.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"kg":68}`, string(local.Data))

	require.NoError(t, tr.rec.CommitChanges(ctx))
	require.Equal(t, 1, tr.fake.Calls(remotetest.OpUpdate))
	require.JSONEq(t, `{"kg":68}`, string(tr.fake.Item(seeded.Key.ID).Data))

	key, err := weights.KeyAt(0)
	require.NoError(t, err)
	require.Equal(t, seeded.Key.ID, key.ID)
	require.NotEqual(t, seeded.Key.Version, key.Version)
}

func TestEditOperationCancel(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seeded := seedWeights(tr, 1)[0]
	weights := getType(t, tr, "weight")
	_, err := weights.Synchronize(ctx)
	require.NoError(t, err)

	op, err := weights.OpenForEdit(ctx, seeded.Key)
	require.NoError(t, err)
	op.Item().Data = json.RawMessage(`{"kg":1}`)
	op.Cancel()
	op.Cancel()

	local, err := tr.rec.Data().GetByID(ctx, seeded.Key.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"kg":70}`, string(local.Data))

	op, err = weights.OpenForEdit(ctx, seeded.Key)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.NoError(t, op.Close())

	missing, err := weights.OpenForEdit(ctx, item.NewKey("w-none", "v1"))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTypeRemove(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seeded := seedWeights(tr, 2)
	weights := getType(t, tr, "weight")
	_, err := weights.Synchronize(ctx)
	require.NoError(t, err)

	removed, err := weights.Remove(ctx, seeded[0].Key)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 1, weights.Len())

	require.NoError(t, tr.rec.CommitChanges(ctx))
	require.Nil(t, tr.fake.Item(seeded[0].Key.ID))
	require.NotNil(t, tr.fake.Item(seeded[1].Key.ID))
}

func TestTypeQuerySettings(t *testing.T) {
	tr := newTestRecord(t)
	weights := getType(t, tr, "weight")

	require.Equal(t, -1, weights.MaxItems())
	require.Error(t, weights.SetMaxItems(0))
	require.NoError(t, weights.SetMaxItems(10))
	require.Equal(t, 10, weights.MaxItems())
	require.Equal(t, 10, weights.SynchronizationQuery().MaxResults)
	require.NoError(t, weights.SetMaxItems(-1))
	require.Equal(t, -1, weights.MaxItems())

	require.Nil(t, weights.EffectiveDateMin())
	since := baseDate.Add(-24 * time.Hour)
	weights.SetEffectiveDateMin(&since)
	require.Equal(t, since, *weights.EffectiveDateMin())
	weights.SetEffectiveDateMax(&baseDate)
	require.Equal(t, baseDate, *weights.EffectiveDateMax())
	require.Equal(t, []string{"weight"}, weights.TypeVersions())
}

func TestTypeManagerReferences(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	types := tr.rec.Types()

	a, err := types.Get(ctx, "weight")
	require.NoError(t, err)
	b, err := types.Get(ctx, "weight")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 2, types.RefCount("weight"))

	types.Release(a, b)
	require.Zero(t, types.RefCount("weight"))
	require.Equal(t, []string{"weight"}, types.LoadedTypes())

	c, err := types.Get(ctx, "weight")
	require.NoError(t, err)
	require.Same(t, a, c)
	types.Release(c)

	_, err = types.GetMultiple(ctx, nil)
	require.Error(t, err)
	_, err = types.Get(ctx, "")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestTypeManagerEvictsIdleTypes(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	cfg := *tr.rec.config
	cfg.MaxIdleTypes = 1
	types, err := newTypeManager(tr.rec, &cfg)
	require.NoError(t, err)

	weights, err := types.Get(ctx, "weight")
	require.NoError(t, err)
	types.Release(weights)
	heights, err := types.Get(ctx, "height")
	require.NoError(t, err)
	types.Release(heights)
	require.Equal(t, []string{"height"}, types.LoadedTypes())

	reloaded, err := types.Get(ctx, "weight")
	require.NoError(t, err)
	require.NotSame(t, weights, reloaded)
	types.Release(reloaded)
}

func TestTypeManagerSynchronizeTypes(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	seedWeights(tr, 2)
	tr.fake.Seed(&item.Item{Key: item.NewKey("h-1", "v1"), TypeID: "height", EffectiveDate: baseDate})
	types := tr.rec.Types()

	synced, err := types.SynchronizeTypes(ctx, []string{"weight", "height"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"weight", "height"}, synced)
	require.Equal(t, 1, tr.fake.Calls(remotetest.OpExecuteQueries))

	synced, err = types.SynchronizeTypes(ctx, []string{"weight", "height"}, time.Hour)
	require.NoError(t, err)
	require.Nil(t, synced)
	require.Equal(t, 1, tr.fake.Calls(remotetest.OpExecuteQueries))

	weights := getType(t, tr, "weight")
	require.Equal(t, 2, weights.Len())
	require.NoError(t, weights.AddNew(ctx, newWeight(90)))

	tr.clock.Advance(2 * time.Hour)
	synced, err = types.SynchronizeTypes(ctx, []string{"weight", "height"}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"height"}, synced)
	require.Equal(t, 3, weights.Len())

	synced, err = types.SynchronizeTypes(ctx, nil, time.Hour)
	require.NoError(t, err)
	require.Nil(t, synced)
}

func TestTypeManagerPublishesUpdates(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	events, cancel := tr.rec.Types().Subscribe(4)
	defer cancel()
	weights := getType(t, tr, "weight")

	require.NoError(t, weights.AddNew(ctx, newWeight(75)))
	require.NoError(t, tr.rec.CommitChanges(ctx))

	select {
	case ev := <-events:
		require.Equal(t, TypeEvent{Record: "rec", TypeID: "weight"}, ev)
	default:
		t.Fatal("no type event")
	}
}

func TestImmediateCommit(t *testing.T) {
	ctx := context.Background()
	tr := newTestRecord(t)
	types := tr.rec.Types()
	require.False(t, types.ImmediateCommitEnabled())
	require.False(t, types.StartCommit())

	types.SetImmediateCommitEnabled(true)
	weights := getType(t, tr, "weight")
	require.NoError(t, weights.AddNew(ctx, newWeight(75)))
	tr.rec.Data().Changes().Wait()

	has, err := tr.rec.HasChanges(ctx)
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, 1, tr.fake.Len())
}
