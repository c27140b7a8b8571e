package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newItem(typeID string, effective time.Time, payload string) *item.Item {
	return &item.Item{
		TypeID:        typeID,
		EffectiveDate: effective,
		Data:          json.RawMessage(fmt.Sprintf(`{"v":%q}`, payload)),
	}
}

func openService(t *testing.T) *remote.Service {
	t.Helper()
	svc, err := remote.OpenService(filepath.Join(t.TempDir(), "service.db"), remote.ServiceConfig{
		Clock: clock.NewManual(day),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestServiceCreateAndGet(t *testing.T) {
	ctx := context.Background()
	rec := openService(t).Record("rec-1")

	key, err := rec.Create(ctx, newItem("weight", day, "80kg"))
	require.NoError(t, err)
	require.False(t, key.IsLocal())
	require.NotEmpty(t, key.Version)

	got, err := rec.GetItem(ctx, key, item.SectionStandard)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, key, got.Key)
	require.Equal(t, "weight", got.TypeID)
	require.True(t, day.Equal(got.EffectiveDate))
	require.JSONEq(t, `{"v":"80kg"}`, string(got.Data))

	got, err = rec.GetItem(ctx, key, item.SectionCore)
	require.NoError(t, err)
	require.False(t, got.HasData())

	missing, err := rec.GetItem(ctx, item.NewKey("nope", "1"), item.SectionStandard)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestServiceRecordsAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc := openService(t)

	_, err := svc.Record("a").Create(ctx, newItem("weight", day, "1"))
	require.NoError(t, err)

	keys, err := svc.Record("b").GetKeysAndDate(ctx, nil, 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestServiceVersionChecks(t *testing.T) {
	ctx := context.Background()
	rec := openService(t).Record("rec-1")

	key, err := rec.Create(ctx, newItem("weight", day, "80kg"))
	require.NoError(t, err)

	it := newItem("weight", day, "81kg")
	it.Key = key
	newKey, err := rec.Update(ctx, it)
	require.NoError(t, err)
	require.Equal(t, key.ID, newKey.ID)
	require.NotEqual(t, key.Version, newKey.Version)

	// the old version is now stale
	_, err = rec.Update(ctx, it)
	require.True(t, remote.IsFault(err, remote.FaultVersionMismatch), "got %v", err)
	require.True(t, remote.IsFault(rec.Remove(ctx, key), remote.FaultVersionMismatch))

	it.Key = item.NewKey("missing", "v")
	_, err = rec.Update(ctx, it)
	require.True(t, remote.IsFault(err, remote.FaultNotFound), "got %v", err)

	it.Key = item.NewLocalKey()
	_, err = rec.Update(ctx, it)
	require.True(t, remote.IsFault(err, remote.FaultInvalidRequest), "got %v", err)

	require.NoError(t, rec.Remove(ctx, newKey))
	require.True(t, remote.IsFault(rec.Remove(ctx, newKey), remote.FaultNotFound))

	_, err = rec.Create(ctx, &item.Item{})
	require.ErrorIs(t, err, remote.ErrValidation)
}

func TestServiceQueries(t *testing.T) {
	ctx := context.Background()
	rec := openService(t).Record("rec-1")

	var weights []item.Key
	for i := 0; i < 5; i++ {
		k, err := rec.Create(ctx, newItem("weight", day.Add(time.Duration(i)*time.Hour), fmt.Sprint(i)))
		require.NoError(t, err)
		weights = append(weights, k)
	}
	bp := newItem("blood-pressure", day.Add(10*time.Hour), "120/80")
	bp.ClientID = "change-1"
	bpKey, err := rec.Create(ctx, bp)
	require.NoError(t, err)

	keys, err := rec.GetKeysAndDate(ctx, []item.Filter{{TypeIDs: []string{"weight"}}}, 0)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	for i, vk := range keys {
		// newest first
		require.Equal(t, weights[4-i], vk.Key)
	}

	keys, err = rec.GetKeysAndDate(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, bpKey, keys[0].Key)

	r, err := rec.GetAllItems(ctx, item.QueryForClientID("change-1"))
	require.NoError(t, err)
	require.Len(t, r.Items, 1)
	require.Equal(t, bpKey, r.Items[0].Key)

	results, err := rec.ExecuteQueries(ctx, []*item.Query{
		item.QueryForTypeID("blood-pressure"),
		item.QueryForKeys(weights[:2]),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "blood-pressure", results[0].Name)
	require.Len(t, results[0].Items, 1)
	require.ElementsMatch(t, weights[:2], results[1].Keys())
}

func TestEvaluateTypeVersions(t *testing.T) {
	all := []*item.Item{
		{Key: item.NewKey("a", "1"), TypeID: "weight", EffectiveDate: day, Data: json.RawMessage(`{}`)},
		{Key: item.NewKey("b", "1"), TypeID: "height", EffectiveDate: day, Data: json.RawMessage(`{}`)},
	}
	r := remote.Evaluate(&item.Query{TypeVersions: []string{"height"}, Sections: item.SectionCore}, all)
	require.Len(t, r.Items, 1)
	require.Equal(t, "b", r.Items[0].ID())
	require.False(t, r.Items[0].HasData())
	// the snapshot is untouched
	require.True(t, all[1].HasData())
}

func TestFaultPredicates(t *testing.T) {
	wrapped := fmt.Errorf("failed to update: %w", remote.Fault(remote.FaultVersionMismatch, "stale"))
	tests := []struct {
		name  string
		err   error
		codes []remote.FaultCode
		want  bool
	}{
		{"direct", remote.Fault(remote.FaultNotFound, "x"), []remote.FaultCode{remote.FaultNotFound}, true},
		{"wrapped", wrapped, []remote.FaultCode{remote.FaultNotFound, remote.FaultVersionMismatch}, true},
		{"other code", wrapped, []remote.FaultCode{remote.FaultServerError}, false},
		{"plain error", errors.New("boom"), []remote.FaultCode{remote.FaultServerError}, false},
		{"nil", nil, []remote.FaultCode{remote.FaultServerError}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remote.IsFault(tt.err, tt.codes...); got != tt.want {
				t.Errorf("IsFault(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	te := &remote.TransportError{Kind: remote.TransportTimeout, Op: "update", Err: context.DeadlineExceeded}
	got, ok := remote.AsTransport(fmt.Errorf("commit: %w", te))
	require.True(t, ok)
	require.Equal(t, remote.TransportTimeout, got.Kind)
	require.ErrorIs(t, te, context.DeadlineExceeded)
}

func TestNetProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	probe := remote.NewNetProbe(ln.Addr().String())
	require.True(t, probe.IsOnline(context.Background()))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	probe = &remote.NetProbe{Address: addr, Timeout: 200 * time.Millisecond}
	require.False(t, probe.IsOnline(context.Background()))
}

func TestStatic(t *testing.T) {
	s := remote.NewStatic(true)
	require.True(t, s.IsOnline(context.Background()))
	s.Set(false)
	require.False(t, s.IsOnline(context.Background()))
}
