package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// SyncView is a view a Synchronizer can refresh.
type SyncView interface {
	IsStale(maxAge time.Duration) bool
	SynchronizationQuery() *item.Query
	UpdateKeys(keys *item.ViewKeyCollection)
}

// pendingChecker is implemented by views that must not be synchronized
// while they have uncommitted changes.
type pendingChecker interface {
	HasPendingChanges(ctx context.Context) (bool, error)
}

// saver is implemented by views that persist themselves after an update.
type saver interface {
	Save(ctx context.Context) error
}

// Synchronizer refreshes several views with one remote round trip.
type Synchronizer struct {
	store *SynchronizedStore
}

// NewSynchronizer returns a synchronizer querying the remote store of s.
func NewSynchronizer(s *SynchronizedStore) *Synchronizer {
	return &Synchronizer{store: s}
}

// Synchronize refreshes every view older than maxAge and without pending
// changes, and returns the views it updated, or nil when none were.
func (s *Synchronizer) Synchronize(ctx context.Context, views []SyncView, maxAge time.Duration) ([]SyncView, error) {
	var (
		due     []SyncView
		queries []*item.Query
	)
	for _, v := range views {
		if v == nil || !v.IsStale(maxAge) {
			continue
		}
		if pc, ok := v.(pendingChecker); ok {
			pending, err := pc.HasPendingChanges(ctx)
			if err != nil {
				return nil, err
			}
			if pending {
				continue
			}
		}
		due = append(due, v)
		queries = append(queries, v.SynchronizationQuery())
	}
	if len(due) == 0 {
		return nil, nil
	}

	rs := s.store.Remote()
	if rs == nil {
		return nil, ErrNoRemote
	}
	results, err := rs.ExecuteQueries(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("failed to synchronize views: %w", err)
	}
	if len(results) != len(queries) {
		return nil, fmt.Errorf("failed to synchronize views: %d results for %d queries", len(results), len(queries))
	}

	synced := make([]SyncView, 0, len(due))
	for i, v := range due {
		v.UpdateKeys(item.FromQueryResult(results[i]))
		if sv, ok := v.(saver); ok {
			if err := sv.Save(ctx); err != nil {
				return synced, err
			}
		}
		synced = append(synced, v)
	}
	s.store.log.Debug("synchronized views", zap.Int("count", len(synced)))
	return synced, nil
}
