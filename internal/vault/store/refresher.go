package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

// DefaultRefreshConcurrency bounds the batch downloads a ViewItemRefresher
// runs at once.
const DefaultRefreshConcurrency = 4

// ViewItemRefresher downloads the readahead windows of several views in
// shared batches.
//
// Register windows with AddChunk, then call Refresh. Keys with a local copy
// are skipped; the rest are downloaded in batches of BatchSize with up to
// Concurrency batches in flight. Every registered key has its load-pending
// flag cleared by the time Refresh returns.
type ViewItemRefresher struct {
	store       *SynchronizedStore
	batchSize   int
	concurrency int

	mu           sync.Mutex
	chunks       []refreshChunk
	typeVersions map[string]struct{}
	acceptsAll   bool
}

type refreshChunk struct {
	view *SynchronizedView
	keys []item.Key
}

// refreshCandidate is one key to download and every view waiting on it.
type refreshCandidate struct {
	key   item.Key
	views []*SynchronizedView
}

// NewViewItemRefresher returns a refresher for views of s.
func NewViewItemRefresher(s *SynchronizedStore) (*ViewItemRefresher, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &ViewItemRefresher{
		store:        s,
		batchSize:    DefaultReadAheadChunkSize,
		concurrency:  DefaultRefreshConcurrency,
		typeVersions: make(map[string]struct{}),
	}, nil
}

func (r *ViewItemRefresher) BatchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchSize
}

// SetBatchSize sets the number of keys per download.
func (r *ViewItemRefresher) SetBatchSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReadAhead, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchSize = n
	return nil
}

// SetConcurrency sets how many batches download at once. Values below one
// mean one.
func (r *ViewItemRefresher) SetConcurrency(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrency = max(n, 1)
}

// AddChunk registers the keys of view in [startAt, startAt+count) that are
// not already being downloaded, marking them load pending.
func (r *ViewItemRefresher) AddChunk(view *SynchronizedView, startAt, count int) error {
	if view == nil || view.Store() != r.store {
		return ErrForeignView
	}
	keys, err := view.Keys().CollectKeysNeedingDownload(startAt, count)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, refreshChunk{view: view, keys: keys})
	tvs := view.TypeVersions()
	if len(tvs) == 0 {
		r.acceptsAll = true
	}
	for _, tv := range tvs {
		r.typeVersions[tv] = struct{}{}
	}
	return nil
}

// Reset drops every registered chunk, clearing their load-pending flags.
func (r *ViewItemRefresher) Reset() {
	r.mu.Lock()
	chunks := r.chunks
	r.chunks = nil
	r.typeVersions = make(map[string]struct{})
	r.acceptsAll = false
	r.mu.Unlock()

	for _, c := range chunks {
		c.view.Keys().SetLoadPending(c.keys, false)
	}
}

// Refresh downloads the registered keys that have no local copy and returns
// how many keys it requested.
func (r *ViewItemRefresher) Refresh(ctx context.Context) (int, error) {
	r.mu.Lock()
	chunks := r.chunks
	batchSize := r.batchSize
	concurrency := r.concurrency
	typeVersions := r.typeVersionsLocked()
	r.mu.Unlock()
	defer r.Reset()

	batches, err := r.collectBatches(ctx, chunks, batchSize)
	if err != nil {
		return 0, err
	}

	var downloaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, batch := range batches {
		g.Go(func() error {
			defer clearBatch(batch)
			keys := make([]item.Key, len(batch))
			for i, c := range batch {
				keys[i] = c.key
			}
			if _, err := r.store.Download(gctx, keys, typeVersions, nil); err != nil {
				return err
			}
			downloaded.Add(int64(len(keys)))
			return nil
		})
	}
	err = g.Wait()
	return int(downloaded.Load()), err
}

// collectBatches splits the registered keys without a local copy into
// batches, downloading a key shared by several chunks once. Keys found
// locally have their flag cleared.
func (r *ViewItemRefresher) collectBatches(ctx context.Context, chunks []refreshChunk, batchSize int) ([][]*refreshCandidate, error) {
	var (
		batches [][]*refreshCandidate
		batch   []*refreshCandidate
		seen    = make(map[string]*refreshCandidate)
	)
	for _, c := range chunks {
		for _, key := range c.keys {
			if dup, ok := seen[key.ID]; ok {
				dup.views = append(dup.views, c.view)
				continue
			}
			it, err := c.view.GetLocalItemByKey(ctx, key)
			if err != nil {
				return nil, err
			}
			if it != nil {
				c.view.Keys().SetLoadPending([]item.Key{key}, false)
				continue
			}
			cand := &refreshCandidate{key: key, views: []*SynchronizedView{c.view}}
			seen[key.ID] = cand
			batch = append(batch, cand)
			if len(batch) >= batchSize {
				batches = append(batches, batch)
				batch = nil
			}
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches, nil
}

func (r *ViewItemRefresher) typeVersionsLocked() []string {
	if r.acceptsAll || len(r.typeVersions) == 0 {
		return nil
	}
	tvs := make([]string, 0, len(r.typeVersions))
	for tv := range r.typeVersions {
		tvs = append(tvs, tv)
	}
	return tvs
}

func clearBatch(batch []*refreshCandidate) {
	for _, c := range batch {
		for _, v := range c.views {
			v.Keys().SetLoadPending([]item.Key{c.key}, false)
		}
	}
}
