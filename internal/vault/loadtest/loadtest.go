// Package loadtest simulates concurrent editors working on one record.
//
// Editors read, add and edit items of a single type while a committer
// drains the change ledger in the background. The run reports latency
// statistics per operation and checks that the ledger drains completely
// once the editors stop.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

// Op is one kind of editor operation.
type Op string

const (
	OpRead   Op = "read"
	OpAdd    Op = "add"
	OpEdit   Op = "edit"
	OpCommit Op = "commit"
)

// Options configures a run.
type Options struct {
	TypeID string
	// Editors is the number of concurrent editors.
	Editors int
	// OpsPerEditor is how many operations each editor performs.
	OpsPerEditor int
	// ReadRatio and AddRatio split the operations; the rest are edits.
	ReadRatio float64
	AddRatio  float64
	// CommitInterval is how often the background committer drains the
	// ledger. Zero commits only at the end of the run.
	CommitInterval time.Duration
	// Seed makes the operation mix reproducible.
	Seed int64
}

// DefaultOptions returns ten editors doing fifty operations each.
func DefaultOptions() Options {
	return Options{
		TypeID:         "loadtest",
		Editors:        10,
		OpsPerEditor:   50,
		ReadRatio:      0.6,
		AddRatio:       0.2,
		CommitInterval: 50 * time.Millisecond,
		Seed:           42,
	}
}

func (o Options) validate() error {
	switch {
	case o.TypeID == "":
		return fmt.Errorf("type id cannot be empty")
	case o.Editors <= 0:
		return fmt.Errorf("editors must be positive")
	case o.OpsPerEditor <= 0:
		return fmt.Errorf("ops per editor must be positive")
	case o.ReadRatio < 0 || o.AddRatio < 0 || o.ReadRatio+o.AddRatio > 1:
		return fmt.Errorf("read and add ratios must be within [0, 1]")
	case o.CommitInterval < 0:
		return fmt.Errorf("commit interval cannot be negative")
	}
	return nil
}

// LatencyStats captures performance metrics for one operation kind.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Duration time.Duration
	Stats    map[Op]*LatencyStats
	// Conflicts counts edits that found the item locked or no longer under
	// the key the editor picked.
	Conflicts int
	Errors    []error
	// ItemsOnServer is the view length after the final synchronize.
	ItemsOnServer int
	// Pending reports whether changes were left in the ledger.
	Pending bool
}

// SeedRemote creates n items of typeID on rs and returns their keys.
func SeedRemote(ctx context.Context, rs remote.ItemStore, typeID string, n int) ([]item.Key, error) {
	if rs == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	keys := make([]item.Key, 0, n)
	for i := 0; i < n; i++ {
		it := &item.Item{
			TypeID:        typeID,
			EffectiveDate: base.Add(time.Duration(i) * time.Minute),
			Data:          payload(float64(i)),
		}
		key, err := rs.Create(ctx, it)
		if err != nil {
			return keys, fmt.Errorf("failed to seed item %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func payload(v float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"value":%g}`, v))
}

type sample struct {
	op  Op
	d   time.Duration
	err error
}

// Run drives opts.Editors concurrent editors against rec and returns the
// report. The ledger is drained and the type resynchronized before Run
// returns.
func Run(ctx context.Context, rec *store.RecordStore, opts Options) (*Report, error) {
	if rec == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	typ, err := rec.Types().Get(ctx, opts.TypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to open type %s: %w", opts.TypeID, err)
	}
	defer rec.Types().Release(typ)
	if _, err := typ.Synchronize(ctx); err != nil {
		return nil, fmt.Errorf("failed to synchronize %s: %w", opts.TypeID, err)
	}

	var (
		mu        sync.Mutex
		samples   []sample
		conflicts int
	)
	record := func(s sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}

	start := time.Now()
	committerCtx, stopCommitter := context.WithCancel(ctx)
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		if opts.CommitInterval == 0 {
			return
		}
		ticker := time.NewTicker(opts.CommitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-committerCtx.Done():
				return
			case <-ticker.C:
				t0 := time.Now()
				err := rec.CommitChanges(committerCtx)
				if errors.Is(err, context.Canceled) {
					return
				}
				record(sample{op: OpCommit, d: time.Since(t0), err: err})
			}
		}
	}()

	var wg sync.WaitGroup
	for e := 0; e < opts.Editors; e++ {
		wg.Add(1)
		go func(editor int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(editor)))
			for j := 0; j < opts.OpsPerEditor; j++ {
				if ctx.Err() != nil {
					return
				}
				s, conflict := runOp(ctx, typ, rng, opts)
				record(s)
				if conflict {
					mu.Lock()
					conflicts++
					mu.Unlock()
				}
			}
		}(e)
	}
	wg.Wait()
	stopCommitter()
	<-committerDone

	t0 := time.Now()
	err = rec.CommitChanges(ctx)
	record(sample{op: OpCommit, d: time.Since(t0), err: err})

	report := &Report{
		Duration:  time.Since(start),
		Stats:     make(map[Op]*LatencyStats),
		Conflicts: conflicts,
	}
	byOp := make(map[Op][]time.Duration)
	for _, s := range samples {
		byOp[s.op] = append(byOp[s.op], s.d)
		if s.err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", s.op, s.err))
		}
	}
	for op, durations := range byOp {
		report.Stats[op] = computeLatencyStats(durations)
	}

	if report.Pending, err = rec.HasChanges(ctx); err != nil {
		return report, fmt.Errorf("failed to check pending changes: %w", err)
	}
	if _, err := typ.Synchronize(ctx); err != nil {
		return report, fmt.Errorf("failed to resynchronize %s: %w", opts.TypeID, err)
	}
	report.ItemsOnServer = typ.Len()
	return report, nil
}

// runOp performs one random operation. It reports true for an edit that
// could not take the item.
func runOp(ctx context.Context, typ *store.SynchronizedType, rng *rand.Rand, opts Options) (sample, bool) {
	roll := rng.Float64()
	n := typ.Len()
	switch {
	case n > 0 && roll < opts.ReadRatio:
		t0 := time.Now()
		_, err := typ.EnsureItemAvailableAndGet(ctx, rng.Intn(n))
		return sample{op: OpRead, d: time.Since(t0), err: ignoreRange(err)}, false

	case n == 0 || roll < opts.ReadRatio+opts.AddRatio:
		t0 := time.Now()
		err := typ.AddNew(ctx, &item.Item{TypeID: opts.TypeID, Data: payload(rng.Float64() * 100)})
		return sample{op: OpAdd, d: time.Since(t0), err: err}, false

	default:
		t0 := time.Now()
		key, err := typ.KeyAt(rng.Intn(n))
		if err != nil {
			return sample{op: OpEdit, d: time.Since(t0), err: ignoreRange(err)}, false
		}
		op, err := typ.OpenForEdit(ctx, key)
		if err != nil {
			return sample{op: OpEdit, d: time.Since(t0), err: err}, false
		}
		if op == nil {
			return sample{op: OpEdit, d: time.Since(t0)}, true
		}
		op.Item().Data = payload(rng.Float64() * 100)
		err = op.Commit(ctx)
		op.Close()
		return sample{op: OpEdit, d: time.Since(t0), err: err}, false
	}
}

// ignoreRange drops index errors caused by a concurrent view update.
func ignoreRange(err error) error {
	if errors.Is(err, item.ErrIndexOutOfRange) {
		return nil
	}
	return err
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes the report as a table.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Duration:  %v\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Conflicts: %d\n", r.Conflicts)
	fmt.Fprintf(w, "Errors:    %d\n", len(r.Errors))
	fmt.Fprintf(w, "Items:     %d\n", r.ItemsOnServer)
	fmt.Fprintf(w, "Pending:   %v\n\n", r.Pending)
	fmt.Fprintf(w, "%-8s %7s %10s %10s %10s %10s %10s\n", "op", "count", "min", "p50", "mean", "p95", "max")
	for _, op := range []Op{OpRead, OpAdd, OpEdit, OpCommit} {
		s, ok := r.Stats[op]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-8s %7d %10v %10v %10v %10v %10v\n", op, s.Count,
			s.Min.Round(time.Microsecond), s.P50.Round(time.Microsecond),
			s.Mean.Round(time.Microsecond), s.P95.Round(time.Microsecond),
			s.Max.Round(time.Microsecond))
	}
}
