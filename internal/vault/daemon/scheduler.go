package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

// Committer drains pending changes. *store.RecordStoreTable and
// *store.RecordStore satisfy it.
type Committer interface {
	HasChanges(ctx context.Context) (bool, error)
	CommitChanges(ctx context.Context) error
}

// Reason says why a commit pass was started.
type Reason int

const (
	ReasonTimer Reason = iota + 1
	ReasonNetwork
	ReasonFile
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonTimer:
		return "timer"
	case ReasonNetwork:
		return "network"
	case ReasonFile:
		return "file"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Config holds configuration for the scheduler.
type Config struct {
	// Interval between timer-driven commit passes. Zero disables the timer.
	Interval time.Duration

	// DebounceInterval is how long a ledger file event must sit in the queue
	// before it triggers a pass. Rapid edits are batched into one pass.
	DebounceInterval time.Duration

	// NetworkPollInterval is how often Connectivity is polled. A pass runs
	// when the device comes back online. Zero disables polling.
	NetworkPollInterval time.Duration

	// Connectivity gates every pass. Nil means always online.
	Connectivity remote.Connectivity

	// WatchDirs are change ledger folders to watch. Empty disables watching.
	WatchDirs []WatchDir

	Logger *zap.Logger
}

// DefaultConfig returns a scheduler with a five minute timer and network
// polling every ten seconds.
func DefaultConfig() *Config {
	return &Config{
		Interval:            5 * time.Minute,
		DebounceInterval:    500 * time.Millisecond,
		NetworkPollInterval: 10 * time.Second,
		Logger:              zap.NewNop(),
	}
}

// ChangeDirs returns the change ledger folders of records kept under a
// folder object store rooted at root.
func ChangeDirs(root string, records []string) []WatchDir {
	dirs := make([]WatchDir, 0, len(records))
	for _, rec := range records {
		dirs = append(dirs, WatchDir{Record: rec, Dir: filepath.Join(root, rec, store.ChangesArea)})
	}
	return dirs
}

// Stats summarizes the passes run so far.
type Stats struct {
	Runs       int
	Skipped    int
	Failures   int
	LastRun    time.Time
	LastReason Reason
	LastErr    error
}

// Scheduler runs commit passes in the background.
type Scheduler struct {
	committer Committer
	config    *Config
	logger    *zap.Logger

	triggers chan Reason
	watcher  *FileWatcher
	ready    chan struct{}

	queueMu sync.Mutex
	queue   map[string]time.Time // path -> queued at

	runMu   sync.Mutex
	running bool

	statsMu sync.Mutex
	stats   Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a scheduler with DefaultConfig.
func New(committer Committer) (*Scheduler, error) {
	return NewWithConfig(committer, DefaultConfig())
}

// NewWithConfig creates a scheduler. Use Start to begin.
func NewWithConfig(committer Committer, config *Config) (*Scheduler, error) {
	if committer == nil {
		return nil, fmt.Errorf("committer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval < 0 || config.NetworkPollInterval < 0 {
		return nil, fmt.Errorf("intervals cannot be negative")
	}
	if len(config.WatchDirs) > 0 && config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive when watching")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		committer: committer,
		config:    config,
		logger:    logger.Named("scheduler"),
		triggers:  make(chan Reason, 1),
		ready:     make(chan struct{}),
		queue:     make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start runs the scheduler. It blocks until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.config.WatchDirs) > 0 {
		watcher, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(s.config.WatchDirs...); err != nil {
			_ = watcher.Stop()
			return err
		}
		s.watcher = watcher
		s.wg.Add(2)
		go s.watchLoop()
		go s.debounceLoop()
	}
	if s.config.Interval > 0 {
		s.wg.Add(1)
		go s.timerLoop()
	}
	if s.config.NetworkPollInterval > 0 && s.config.Connectivity != nil {
		s.wg.Add(1)
		go s.networkLoop()
	}
	s.wg.Add(1)
	go s.runLoop()

	close(s.ready)
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("watched_dirs", len(s.config.WatchDirs)))

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop shuts the scheduler down and waits for a running pass to finish.
func (s *Scheduler) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.watcher != nil {
			err = s.watcher.Stop()
		}
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
	return err
}

// Ready is closed once Start has set up its watchers and loops.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Trigger requests a pass. Requests made while one is already queued are
// folded into it.
func (s *Scheduler) Trigger(reason Reason) {
	select {
	case s.triggers <- reason:
	default:
	}
}

// Stats returns a snapshot of the pass counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// RunOnce runs a pass now. It reports false without committing when the
// device is offline, when another pass is running or when nothing is
// pending.
func (s *Scheduler) RunOnce(ctx context.Context, reason Reason) (bool, error) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return false, nil
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
		// Ledger writes made by the pass itself must not start another one.
		s.clearQueue()
	}()

	if !s.isOnline(ctx) {
		s.recordSkip()
		s.logger.Debug("offline, pass skipped", zap.Stringer("reason", reason))
		return false, nil
	}
	has, err := s.committer.HasChanges(ctx)
	if err != nil {
		s.recordRun(reason, err)
		return false, fmt.Errorf("failed to check pending changes: %w", err)
	}
	if !has {
		s.recordSkip()
		return false, nil
	}

	s.logger.Debug("commit pass", zap.Stringer("reason", reason))
	err = s.committer.CommitChanges(ctx)
	s.recordRun(reason, err)
	if err != nil {
		s.logger.Warn("commit pass failed", zap.Stringer("reason", reason), zap.Error(err))
		return true, fmt.Errorf("failed to commit changes: %w", err)
	}
	return true, nil
}

func (s *Scheduler) isOnline(ctx context.Context) bool {
	if s.config.Connectivity == nil {
		return true
	}
	return s.config.Connectivity.IsOnline(ctx)
}

func (s *Scheduler) isRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) recordSkip() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Skipped++
}

func (s *Scheduler) recordRun(reason Reason, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Runs++
	s.stats.LastRun = time.Now()
	s.stats.LastReason = reason
	s.stats.LastErr = err
	if err != nil {
		s.stats.Failures++
	}
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case reason := <-s.triggers:
			// errors are logged and counted by RunOnce
			_, _ = s.RunOnce(s.ctx, reason)
		}
	}
}

func (s *Scheduler) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Trigger(ReasonTimer)
		}
	}
}

// networkLoop triggers a pass on every offline to online transition.
func (s *Scheduler) networkLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.NetworkPollInterval)
	defer ticker.Stop()
	online := s.isOnline(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.isOnline(s.ctx)
			if now && !online {
				s.logger.Info("network available")
				s.Trigger(ReasonNetwork)
			}
			online = now
		}
	}
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()
	events := s.watcher.Events()
	errs := s.watcher.Errors()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op == OpDelete || s.isRunning() {
				continue
			}
			s.logger.Debug("ledger event",
				zap.String("record", ev.Record),
				zap.String("key", ev.Key),
				zap.Stringer("op", ev.Op))
			s.queueChange(ev.Path)
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *Scheduler) queueChange(path string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue[path] = time.Now()
}

func (s *Scheduler) clearQueue() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	clear(s.queue)
}

func (s *Scheduler) debounceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.processPendingChanges(time.Now()) {
				s.Trigger(ReasonFile)
			}
		}
	}
}

// processPendingChanges removes settled entries from the queue and reports
// whether any were found.
func (s *Scheduler) processPendingChanges(now time.Time) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	settled := false
	for path, queuedAt := range s.queue {
		if now.Sub(queuedAt) < s.config.DebounceInterval {
			continue
		}
		delete(s.queue, path)
		settled = true
	}
	return settled
}
