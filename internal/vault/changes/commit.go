package changes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/locks"
	"github.com/Mschirtzinger/vaultsync/internal/vault/notify"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
)

// LocalItems is the local item cache a Manager commits from.
// GetByID returns nil, nil for a missing item.
type LocalItems interface {
	GetByID(ctx context.Context, itemID string) (*item.Item, error)
	Put(ctx context.Context, it *item.Item) error
	Delete(ctx context.Context, itemID string) error
}

// RemoteSource returns the remote store currently bound to a record.
type RemoteSource interface {
	Remote() remote.ItemStore
}

// TypeNotifier is told about every committed Put so views can move the item
// to its server key. Its errors are logged and otherwise ignored.
type TypeNotifier interface {
	OnChangeCommitted(ctx context.Context, change *Change) error
}

// Config configures a Manager.
type Config struct {
	// Record names the record in logs, events and metrics.
	Record string

	// MaxAttemptsPerChange caps retries of one change. Zero means unlimited.
	MaxAttemptsPerChange int

	// Sections are fetched when re-reading a committed item.
	Sections item.Sections

	// Connectivity tells a transport failure while offline (halts the drain)
	// from one while online (retried). Nil means always online.
	Connectivity remote.Connectivity

	// Metrics receives commit counters. Nil disables metrics.
	Metrics *Metrics

	Logger *zap.Logger
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() *Config {
	return &Config{
		Sections: item.SectionStandard,
		Logger:   zap.NewNop(),
	}
}

// Manager drains the change table into the remote store.
//
// Drains never overlap. A drain requested while one runs is replayed as a
// full pass once the current one finishes. Within a pass changes are
// committed one at a time in ChangeQueue order, each under its item lock.
type Manager struct {
	table   *Table
	local   LocalItems
	remotes RemoteSource
	locks   *locks.Table
	policy  *Policy
	worker  *WorkerController
	config  *Config
	log     *zap.Logger
	events  notify.Hub[Event]

	notifierMu sync.RWMutex
	notifier   TypeNotifier

	// background drains started by StartCommit
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a manager with default settings.
func NewManager(table *Table, local LocalItems, remotes RemoteSource, lockTable *locks.Table) (*Manager, error) {
	return NewManagerWithConfig(table, local, remotes, lockTable, DefaultConfig())
}

// NewManagerWithConfig returns a manager with custom settings.
func NewManagerWithConfig(table *Table, local LocalItems, remotes RemoteSource, lockTable *locks.Table, config *Config) (*Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("change table cannot be nil")
	}
	if local == nil {
		return nil, fmt.Errorf("local items cannot be nil")
	}
	if remotes == nil {
		return nil, fmt.Errorf("remote source cannot be nil")
	}
	if lockTable == nil {
		return nil, fmt.Errorf("lock table cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Sections == 0 {
		config.Sections = item.SectionStandard
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		table:   table,
		local:   local,
		remotes: remotes,
		locks:   lockTable,
		policy: &Policy{
			MaxAttemptsPerChange: config.MaxAttemptsPerChange,
			Connectivity:         config.Connectivity,
		},
		worker: NewWorkerController(),
		config: config,
		log:    log.Named("commit").With(zap.String("record", config.Record)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Table returns the change table.
func (m *Manager) Table() *Table {
	return m.table
}

// Policy returns the error policy. Its fields may be adjusted before the
// first drain.
func (m *Manager) Policy() *Policy {
	return m.policy
}

// Worker returns the drain controller.
func (m *Manager) Worker() *WorkerController {
	return m.worker
}

// CommitEnabled reports whether drains may run.
func (m *Manager) CommitEnabled() bool {
	return m.worker.Enabled()
}

// SetCommitEnabled enables or disables drains. Disabling stops a running
// drain at the next item.
func (m *Manager) SetCommitEnabled(enabled bool) {
	m.worker.SetEnabled(enabled)
}

// SetTypeNotifier installs the hook told about committed puts.
func (m *Manager) SetTypeNotifier(n TypeNotifier) {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.notifier = n
}

// Subscribe returns a channel of commit events.
func (m *Manager) Subscribe(size int) (<-chan Event, func()) {
	return m.events.Subscribe(size)
}

// TrackPut records a pending put of it.
func (m *Manager) TrackPut(ctx context.Context, it *item.Item) (*Change, error) {
	if it == nil {
		return nil, fmt.Errorf("%w: nil item", ErrInvalidChange)
	}
	return m.table.TrackChange(ctx, it.TypeID, it.Key, Put)
}

// TrackRemove records a pending removal of key.
func (m *Manager) TrackRemove(ctx context.Context, typeID string, key item.Key) (*Change, error) {
	return m.table.TrackChange(ctx, typeID, key, Remove)
}

// StartCommit starts a background drain and reports whether it did. When a
// drain is already running the request is folded into it.
func (m *Manager) StartCommit() bool {
	if !m.worker.ShouldScheduleWork() {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Commit(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("background commit failed", zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every background drain has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops background drains and closes event subscriptions.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.events.Close()
}

// Commit drains the change queue, repeating while more drains were requested
// during the pass. It returns immediately when another drain is running; that
// drain picks the request up.
func (m *Manager) Commit(ctx context.Context) error {
	for {
		if !m.worker.BeginWork() {
			return nil
		}
		err := m.drain(ctx)
		pending := m.worker.CompleteWork()
		if err != nil {
			if pending {
				m.worker.MarkPending()
			}
			return err
		}
		if !pending {
			return nil
		}
	}
}

func (m *Manager) drain(ctx context.Context) error {
	start := time.Now()
	m.publish(Event{Kind: CommitStarting})
	m.log.Debug("starting change commit")
	defer func() {
		m.config.Metrics.observeDrain(time.Since(start).Seconds())
		if n, err := m.table.ChangeCount(context.WithoutCancel(ctx)); err == nil {
			m.config.Metrics.setPending(m.config.Record, n)
		}
		m.publish(Event{Kind: CommitFinished})
		m.log.Debug("finished change commit", zap.Duration("elapsed", time.Since(start)))
	}()

	queue, err := m.table.ChangeQueue(ctx)
	if err != nil {
		m.publish(Event{Kind: CommitError, Err: err})
		return fmt.Errorf("failed to read change queue: %w", err)
	}

	for _, itemID := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.worker.Enabled() {
			m.log.Debug("commit disabled, stopping drain")
			return nil
		}
		proceed, err := m.commitItem(ctx, itemID)
		if err != nil {
			m.publish(Event{Kind: CommitError, Err: err})
			return err
		}
		if !proceed {
			return ctx.Err()
		}
	}
	return nil
}

// commitItem commits the change for itemID under its lock. It returns false
// when the drain must stop.
func (m *Manager) commitItem(ctx context.Context, itemID string) (bool, error) {
	lockID, err := m.locks.AcquireLock(itemID)
	if err != nil {
		return true, nil
	}
	if lockID == locks.NotAcquired {
		// being edited; the next drain picks it up
		m.config.Metrics.observeChange(ResultSkipped)
		return true, nil
	}
	defer m.locks.SafeReleaseLock(itemID, lockID)

	change, err := m.table.Change(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to read change for %s: %w", itemID, err)
	}
	if change == nil {
		return true, nil
	}
	return m.commitChange(ctx, change)
}

func (m *Manager) commitChange(ctx context.Context, change *Change) (bool, error) {
	m.updateAttemptCount(ctx, change)

	var err error
	if change.Type == Remove {
		err = m.commitRemove(ctx, change)
	} else {
		var committed bool
		committed, err = m.commitPut(ctx, change)
		if err == nil && committed {
			m.notifyTypes(ctx, change)
		}
	}

	log := m.log.With(zap.Stringer("change", change), zap.Int("attempt", change.Attempt))
	dequeue := false
	switch {
	case err == nil:
		log.Debug("change committed", zap.Stringer("key", change.UpdatedKey))
		m.config.Metrics.observeChange(ResultSucceeded)
		m.publish(Event{Kind: CommitSucceeded, Change: change.Clone()})
		dequeue = true
	case ctx.Err() != nil:
		// canceled mid-flight: keep the change for the next drain
		log.Debug("commit canceled", zap.Error(err))
		return false, nil
	case m.policy.IsHalting(ctx, err):
		log.Warn("halting commit drain", zap.Error(err))
		m.config.Metrics.observeChange(ResultHalted)
		m.publish(Event{Kind: CommitError, Change: change.Clone(), Err: err})
		return false, nil
	case m.policy.ShouldRetry(change, err):
		log.Info("change left queued for retry", zap.Error(err))
		m.config.Metrics.observeChange(ResultRetry)
		m.publish(Event{Kind: CommitError, Change: change.Clone(), Err: err})
	default:
		log.Warn("change commit failed, dropping change", zap.Error(err))
		m.config.Metrics.observeChange(ResultFailed)
		m.publish(Event{Kind: CommitFailed, Change: change.Clone(), Err: err})
		dequeue = true
	}

	if dequeue {
		if err := m.table.RemoveChange(ctx, change.ItemID()); err != nil {
			return false, fmt.Errorf("failed to dequeue change for %s: %w", change.ItemID(), err)
		}
	}
	return true, nil
}

// commitPut pushes the local copy of the item. It reports false when there
// was nothing to push.
func (m *Manager) commitPut(ctx context.Context, change *Change) (bool, error) {
	local, err := m.local.GetByID(ctx, change.ItemID())
	if err != nil {
		return false, err
	}
	if local == nil {
		return false, nil
	}
	rs := m.remotes.Remote()
	if rs == nil {
		return false, fmt.Errorf("%w: no remote store bound", remote.ErrClient)
	}

	change.LocalData = local.Clone()
	change.LocalData.ClientID = change.ChangeID

	duplicate, err := m.detectDuplicate(ctx, rs, change)
	if err != nil {
		return false, err
	}
	if !duplicate {
		if change.LocalData.Key.IsLocal() {
			err = m.commitNew(ctx, rs, change)
		} else {
			err = m.commitUpdate(ctx, rs, change)
		}
		if err != nil {
			return false, err
		}
	}

	m.refreshItem(ctx, rs, change)
	m.storeCommitted(ctx, change)
	return true, nil
}

func (m *Manager) commitUpdate(ctx context.Context, rs remote.ItemStore, change *Change) error {
	key, err := rs.Update(ctx, change.LocalData)
	if err == nil {
		change.UpdatedKey = key
		return nil
	}
	if !m.policy.ShouldCreateNewItemForConflict(err) {
		return err
	}
	// the server copy moved or vanished; keep the user's edit as a new item
	m.log.Info("update conflicted, creating new item",
		zap.Stringer("change", change), zap.Error(err))
	return m.commitNew(ctx, rs, change)
}

func (m *Manager) commitNew(ctx context.Context, rs remote.ItemStore, change *Change) error {
	key, err := rs.Create(ctx, change.LocalData)
	if err != nil {
		return err
	}
	change.UpdatedKey = key
	return nil
}

func (m *Manager) commitRemove(ctx context.Context, change *Change) error {
	if change.Key.IsLocal() {
		return nil
	}
	rs := m.remotes.Remote()
	if rs == nil {
		return fmt.Errorf("%w: no remote store bound", remote.ErrClient)
	}
	err := rs.Remove(ctx, change.Key)
	if err != nil && IsItemKeyNotFound(err) {
		return nil
	}
	return err
}

// detectDuplicate looks for an item the server already stored under this
// change id, which happens when a previous attempt succeeded but its
// response was lost.
func (m *Manager) detectDuplicate(ctx context.Context, rs remote.ItemStore, change *Change) (bool, error) {
	q := item.QueryForClientID(change.ChangeID)
	q.MaxResults = 1
	q.Sections = item.SectionCore
	result, err := rs.GetAllItems(ctx, q)
	if err != nil {
		return false, err
	}
	if result == nil || len(result.Items) == 0 {
		return false, nil
	}
	change.UpdatedKey = result.Items[0].Key
	m.log.Info("change already committed, adopting server key",
		zap.Stringer("change", change), zap.Stringer("key", change.UpdatedKey))
	return true, nil
}

func (m *Manager) refreshItem(ctx context.Context, rs remote.ItemStore, change *Change) {
	change.UpdatedItem = nil
	it, err := rs.GetItem(ctx, change.UpdatedKey, m.config.Sections)
	if err != nil {
		m.log.Warn("failed to refresh committed item", zap.Stringer("key", change.UpdatedKey), zap.Error(err))
		m.publish(Event{Kind: CommitError, Change: change.Clone(), Err: err})
		return
	}
	change.UpdatedItem = it
}

// storeCommitted writes the committed item back to the local cache under its
// server key. The entry under a replaced local-only id is removed.
func (m *Manager) storeCommitted(ctx context.Context, change *Change) {
	committed := change.UpdatedItem.Clone()
	if committed == nil {
		committed = change.LocalData.Clone()
		committed.Key = change.UpdatedKey
	}
	if err := m.local.Put(ctx, committed); err != nil {
		m.log.Warn("failed to store committed item", zap.Stringer("key", committed.Key), zap.Error(err))
		return
	}
	if oldID := change.ItemID(); oldID != committed.Key.ID {
		if err := m.local.Delete(ctx, oldID); err != nil {
			m.log.Warn("failed to drop local-only item", zap.String("id", oldID), zap.Error(err))
		}
	}
}

func (m *Manager) updateAttemptCount(ctx context.Context, change *Change) {
	change.Attempt++
	if err := m.table.SaveChange(ctx, change); err != nil {
		m.log.Warn("failed to save attempt count", zap.Stringer("change", change), zap.Error(err))
		m.publish(Event{Kind: CommitError, Change: change.Clone(), Err: err})
	}
}

func (m *Manager) notifyTypes(ctx context.Context, change *Change) {
	m.notifierMu.RLock()
	n := m.notifier
	m.notifierMu.RUnlock()
	if n == nil {
		return
	}
	if err := n.OnChangeCommitted(ctx, change); err != nil {
		m.log.Debug("type notification failed", zap.Stringer("change", change), zap.Error(err))
	}
}

func (m *Manager) publish(ev Event) {
	ev.Record = m.config.Record
	m.events.Publish(ev)
}
