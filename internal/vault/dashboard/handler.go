package dashboard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

// Handler turns record events into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu       sync.Mutex
	stats    StatsData
	watching map[string]func()
	closed   bool
	wg       sync.WaitGroup
}

// NewHandler creates a handler broadcasting on server. New clients receive
// the current statistics.
func NewHandler(server *Server, logger *zap.Logger) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server:   server,
		logger:   logger.Named("dashboard"),
		stats:    StatsData{TypeUpdates: make(map[string]int)},
		watching: make(map[string]func()),
	}
	server.SetSnapshot(h.statsMessage)
	return h, nil
}

// WatchRecord forwards the commit and type events of rec until Unwatch or
// Close. Watching a record twice is a no-op.
func (h *Handler) WatchRecord(rec *store.RecordStore) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handler closed")
	}
	if _, ok := h.watching[rec.ID()]; ok {
		return nil
	}

	commits, stopCommits := rec.Data().Changes().Subscribe(0)
	types, stopTypes := rec.Types().Subscribe(0)
	h.watching[rec.ID()] = func() {
		stopCommits()
		stopTypes()
	}
	h.stats.Records = len(h.watching)

	record := rec.ID()
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		for ev := range commits {
			h.OnCommitEvent(record, ev)
		}
	}()
	go func() {
		defer h.wg.Done()
		for ev := range types {
			h.OnTypeUpdated(ev)
		}
	}()
	return nil
}

// Unwatch stops forwarding events of a record.
func (h *Handler) Unwatch(recordID string) {
	h.mu.Lock()
	stop, ok := h.watching[recordID]
	delete(h.watching, recordID)
	h.stats.Records = len(h.watching)
	h.mu.Unlock()
	if ok {
		stop()
	}
}

// Close stops every subscription and waits for the forwarders to exit.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	stops := make([]func(), 0, len(h.watching))
	for id, stop := range h.watching {
		stops = append(stops, stop)
		delete(h.watching, id)
	}
	h.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	h.wg.Wait()
}

// OnCommitEvent broadcasts a commit event and updates the counters.
func (h *Handler) OnCommitEvent(record string, ev changes.Event) {
	data := CommitData{Event: ev.Kind.String()}
	if ev.Change != nil {
		data.ItemID = ev.Change.ItemID()
		data.TypeID = ev.Change.TypeID
		data.ChangeType = string(ev.Change.Type)
		data.Attempt = ev.Change.Attempt
		if ev.Change.UpdatedKey.ID != "" {
			data.ServerKey = ev.Change.UpdatedKey.String()
		}
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	h.mu.Lock()
	switch ev.Kind {
	case changes.CommitSucceeded:
		h.stats.Succeeded++
	case changes.CommitFailed:
		h.stats.Failed++
	case changes.CommitError:
		h.stats.Errors++
	case changes.CommitFinished:
		h.stats.Passes++
	}
	h.mu.Unlock()

	h.logger.Debug("commit event",
		zap.String("record", record),
		zap.String("event", data.Event),
		zap.String("item", data.ItemID))
	h.send(MessageTypeCommit, record, data)
	if ev.Kind == changes.CommitFinished {
		h.broadcastStats()
	}
}

// OnTypeUpdated broadcasts a type view update.
func (h *Handler) OnTypeUpdated(ev store.TypeEvent) {
	h.mu.Lock()
	h.stats.TypeUpdates[ev.TypeID]++
	h.mu.Unlock()
	h.send(MessageTypeTypeUpdate, ev.Record, TypeUpdateData{TypeID: ev.TypeID})
}

// GetStats returns a copy of the current statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyStatsLocked()
}

func (h *Handler) copyStatsLocked() StatsData {
	stats := h.stats
	stats.TypeUpdates = make(map[string]int, len(h.stats.TypeUpdates))
	for k, v := range h.stats.TypeUpdates {
		stats.TypeUpdates[k] = v
	}
	return stats
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Error("failed to marshal stats", zap.Error(err))
		return Message{Type: MessageTypeStats}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) send(typ MessageType, record string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Record:    record,
		Data:      data,
	})
}
