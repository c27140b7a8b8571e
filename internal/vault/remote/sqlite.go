package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/vaultsync/internal/vault/clock"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
)

const serviceSchema = `
CREATE TABLE IF NOT EXISTS items (
	record_id      TEXT NOT NULL,
	id             TEXT NOT NULL,
	version        TEXT NOT NULL,
	type_id        TEXT NOT NULL,
	effective_date INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	client_id      TEXT NOT NULL DEFAULT '',
	data           BLOB,
	PRIMARY KEY (record_id, id)
);

CREATE INDEX IF NOT EXISTS idx_items_order ON items(record_id, effective_date DESC, id);
CREATE INDEX IF NOT EXISTS idx_items_client ON items(record_id, client_id);
`

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// Service is an SQLite-backed item service holding many records.
// Every write assigns a fresh version; updates and removes must present the
// current version.
type Service struct {
	db    *sql.DB
	clock clock.Clock
	log   *zap.Logger

	// writes are serialized so the version check and the write are atomic
	mu sync.Mutex
}

// OpenService opens (or creates) the service database at path.
func OpenService(path string, cfg ServiceConfig) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open service database: %w", err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		serviceSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize service database: %w", err)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, clock: clock.OrSystem(cfg.Clock), log: log.Named("service")}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

// Record returns the item store for one record.
func (s *Service) Record(recordID string) *RecordClient {
	return &RecordClient{svc: s, recordID: recordID}
}

// RecordClient is the ItemStore of one record in a Service.
type RecordClient struct {
	svc      *Service
	recordID string
}

var _ ItemStore = (*RecordClient)(nil)

func (c *RecordClient) all(ctx context.Context) ([]*item.Item, error) {
	rows, err := c.svc.db.QueryContext(ctx, `
		SELECT id, version, type_id, effective_date, updated_at, client_id, data
		FROM items WHERE record_id = ?
		ORDER BY effective_date DESC, id`, c.recordID)
	if err != nil {
		return nil, &TransportError{Kind: TransportConnection, Op: "query", Err: err}
	}
	defer rows.Close()

	var items []*item.Item
	for rows.Next() {
		var (
			it                 item.Item
			effective, updated int64
			data               []byte
		)
		if err := rows.Scan(&it.Key.ID, &it.Key.Version, &it.TypeID, &effective, &updated, &it.ClientID, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		it.EffectiveDate = time.Unix(0, effective).UTC()
		it.UpdatedAt = time.Unix(0, updated).UTC()
		if len(data) > 0 {
			it.Data = data
		}
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Kind: TransportConnection, Op: "query", Err: err}
	}
	return items, nil
}

func (c *RecordClient) GetKeysAndDate(ctx context.Context, filters []item.Filter, maxResults int) ([]item.ViewKey, error) {
	r, err := c.GetAllItems(ctx, &item.Query{Filters: filters, MaxResults: maxResults, Sections: item.SectionCore})
	if err != nil {
		return nil, err
	}
	return ViewKeys(r), nil
}

func (c *RecordClient) GetAllItems(ctx context.Context, q *item.Query) (*item.QueryResult, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil query", ErrClient)
	}
	all, err := c.all(ctx)
	if err != nil {
		return nil, err
	}
	return Evaluate(q, all), nil
}

func (c *RecordClient) ExecuteQueries(ctx context.Context, queries []*item.Query) ([]*item.QueryResult, error) {
	all, err := c.all(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*item.QueryResult, len(queries))
	for i, q := range queries {
		if q == nil {
			return nil, fmt.Errorf("%w: nil query at %d", ErrClient, i)
		}
		results[i] = Evaluate(q, all)
	}
	return results, nil
}

func (c *RecordClient) GetItem(ctx context.Context, key item.Key, sections item.Sections) (*item.Item, error) {
	r, err := c.GetAllItems(ctx, &item.Query{
		Filters:  []item.Filter{{ItemIDs: []string{key.ID}}},
		Sections: sections,
	})
	if err != nil {
		return nil, err
	}
	if len(r.Items) == 0 {
		return nil, nil
	}
	return r.Items[0], nil
}

func (c *RecordClient) Create(ctx context.Context, it *item.Item) (item.Key, error) {
	if err := validateOutgoing(it); err != nil {
		return item.Key{}, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	key := item.NewKey(uuid.NewString(), uuid.NewString())
	_, err := c.svc.db.ExecContext(ctx, `
		INSERT INTO items (record_id, id, version, type_id, effective_date, updated_at, client_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.recordID, key.ID, key.Version, it.TypeID, it.EffectiveDate.UnixNano(),
		c.svc.clock.Now().UnixNano(), it.ClientID, []byte(it.Data))
	if err != nil {
		return item.Key{}, &TransportError{Kind: TransportConnection, Op: "create", Err: err}
	}
	c.svc.log.Debug("created item", zap.String("record", c.recordID), zap.Stringer("key", key))
	return key, nil
}

func (c *RecordClient) Update(ctx context.Context, it *item.Item) (item.Key, error) {
	if err := validateOutgoing(it); err != nil {
		return item.Key{}, err
	}
	if it.Key.IsZero() || it.Key.IsLocal() {
		return item.Key{}, Fault(FaultInvalidRequest, "cannot update item with key %q", it.Key)
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if err := c.checkVersion(ctx, it.Key); err != nil {
		return item.Key{}, err
	}
	key := item.NewKey(it.Key.ID, uuid.NewString())
	_, err := c.svc.db.ExecContext(ctx, `
		UPDATE items SET version = ?, type_id = ?, effective_date = ?, updated_at = ?, client_id = ?, data = ?
		WHERE record_id = ? AND id = ?`,
		key.Version, it.TypeID, it.EffectiveDate.UnixNano(), c.svc.clock.Now().UnixNano(),
		it.ClientID, []byte(it.Data), c.recordID, key.ID)
	if err != nil {
		return item.Key{}, &TransportError{Kind: TransportConnection, Op: "update", Err: err}
	}
	c.svc.log.Debug("updated item", zap.String("record", c.recordID), zap.Stringer("key", key))
	return key, nil
}

func (c *RecordClient) Remove(ctx context.Context, key item.Key) error {
	if key.IsZero() {
		return fmt.Errorf("%w: empty key", ErrClient)
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if err := c.checkVersion(ctx, key); err != nil {
		return err
	}
	if _, err := c.svc.db.ExecContext(ctx,
		"DELETE FROM items WHERE record_id = ? AND id = ?", c.recordID, key.ID); err != nil {
		return &TransportError{Kind: TransportConnection, Op: "remove", Err: err}
	}
	c.svc.log.Debug("removed item", zap.String("record", c.recordID), zap.Stringer("key", key))
	return nil
}

// checkVersion fails unless the item exists at exactly key.Version.
func (c *RecordClient) checkVersion(ctx context.Context, key item.Key) error {
	var version string
	err := c.svc.db.QueryRowContext(ctx,
		"SELECT version FROM items WHERE record_id = ? AND id = ?", c.recordID, key.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return Fault(FaultNotFound, "item %s", key.ID)
	}
	if err != nil {
		return &TransportError{Kind: TransportConnection, Op: "version check", Err: err}
	}
	if version != key.Version {
		return Fault(FaultVersionMismatch, "item %s is at version %s, not %s", key.ID, version, key.Version)
	}
	return nil
}

func validateOutgoing(it *item.Item) error {
	if it == nil {
		return fmt.Errorf("%w: nil item", ErrClient)
	}
	if it.TypeID == "" {
		return fmt.Errorf("%w: %v", ErrValidation, item.ErrMissingTypeID)
	}
	return nil
}
