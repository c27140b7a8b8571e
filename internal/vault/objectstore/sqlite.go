package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS objects (
	store      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);
`

// SQLite keeps every store of a tree in one database file.
// A child store is addressed by its slash-joined path from the root.
type SQLite struct {
	db    *sql.DB
	path  string
	owner bool
}

// OpenSQLite opens (or creates) a database file and returns its root store.
//
// The database runs in WAL mode so readers proceed during writes.
// The caller MUST call Close on the root store when done.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, Error.New("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, Error.New("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, Error.New("failed to ping database: %v", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, Error.New("failed to apply %s: %v", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, Error.New("failed to create schema: %v", err)
	}

	return &SQLite{db: db, owner: true}, nil
}

// Close closes the database. Only the root store owns the connection;
// Close on a child store is a no-op.
func (s *SQLite) Close() error {
	if !s.owner || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.db.Close()
	s.db = nil
	return Error.Wrap(err)
}

func (s *SQLite) childPath(name string) string {
	if s.path == "" {
		return name
	}
	return s.path + "/" + name
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM objects WHERE store = ? AND key = ?", s.path, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (store, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(store, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		s.path, key, value, time.Now().UnixNano())
	return Error.Wrap(err)
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE store = ? AND key = ?", s.path, key)
	return Error.Wrap(err)
}

func (s *SQLite) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM objects WHERE store = ? AND key = ?", s.path, key).Scan(&n)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM objects WHERE store = ? ORDER BY key", s.path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, Error.Wrap(rows.Err())
}

func (s *SQLite) DeleteAll(ctx context.Context) error {
	return s.deleteTree(ctx, s.path, false)
}

// deleteTree removes the values at path and every store below it.
// The store row for path itself is kept unless dropSelf is set.
func (s *SQLite) deleteTree(ctx context.Context, path string, dropSelf bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.New("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	prefix := path + "/"
	if path == "" {
		prefix = ""
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM objects WHERE store = ? OR substr(store, 1, ?) = ?",
		path, len(prefix), prefix); err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM stores WHERE path <> ? AND substr(path, 1, ?) = ?",
		path, len(prefix), prefix); err != nil {
		return Error.Wrap(err)
	}
	if dropSelf {
		if _, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE path = ?", path); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

func (s *SQLite) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		"SELECT updated_at FROM objects WHERE store = ? AND key = ?", s.path, key).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return time.Time{}, Error.Wrap(err)
	}
	return time.Unix(0, nanos), nil
}

func (s *SQLite) CreateChild(ctx context.Context, name string) (Store, error) {
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	path := s.childPath(name)
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO stores (path) VALUES (?) ON CONFLICT(path) DO NOTHING", path); err != nil {
		return nil, Error.Wrap(err)
	}
	return &SQLite{db: s.db, path: path}, nil
}

func (s *SQLite) DeleteChild(ctx context.Context, name string) error {
	if err := validateChildName(name); err != nil {
		return err
	}
	return s.deleteTree(ctx, s.childPath(name), true)
}

func (s *SQLite) ChildExists(ctx context.Context, name string) (bool, error) {
	if err := validateChildName(name); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stores WHERE path = ?", s.childPath(name)).Scan(&n)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}
