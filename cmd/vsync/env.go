package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

const (
	passphraseEnv = "VSYNC_PASSPHRASE"
	saltFile      = "salt"
)

// env is everything a command needs to work on the configured record.
type env struct {
	settings *Settings
	registry *prometheus.Registry
	connect  remote.Connectivity
	service  *remote.Service
	table    *store.RecordStoreTable
	record   *store.RecordStore

	closers []io.Closer
}

// openEnv opens the local store, the service and the configured record.
// Background commits are left to the caller: commands commit synchronously
// and the daemon schedules its own passes.
func openEnv(ctx context.Context, s *Settings, log *zap.Logger) (*env, error) {
	e := &env{settings: s, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	root, err := e.openRoot(s, log)
	if err != nil {
		return nil, err
	}

	svc, err := remote.OpenService(s.Service, remote.ServiceConfig{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("failed to open service: %w", err)
	}
	e.service = svc
	e.closers = append(e.closers, svc)

	if s.ProbeAddress != "" {
		e.connect = remote.NewNetProbe(s.ProbeAddress)
	} else {
		e.connect = remote.NewStatic(true)
	}

	cfg := store.DefaultConfig()
	cfg.ItemCacheSize = s.ItemCacheSize
	cfg.ReadAheadChunkSize = s.ReadAheadChunk
	cfg.MaxAttemptsPerChange = s.MaxAttempts
	cfg.ImmediateCommit = false
	cfg.Connectivity = e.connect
	cfg.Metrics = changes.NewMetrics(e.registry)
	cfg.Logger = log

	factory := func(recordID string) remote.ItemStore { return svc.Record(recordID) }
	table, err := store.NewRecordStoreTable(root, factory, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create record table: %w", err)
	}
	e.table = table

	rec, err := table.Get(ctx, s.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to open record %s: %w", s.Record, err)
	}
	e.record = rec
	ok = true
	return e, nil
}

func (e *env) openRoot(s *Settings, log *zap.Logger) (objectstore.Store, error) {
	if err := os.MkdirAll(s.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var root objectstore.Store
	switch s.Backend {
	case "folder":
		f, err := objectstore.OpenFolder(filepath.Join(s.DataDir, "records"))
		if err != nil {
			return nil, err
		}
		root = f
	case "sqlite":
		db, err := objectstore.OpenSQLite(filepath.Join(s.DataDir, "records.db"))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, db)
		root = db
	case "bolt":
		db, err := objectstore.OpenBolt(filepath.Join(s.DataDir, "records.bolt"))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, db)
		root = db
	case "memory":
		root = objectstore.NewMemory()
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}

	if log.Core().Enabled(zap.DebugLevel) {
		root = objectstore.NewLogging(log, root)
	}

	if s.Encrypt {
		key, err := loadKey(s.DataDir)
		if err != nil {
			return nil, err
		}
		root = objectstore.NewEncrypted(root, key)
	}
	return root, nil
}

// folderRoot returns the directory of the folder backend, or "" for others.
func (e *env) folderRoot() string {
	if e.settings.Backend != "folder" {
		return ""
	}
	return filepath.Join(e.settings.DataDir, "records")
}

// loadKey derives the store key from the passphrase and the salt kept in
// dataDir, creating the salt on first use.
func loadKey(dataDir string) ([32]byte, error) {
	salt, err := readSalt(filepath.Join(dataDir, saltFile))
	if err != nil {
		return [32]byte{}, err
	}
	pass, err := passphrase()
	if err != nil {
		return [32]byte{}, err
	}
	return objectstore.DeriveKey(pass, salt)
}

func readSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	return salt, nil
}

func passphrase() (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("encryption is enabled: set %s or run from a terminal", passphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return p, nil
}

// Close releases the record table and closes every backing database.
func (e *env) Close() {
	if e.table != nil {
		e.table.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

// commitIfImmediate drains the ledger after an edit when immediate_commit is
// set, reporting failures without failing the command.
func (e *env) commitIfImmediate(ctx context.Context) {
	if !e.settings.ImmediateCommit {
		return
	}
	if err := e.record.CommitChanges(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s commit failed, change kept pending: %v\n", renderWarn("Warning:"), err)
		return
	}
	pending, err := e.record.HasChanges(ctx)
	if err == nil && pending {
		fmt.Fprintf(os.Stderr, "%s some changes are still pending (offline or rejected)\n", renderWarn("Note:"))
	}
}
