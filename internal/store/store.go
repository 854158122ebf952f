// Package store implements the mapping store: the embedded, transactional,
// single-writer database that owns the cross-system identity graph.
//
// It is the sole arbiter of "do A and B refer to the same logical issue?".
// All components read and modify issue rows only through this API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

// Sentinel errors for common database conditions.
var (
	// ErrClosed indicates the store has already been shut down.
	ErrClosed = errors.New("store closed")

	// ErrNoProject indicates an issue write referenced an unknown project.
	ErrNoProject = errors.New("project not found")
)

// Store is the SQLite-backed mapping store. Writes are serialized through an
// internal mutex plus IMMEDIATE transactions; readers see a consistent
// snapshot of any single row.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	// writeMu serializes all write transactions. SQLite allows one writer
	// at a time anyway; taking the lock up front avoids SQLITE_BUSY churn
	// between the worker goroutines.
	writeMu sync.Mutex
}

func init() {
	// Cache the compiled SQLite WASM module so process start does not pay
	// the JIT cost on every run.
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "hvsync", "wasm")
		if cache, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
		}
	}
}

// Open opens (or creates) the mapping store at path and applies the schema.
// Pass ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	connStr, err := connString(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, syncerr.New(syncerr.KindFatal, "store.Open", err)
	}

	// A single connection keeps the single-writer guarantee trivially true
	// and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func connString(path string) (string, error) {
	if path == ":memory:" {
		return "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", syncerr.New(syncerr.KindFatal, "store.Open", err)
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)&_time_format=sqlite", nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return syncerr.New(syncerr.KindFatal, "store.migrate", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion)
	if err != nil {
		return syncerr.New(syncerr.KindFatal, "store.migrate", err)
	}
	return nil
}

// Close shuts the store down. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the store is reachable. Used by /health.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// withTx runs fn inside a serialized IMMEDIATE write transaction.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError(op, err)
	}
	return nil
}

// wrapDBError wraps a database error with operation context, classifying
// disk-level failures as fatal.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "disk") || strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "malformed") {
		return syncerr.New(syncerr.KindFatal, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
