// Package localstore is the on-device parking spot cache.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3) in WAL mode
// so map queries keep running while the sync engine writes. It holds:
//
//   - spots: one row per spot, with grid cell columns for radius queries
//   - outbox: at most one pending mutation per dirty spot
//   - sync_state: pull cursor and last successful pull/push times
//   - last_fix: the last accepted location sample
//   - refetch: rows whose rejected edit still waits for the remote copy
//
// Every write goes through a single writer lock and one IMMEDIATE
// transaction, so readers observe either the state before or after a
// write and a row's dirty flag always agrees with the outbox.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// StorageError reports a failed or rejected LocalStore operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("localstore %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the local spot cache.
type Store struct {
	conn  *sql.DB
	path  string
	clock clock.Clock

	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for outbox and sync timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens (creating if needed) the cache database at path.
//
// The caller must call InitSchema before use and Close when done.
//
// Example:
//
//	store, err := localstore.Open("~/.local/share/parkingsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=synchronous(full)"+
		"&_pragma=foreign_keys(1)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:  conn,
		path:  path,
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// RawDB returns the underlying connection pool.
func (s *Store) RawDB() *sql.DB { return s.conn }

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS spots (
		id TEXT PRIMARY KEY,
		lat_e6 INTEGER NOT NULL,
		lon_e6 INTEGER NOT NULL,
		cell_lat INTEGER NOT NULL,
		cell_lon INTEGER NOT NULL,
		status TEXT NOT NULL,
		reported_by TEXT NOT NULL DEFAULT '',
		reported_at INTEGER NOT NULL,  -- unix millis
		version INTEGER NOT NULL DEFAULT 0 CHECK (version >= 0),
		last_synced_version INTEGER NOT NULL DEFAULT 0,
		local_dirty INTEGER NOT NULL DEFAULT 0,
		area_id TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		accessible INTEGER NOT NULL DEFAULT 0,
		ev_charging INTEGER NOT NULL DEFAULT 0,
		synced_at INTEGER,
		CHECK (last_synced_version <= version)
	);

	CREATE INDEX IF NOT EXISTS idx_spots_cell ON spots(cell_lat, cell_lon);
	CREATE INDEX IF NOT EXISTS idx_spots_dirty ON spots(local_dirty) WHERE local_dirty = 1;

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		spot_id TEXT NOT NULL UNIQUE,
		mutation TEXT NOT NULL,  -- JSON
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		last_error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (spot_id) REFERENCES spots(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS last_fix (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		lat_e6 INTEGER NOT NULL,
		lon_e6 INTEGER NOT NULL,
		accuracy REAL NOT NULL,
		observed_at INTEGER NOT NULL
	);
	`,
	`
	ALTER TABLE outbox ADD COLUMN base TEXT NOT NULL DEFAULT '';  -- JSON report the edit replaced

	CREATE TABLE IF NOT EXISTS refetch (
		spot_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (spot_id) REFERENCES spots(id) ON DELETE CASCADE
	);
	`,
}

// InitSchema brings the schema up to date. Safe to call repeatedly.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext brings the schema up to date with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// write runs fn in a serialized write transaction.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, spot.ErrNotFound) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
