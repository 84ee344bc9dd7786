// Package remotestore is the authoritative spot store devices sync
// against. It assigns versions, enforces compare-and-set pushes and
// keeps a change feed ordered by a monotonically increasing sequence.
//
// The same SQL runs on SQLite (single-node and tests) and PostgreSQL.
package remotestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// MaxClockSkew is how far in the future a reported_at may be before a
// push is rejected.
const MaxClockSkew = 5 * time.Minute

// Store is the SQL-backed authoritative spot store.
type Store struct {
	db     *sql.DB
	driver string
	clock  clock.Clock
}

// Open opens a store from a DSN. postgres:// and postgresql:// URLs use
// PostgreSQL; anything else is a SQLite file path.
func Open(dsn string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openPostgres(dsn, clk)
	}
	return openSQLite(dsn, clk)
}

func openSQLite(path string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &Store{db: db, driver: "sqlite3", clock: clk}, nil
}

func openPostgres(dsn string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db, driver: "postgres", clock: clk}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS spots (
		id TEXT PRIMARY KEY,
		lat_e6 BIGINT NOT NULL,
		lon_e6 BIGINT NOT NULL,
		status TEXT NOT NULL,
		reported_by TEXT NOT NULL DEFAULT '',
		reported_at BIGINT NOT NULL,
		version BIGINT NOT NULL,
		change_seq BIGINT NOT NULL,
		area_id TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		accessible INTEGER NOT NULL DEFAULT 0,
		ev_charging INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_spots_change_seq ON spots(change_seq)`,
	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT INTO counters (name, value) VALUES ('change_seq', 0) ON CONFLICT (name) DO NOTHING`,
}

// InitSchema creates tables if they don't exist.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const columns = `id, lat_e6, lon_e6, status, reported_by, reported_at, version, area_id, label, kind, accessible, ev_charging`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*spot.Spot, int64, error) {
	var (
		sp           spot.Spot
		lat, lon     int64
		status       string
		reportedAt   int64
		acc, ev, seq int64
	)
	err := row.Scan(&sp.ID, &lat, &lon, &status, &sp.ReportedBy, &reportedAt, &sp.Version,
		&sp.AreaID, &sp.Label, &sp.Kind, &acc, &ev, &seq)
	if err != nil {
		return nil, 0, err
	}
	sp.Location = spot.FromE6(lat, lon)
	sp.Status = spot.Status(status)
	sp.ReportedAt = time.UnixMilli(reportedAt).UTC()
	sp.Accessible = acc != 0
	sp.EVCharging = ev != 0
	return &sp, seq, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nextSeq allocates the next change sequence number inside tx.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = 'change_seq' RETURNING value`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate change sequence: %w", err)
	}
	return seq, nil
}

func getTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*spot.Spot, error) {
	sp, _, err := scan(q.QueryRowContext(ctx, `SELECT `+columns+`, change_seq FROM spots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spot %s: %w", id, err)
	}
	return sp, nil
}

// Get returns the spot with the given id or an error wrapping
// spot.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*spot.Spot, error) {
	sp, err := getTx(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, fmt.Errorf("%w: %s", spot.ErrNotFound, id)
	}
	return sp, nil
}

// Changes returns up to limit spots whose change sequence is after the
// given one, oldest change first, plus the feed cursor after them.
func (s *Store) Changes(ctx context.Context, cursor string, limit int) (*remote.Page, error) {
	after, err := remote.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = remote.ClampPageSize(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+`, change_seq FROM spots WHERE change_seq > $1 ORDER BY change_seq LIMIT $2`,
		after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	page := &remote.Page{Cursor: cursor}
	for rows.Next() {
		sp, seq, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		if len(page.Spots) == limit {
			page.More = true
			break
		}
		page.Spots = append(page.Spots, sp)
		page.Cursor = remote.EncodeCursor(seq)
	}
	return page, rows.Err()
}

func insert(ctx context.Context, tx *sql.Tx, sp *spot.Spot, seq int64) (bool, error) {
	lat, lon := sp.Location.E6()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO spots (id, lat_e6, lon_e6, status, reported_by, reported_at, version,
			area_id, label, kind, accessible, ev_charging, change_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		sp.ID, lat, lon, string(sp.Status), sp.ReportedBy, sp.ReportedAt.UnixMilli(), sp.Version,
		sp.AreaID, sp.Label, sp.Kind, boolInt(sp.Accessible), boolInt(sp.EVCharging), seq)
	if err != nil {
		return false, fmt.Errorf("failed to insert spot %s: %w", sp.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Put writes sp as an administrative change (seeding, imports). Existing
// spots get version+1; new spots start at version 1. Returns the stored
// spot and its change notice.
func (s *Store) Put(ctx context.Context, sp *spot.Spot) (*spot.Spot, error) {
	in := remote.WireSpot(sp)
	in.Normalize()
	in.Version = 1
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spot: %w", err)
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		cur, err := getTx(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			_, err = insert(ctx, tx, in, seq)
			return err
		}
		in.Version = cur.Version + 1
		lat, lon := in.Location.E6()
		_, err = tx.ExecContext(ctx, `
			UPDATE spots SET lat_e6 = $1, lon_e6 = $2, status = $3, reported_by = $4, reported_at = $5,
				version = $6, area_id = $7, label = $8, kind = $9, accessible = $10, ev_charging = $11,
				change_seq = $12
			WHERE id = $13`,
			lat, lon, string(in.Status), in.ReportedBy, in.ReportedAt.UnixMilli(),
			in.Version, in.AreaID, in.Label, in.Kind, boolInt(in.Accessible), boolInt(in.EVCharging),
			seq, in.ID)
		if err != nil {
			return fmt.Errorf("failed to update spot %s: %w", in.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Push applies a device mutation if the stored version equals
// expectedVersion. A spot that does not exist is created at version 1
// when m carries a creation payload and expectedVersion is 0.
func (s *Store) Push(ctx context.Context, id string, m spot.Mutation, expectedVersion int64) remote.PushResult {
	m.Normalize()
	if err := m.Validate(); err != nil {
		return remote.PushResult{Outcome: remote.Rejected, Reason: err.Error()}
	}
	if m.ReportedAt.After(s.clock.Now().Add(MaxClockSkew)) {
		return remote.PushResult{Outcome: remote.Rejected, Reason: "reported_at is in the future"}
	}
	if expectedVersion < 0 {
		return remote.PushResult{Outcome: remote.Rejected, Reason: "negative expected version"}
	}

	var result remote.PushResult
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			if m.Create == nil || expectedVersion != 0 {
				result = remote.PushResult{Outcome: remote.Rejected, Reason: "unknown spot " + id}
				return nil
			}
			created := remote.WireSpot(m.Create)
			created.ID = id
			created.Apply(m)
			created.Version = 1
			if err := created.Validate(); err != nil {
				result = remote.PushResult{Outcome: remote.Rejected, Reason: err.Error()}
				return nil
			}
			seq, err := nextSeq(ctx, tx)
			if err != nil {
				return err
			}
			ok, err := insert(ctx, tx, created, seq)
			if err != nil {
				return err
			}
			if !ok {
				return errRace
			}
			result = remote.PushResult{Outcome: remote.Accepted, NewVersion: 1}
			return nil
		}

		if cur.Version != expectedVersion {
			result = remote.PushResult{Outcome: remote.Conflict, Current: cur}
			return nil
		}
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE spots SET status = $1, reported_by = $2, reported_at = $3,
				version = version + 1, change_seq = $4
			WHERE id = $5 AND version = $6`,
			string(m.Status), m.ReportedBy, m.ReportedAt.UnixMilli(), seq, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update spot %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errRace
		}
		result = remote.PushResult{Outcome: remote.Accepted, NewVersion: expectedVersion + 1}
		return nil
	})

	switch {
	case errors.Is(err, errRace):
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return remote.PushResult{Outcome: remote.Transient, Err: gerr}
		}
		return remote.PushResult{Outcome: remote.Conflict, Current: cur}
	case err != nil:
		return remote.PushResult{Outcome: remote.Transient, Err: err}
	}
	return result
}

// errRace marks a CAS that lost to a concurrent writer between read and
// write; the caller answers with a conflict.
var errRace = errors.New("concurrent update")

// Count returns the number of stored spots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spots: %w", err)
	}
	return n, nil
}

// All returns every spot ordered by id.
func (s *Store) All(ctx context.Context) ([]*spot.Spot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+`, change_seq FROM spots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list spots: %w", err)
	}
	defer rows.Close()

	var out []*spot.Spot
	for rows.Next() {
		sp, _, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan spot: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
