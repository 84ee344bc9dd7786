package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

const (
	keyCursor   = "pull_cursor"
	keyLastPull = "last_pull_at"
	keyLastPush = "last_push_at"
)

// SyncState is the persisted progress of the sync engine.
type SyncState struct {
	Cursor     string    `json:"cursor" yaml:"cursor"`
	LastPullAt time.Time `json:"last_pull_at" yaml:"last_pull_at"`
	LastPushAt time.Time `json:"last_push_at" yaml:"last_push_at"`
}

func setState(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// SyncState returns the stored cursor and sync times. Zero values mean
// the step has never happened.
func (s *Store) SyncState(ctx context.Context) (SyncState, error) {
	var st SyncState
	rows, err := s.conn.QueryContext(ctx, `SELECT key, value FROM sync_state`)
	if err != nil {
		return st, storageErr("sync state", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return st, storageErr("sync state", err)
		}
		switch key {
		case keyCursor:
			st.Cursor = value
		case keyLastPull:
			st.LastPullAt, _ = time.Parse(time.RFC3339Nano, value)
		case keyLastPush:
			st.LastPushAt, _ = time.Parse(time.RFC3339Nano, value)
		}
	}
	return st, storageErr("sync state", rows.Err())
}

// SetLastPull records the time of the last successful pull.
func (s *Store) SetLastPull(ctx context.Context, t time.Time) error {
	return s.write(ctx, "set last pull", func(tx *sql.Tx) error {
		return setState(ctx, tx, keyLastPull, t.UTC().Format(time.RFC3339Nano))
	})
}

// SetLastPush records the time of the last push phase that drained
// without a transient failure.
func (s *Store) SetLastPush(ctx context.Context, t time.Time) error {
	return s.write(ctx, "set last push", func(tx *sql.Tx) error {
		return setState(ctx, tx, keyLastPush, t.UTC().Format(time.RFC3339Nano))
	})
}

// ResetCursor forgets the pull cursor so the next pull starts from the
// beginning of the remote change feed.
func (s *Store) ResetCursor(ctx context.Context) error {
	return s.write(ctx, "reset cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, keyCursor)
		return err
	})
}

// SaveFix persists the last accepted location sample.
func (s *Store) SaveFix(ctx context.Context, fix spot.Sample) error {
	if err := fix.Location.Validate(); err != nil {
		return storageErr("save fix", err)
	}
	lat, lon := fix.Location.E6()
	return s.write(ctx, "save fix", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO last_fix (id, lat_e6, lon_e6, accuracy, observed_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lat_e6 = excluded.lat_e6,
			lon_e6 = excluded.lon_e6,
			accuracy = excluded.accuracy,
			observed_at = excluded.observed_at
		`, lat, lon, fix.AccuracyMeters, fix.Timestamp.UnixMilli())
		return err
	})
}

// LastFix returns the persisted location sample, or nil if none.
func (s *Store) LastFix(ctx context.Context) (*spot.Sample, error) {
	var (
		lat, lon   int64
		accuracy   float64
		observedAt int64
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT lat_e6, lon_e6, accuracy, observed_at FROM last_fix WHERE id = 1`,
	).Scan(&lat, &lon, &accuracy, &observedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last fix", err)
	}
	return &spot.Sample{
		Location:       spot.FromE6(lat, lon),
		AccuracyMeters: accuracy,
		Timestamp:      time.UnixMilli(observedAt).UTC(),
	}, nil
}

// Counts summarizes the cache contents.
type Counts struct {
	Spots  int `json:"spots" yaml:"spots"`
	Dirty  int `json:"dirty" yaml:"dirty"`
	Outbox int `json:"outbox" yaml:"outbox"`
	Stale  int `json:"stale" yaml:"stale"`
}

// Counts returns row counts for status reporting.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM spots),
		(SELECT COUNT(*) FROM spots WHERE local_dirty = 1),
		(SELECT COUNT(*) FROM outbox),
		(SELECT COUNT(*) FROM spots WHERE last_synced_version < version)
	`).Scan(&c.Spots, &c.Dirty, &c.Outbox, &c.Stale)
	if err != nil {
		return c, storageErr("counts", err)
	}
	return c, nil
}
