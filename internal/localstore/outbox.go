package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

const outboxColumns = `seq, spot_id, mutation, attempts, created_at, revision, last_error`

func scanOutbox(row scanner) (*spot.OutboxEntry, error) {
	var (
		e         spot.OutboxEntry
		mutation  string
		createdAt int64
	)
	if err := row.Scan(&e.Seq, &e.SpotID, &mutation, &e.Attempts, &createdAt, &e.Revision, &e.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mutation), &e.Mutation); err != nil {
		return nil, fmt.Errorf("failed to decode outbox mutation for %s: %w", e.SpotID, err)
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

func getOutbox(ctx context.Context, q querier, spotID string) (*spot.OutboxEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE spot_id = ?`, spotID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entry %s: %w", spotID, err)
	}
	return e, nil
}

func encodeBase(base *spot.Mutation) (string, error) {
	if base == nil {
		return "", nil
	}
	b := *base
	b.Create = nil
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to encode base report: %w", err)
	}
	return string(data), nil
}

// enqueue appends a new outbox entry or coalesces m into the existing one.
// A coalesced entry keeps its queue position, creation time, attempt
// count and base report; its revision is bumped so an in-flight push can
// tell it was superseded. base is the last synced report the edit
// replaced, nil when there is none.
func (s *Store) enqueue(ctx context.Context, tx *sql.Tx, spotID string, m spot.Mutation, base *spot.Mutation) error {
	existing, err := getOutbox(ctx, tx, spotID)
	if err != nil {
		return err
	}

	if existing != nil && existing.Mutation.Create != nil && m.Create == nil {
		create := existing.Mutation.Create.Clone()
		create.Apply(m)
		m.Create = create
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}

	if existing != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox SET mutation = ?, revision = revision + 1 WHERE spot_id = ?`,
			string(data), spotID)
	} else {
		b, encErr := encodeBase(base)
		if encErr != nil {
			return encErr
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (spot_id, mutation, attempts, created_at, revision, base) VALUES (?, ?, 0, ?, 1, ?)`,
			spotID, string(data), s.nowMillis(), b)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation for %s: %w", spotID, err)
	}
	return nil
}

// MarkDirty applies a local status report to a cached spot and queues it
// for push, in one transaction. Reads issued after MarkDirty returns see
// the new status.
func (s *Store) MarkDirty(ctx context.Context, id string, m spot.Mutation) (*spot.Spot, error) {
	m.Normalize()
	m.Create = nil
	if err := m.Validate(); err != nil {
		return nil, storageErr("mark dirty", err)
	}

	var updated *spot.Spot
	err := s.write(ctx, "mark dirty", func(tx *sql.Tx) error {
		cur, err := getSpot(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound(id)
		}

		var base *spot.Mutation
		if !cur.LocalDirty && cur.LastSyncedVersion > 0 {
			r := cur.Report()
			base = &r
		}
		cur.Apply(m)
		cur.LocalDirty = true
		if err := putSpot(ctx, tx, cur); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, id, m, base); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateLocal inserts a spot that does not yet exist remotely and queues
// its creation. An empty ID is replaced with a fresh one.
func (s *Store) CreateLocal(ctx context.Context, sp *spot.Spot) (*spot.Spot, error) {
	in := sp.Clone()
	if in.ID == "" {
		in.ID = spot.NewID()
	}
	in.Normalize()
	in.Version = 0
	in.LastSyncedVersion = 0
	in.LocalDirty = true
	in.SyncedAt = nil
	if err := in.Validate(); err != nil {
		return nil, storageErr("create", err)
	}

	payload := in.Clone()
	payload.LocalDirty = false
	m := in.Report()
	m.Create = payload

	err := s.write(ctx, "create", func(tx *sql.Tx) error {
		existing, err := getSpot(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("spot %s already exists", in.ID)
		}
		if err := putSpot(ctx, tx, in); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, in.ID, m, nil)
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Outbox returns the pending entries, oldest first.
func (s *Store) Outbox(ctx context.Context) ([]*spot.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, storageErr("outbox", err)
	}
	defer rows.Close()

	var out []*spot.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, storageErr("outbox", err)
		}
		out = append(out, e)
	}
	return out, storageErr("outbox", rows.Err())
}

// OutboxEntry returns the pending entry for a spot, or nil.
func (s *Store) OutboxEntry(ctx context.Context, spotID string) (*spot.OutboxEntry, error) {
	e, err := getOutbox(ctx, s.conn, spotID)
	return e, storageErr("outbox entry", err)
}

// AckPush records that the remote store accepted entry at newVersion.
//
// If the spot was edited again after entry was read, the newer mutation
// stays queued and the spot stays dirty, now based on newVersion.
// Otherwise the entry is removed and the spot is marked clean. Reports
// whether the spot is clean afterwards.
func (s *Store) AckPush(ctx context.Context, entry *spot.OutboxEntry, newVersion int64) (bool, error) {
	clean := false
	err := s.write(ctx, "ack push", func(tx *sql.Tx) error {
		cur, err := getSpot(ctx, tx, entry.SpotID)
		if err != nil {
			return err
		}
		if cur == nil {
			return notFound(entry.SpotID)
		}
		pending, err := getOutbox(ctx, tx, entry.SpotID)
		if err != nil {
			return err
		}

		cur.Version = max(cur.Version, newVersion)
		cur.LastSyncedVersion = max(cur.LastSyncedVersion, newVersion)
		now := s.clock.Now().UTC()
		cur.SyncedAt = &now

		switch {
		case pending == nil || pending.Revision == entry.Revision:
			cur.LocalDirty = false
			clean = true
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE spot_id = ?`, entry.SpotID); err != nil {
				return fmt.Errorf("failed to remove outbox entry: %w", err)
			}
		default:
			// Superseded mid-flight; the spot now exists remotely and the
			// acked report is what the pending edit replaces.
			m := pending.Mutation
			m.Create = nil
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to encode mutation: %w", err)
			}
			acked := entry.Mutation
			base, err := encodeBase(&acked)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET mutation = ?, base = ?, attempts = 0, last_error = '' WHERE spot_id = ?`,
				string(data), base, entry.SpotID); err != nil {
				return fmt.Errorf("failed to rebase outbox entry: %w", err)
			}
			cur.LocalDirty = true
		}
		return putSpot(ctx, tx, cur)
	})
	return clean, err
}

// RecordAttempt notes a failed push attempt for a spot.
func (s *Store) RecordAttempt(ctx context.Context, spotID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.write(ctx, "record attempt", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE spot_id = ?`,
			msg, spotID)
		return err
	})
}

// DropOutbox discards the pending entry for a spot after the remote store
// rejected it. A spot that was created locally and never synced is
// deleted. Any other spot gets back the last synced report the edit
// replaced, is marked clean and flagged stale (LastSyncedVersion <
// Version), and is queued for refetch until ClearRefetch. Reports
// whether the spot row was deleted.
func (s *Store) DropOutbox(ctx context.Context, spotID string) (bool, error) {
	deleted := false
	err := s.write(ctx, "drop outbox", func(tx *sql.Tx) error {
		var base string
		err := tx.QueryRowContext(ctx, `SELECT base FROM outbox WHERE spot_id = ?`, spotID).Scan(&base)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to load outbox entry %s: %w", spotID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE spot_id = ?`, spotID); err != nil {
			return fmt.Errorf("failed to remove outbox entry: %w", err)
		}
		cur, err := getSpot(ctx, tx, spotID)
		if err != nil || cur == nil {
			return err
		}
		if cur.Version == 0 && cur.LastSyncedVersion == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM spots WHERE id = ?`, spotID); err != nil {
				return fmt.Errorf("failed to delete unsynced spot: %w", err)
			}
			deleted = true
			return nil
		}

		if base != "" {
			var m spot.Mutation
			if err := json.Unmarshal([]byte(base), &m); err != nil {
				return fmt.Errorf("failed to decode base report for %s: %w", spotID, err)
			}
			cur.Apply(m)
		}
		cur.LocalDirty = false
		if cur.LastSyncedVersion == cur.Version {
			cur.LastSyncedVersion = cur.Version - 1
		}
		if err := putSpot(ctx, tx, cur); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refetch (spot_id, created_at) VALUES (?, ?) ON CONFLICT(spot_id) DO NOTHING`,
			spotID, s.nowMillis()); err != nil {
			return fmt.Errorf("failed to queue refetch of %s: %w", spotID, err)
		}
		return nil
	})
	return deleted, err
}

// PendingRefetch returns the spots still waiting for their remote copy
// after a rejection, oldest first.
func (s *Store) PendingRefetch(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT spot_id FROM refetch ORDER BY created_at, spot_id`)
	if err != nil {
		return nil, storageErr("pending refetch", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("pending refetch", err)
		}
		ids = append(ids, id)
	}
	return ids, storageErr("pending refetch", rows.Err())
}

// ClearRefetch removes the refetch marker for a spot.
func (s *Store) ClearRefetch(ctx context.Context, spotID string) error {
	return s.write(ctx, "clear refetch", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM refetch WHERE spot_id = ?`, spotID)
		return err
	})
}

// PruneUnseen deletes clean rows that no remote copy has reached since
// cutoff. Right after a full pull from an empty cursor these are spots
// the remote store no longer holds. Rows with a pending edit or a queued
// refetch are kept. Returns the number of rows deleted.
func (s *Store) PruneUnseen(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	err := s.write(ctx, "prune", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM spots
			WHERE local_dirty = 0
			  AND COALESCE(synced_at, 0) < ?
			  AND id NOT IN (SELECT spot_id FROM outbox)
			  AND id NOT IN (SELECT spot_id FROM refetch)`,
			cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to prune unseen spots: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned = int(n)
		return nil
	})
	return pruned, err
}

// RepairOutbox restores the dirty-flag/outbox correspondence: rows that
// are dirty without an entry get one built from their current report,
// and entries whose row is clean mark the row dirty again. Returns the
// number of rows fixed.
func (s *Store) RepairOutbox(ctx context.Context) (int, error) {
	fixed := 0
	err := s.write(ctx, "repair outbox", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE spots SET local_dirty = 1
			WHERE local_dirty = 0 AND id IN (SELECT spot_id FROM outbox)`)
		if err != nil {
			return fmt.Errorf("failed to mark queued spots dirty: %w", err)
		}
		n, _ := res.RowsAffected()
		fixed += int(n)

		rows, err := tx.QueryContext(ctx, `
			SELECT `+spotColumns+` FROM spots
			WHERE local_dirty = 1 AND id NOT IN (SELECT spot_id FROM outbox)`)
		if err != nil {
			return fmt.Errorf("failed to find orphaned dirty spots: %w", err)
		}
		var orphans []*spot.Spot
		for rows.Next() {
			sp, err := scanSpot(rows)
			if err != nil {
				rows.Close()
				return err
			}
			orphans = append(orphans, sp)
		}
		rows.Close()

		for _, sp := range orphans {
			m := sp.Report()
			if sp.Version == 0 {
				payload := sp.Clone()
				payload.LocalDirty = false
				m.Create = payload
			}
			if err := s.enqueue(ctx, tx, sp.ID, m, nil); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	return fixed, err
}
