package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// Decision is what a MergeFunc wants stored for one remote spot.
type Decision struct {
	// Spot is the row to write. Nil leaves the row untouched.
	Spot *spot.Spot
	// KeepOutbox keeps the pending entry (and the dirty flag). When false
	// the entry is removed and the row is written clean.
	KeepOutbox bool
	// Conflict marks the decision as a resolved conflict for reporting.
	Conflict bool
}

// MergeFunc decides how a remote spot lands on the local row. local and
// pending are nil when the spot is not cached or has no queued mutation.
// It runs inside the write transaction and must not call back into the
// Store.
type MergeFunc func(local *spot.Spot, pending *spot.OutboxEntry, remote *spot.Spot) Decision

// BatchResult counts what happened to a batch of remote spots.
type BatchResult struct {
	Applied   int
	Conflicts int
	Skipped   int
	Invalid   int
}

// reconcileTx merges one remote spot under tx. Remote copies older than
// the row's LastSyncedVersion are skipped without calling fn.
func (s *Store) reconcileTx(ctx context.Context, tx *sql.Tx, remote *spot.Spot, fn MergeFunc, res *BatchResult) error {
	in := remote.Clone()
	in.Normalize()
	in.LastSyncedVersion = 0
	in.LocalDirty = false
	if err := in.Validate(); err != nil {
		res.Invalid++
		return nil
	}

	local, err := getSpot(ctx, tx, in.ID)
	if err != nil {
		return err
	}
	if local != nil && in.Version < local.LastSyncedVersion {
		res.Skipped++
		return nil
	}
	var pending *spot.OutboxEntry
	if local != nil {
		if pending, err = getOutbox(ctx, tx, in.ID); err != nil {
			return err
		}
	}

	d := fn(local, pending, in)
	if d.Spot == nil {
		res.Skipped++
		return nil
	}

	out := d.Spot.Clone()
	if local != nil {
		out.Version = max(out.Version, local.Version)
	}
	if out.LastSyncedVersion > out.Version {
		out.LastSyncedVersion = out.Version
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("merge produced invalid spot: %w", err)
	}

	keep := d.KeepOutbox && pending != nil
	out.LocalDirty = keep
	if !keep && pending != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE spot_id = ?`, in.ID); err != nil {
			return fmt.Errorf("failed to remove outbox entry: %w", err)
		}
	}
	now := s.clock.Now().UTC()
	out.SyncedAt = &now
	if err := putSpot(ctx, tx, out); err != nil {
		return err
	}

	res.Applied++
	if d.Conflict {
		res.Conflicts++
	}
	return nil
}

// Reconcile merges one remote spot with the local row using fn. The read
// of the local row, the call to fn and the write happen in one
// transaction, so a concurrent MarkDirty lands either before (and is seen
// by fn) or after (and is preserved).
func (s *Store) Reconcile(ctx context.Context, remote *spot.Spot, fn MergeFunc) (BatchResult, error) {
	var res BatchResult
	err := s.write(ctx, "reconcile", func(tx *sql.Tx) error {
		return s.reconcileTx(ctx, tx, remote, fn, &res)
	})
	return res, err
}

// ApplyBatch reconciles a page of remote spots and stores the page's
// cursor in the same transaction. If the process dies before commit
// neither the rows nor the cursor change, so refetching the page is
// harmless.
func (s *Store) ApplyBatch(ctx context.Context, remotes []*spot.Spot, cursor string, fn MergeFunc) (BatchResult, error) {
	var res BatchResult
	err := s.write(ctx, "apply batch", func(tx *sql.Tx) error {
		for _, r := range remotes {
			if err := s.reconcileTx(ctx, tx, r, fn, &res); err != nil {
				return err
			}
		}
		if cursor != "" {
			return setState(ctx, tx, keyCursor, cursor)
		}
		return nil
	})
	return res, err
}

// ApplyRemote stores authoritative remote state for a spot. The stored
// version becomes max(stored, remote) and LastSyncedVersion the remote
// version. When remote.LocalDirty is false any pending outbox entry is
// discarded with the dirty flag; when true the local edit is kept.
func (s *Store) ApplyRemote(ctx context.Context, remote *spot.Spot) error {
	keepLocal := remote.LocalDirty
	_, err := s.Reconcile(ctx, remote, func(local *spot.Spot, pending *spot.OutboxEntry, in *spot.Spot) Decision {
		out := in.Clone()
		out.LastSyncedVersion = in.Version
		if keepLocal && local != nil && pending != nil {
			out.Apply(local.Report())
			return Decision{Spot: out, KeepOutbox: true}
		}
		return Decision{Spot: out}
	})
	return err
}

// NoteRemoteVersion records that the remote store holds version for a
// spot without fetching it. The row becomes stale until the new state is
// pulled. Unknown ids are ignored. Reports whether the row changed.
func (s *Store) NoteRemoteVersion(ctx context.Context, id string, version int64) (bool, error) {
	changed := false
	err := s.write(ctx, "note remote version", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE spots SET version = ? WHERE id = ? AND version < ?`,
			version, id, version)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}
