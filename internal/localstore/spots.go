package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

const spotColumns = `
	id, lat_e6, lon_e6, status, reported_by, reported_at,
	version, last_synced_version, local_dirty,
	area_id, label, kind, accessible, ev_charging, synced_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSpot(row scanner) (*spot.Spot, error) {
	var (
		s              spot.Spot
		latE6, lonE6   int64
		status         string
		reportedAt     int64
		dirty, acc, ev int
		syncedAt       sql.NullInt64
	)
	err := row.Scan(
		&s.ID, &latE6, &lonE6, &status, &s.ReportedBy, &reportedAt,
		&s.Version, &s.LastSyncedVersion, &dirty,
		&s.AreaID, &s.Label, &s.Kind, &acc, &ev, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Location = spot.FromE6(latE6, lonE6)
	s.Status = spot.Status(status)
	s.ReportedAt = time.UnixMilli(reportedAt).UTC()
	s.LocalDirty = dirty != 0
	s.Accessible = acc != 0
	s.EVCharging = ev != 0
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		s.SyncedAt = &t
	}
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", spot.ErrNotFound, id)
}

// getSpot loads one row through q. Returns nil, nil when absent.
func getSpot(ctx context.Context, q querier, id string) (*spot.Spot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+spotColumns+` FROM spots WHERE id = ?`, id)
	s, err := scanSpot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spot %s: %w", id, err)
	}
	return s, nil
}

// putSpot writes s as the full row state.
func putSpot(ctx context.Context, tx *sql.Tx, s *spot.Spot) error {
	latE6, lonE6 := s.Location.E6()
	cellLat, cellLon := spot.Cell(s.Location)

	_, err := tx.ExecContext(ctx, `
	INSERT INTO spots (
		id, lat_e6, lon_e6, cell_lat, cell_lon, status, reported_by, reported_at,
		version, last_synced_version, local_dirty,
		area_id, label, kind, accessible, ev_charging, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		lat_e6 = excluded.lat_e6,
		lon_e6 = excluded.lon_e6,
		cell_lat = excluded.cell_lat,
		cell_lon = excluded.cell_lon,
		status = excluded.status,
		reported_by = excluded.reported_by,
		reported_at = excluded.reported_at,
		version = MAX(spots.version, excluded.version),
		last_synced_version = excluded.last_synced_version,
		local_dirty = excluded.local_dirty,
		area_id = excluded.area_id,
		label = excluded.label,
		kind = excluded.kind,
		accessible = excluded.accessible,
		ev_charging = excluded.ev_charging,
		synced_at = excluded.synced_at
	`,
		s.ID, latE6, lonE6, cellLat, cellLon, string(s.Status), s.ReportedBy, s.ReportedAt.UnixMilli(),
		s.Version, s.LastSyncedVersion, boolInt(s.LocalDirty),
		s.AreaID, s.Label, s.Kind, boolInt(s.Accessible), boolInt(s.EVCharging), millisOrNil(s.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write spot %s: %w", s.ID, err)
	}
	return nil
}

// Upsert inserts or replaces a spot row as given. The stored version
// never decreases. Upsert does not touch the outbox; it is meant for
// seeding and for callers that maintain the dirty flag themselves.
func (s *Store) Upsert(ctx context.Context, sp *spot.Spot) error {
	in := sp.Clone()
	in.Normalize()
	if err := in.Validate(); err != nil {
		return storageErr("upsert", err)
	}
	return s.write(ctx, "upsert", func(tx *sql.Tx) error {
		return putSpot(ctx, tx, in)
	})
}

// Get returns the spot with the given id or an error wrapping
// spot.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*spot.Spot, error) {
	sp, err := getSpot(ctx, s.conn, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	if sp == nil {
		return nil, notFound(id)
	}
	return sp, nil
}

// All returns every cached spot ordered by id.
func (s *Store) All(ctx context.Context) ([]*spot.Spot, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+spotColumns+` FROM spots ORDER BY id`)
	if err != nil {
		return nil, storageErr("all", err)
	}
	defer rows.Close()

	var out []*spot.Spot
	for rows.Next() {
		sp, err := scanSpot(rows)
		if err != nil {
			return nil, storageErr("all", err)
		}
		out = append(out, sp)
	}
	return out, storageErr("all", rows.Err())
}

// Filter narrows QueryNear results.
type Filter struct {
	// Statuses keeps only spots in one of these states. Empty keeps all.
	Statuses []spot.Status
	// Kind keeps only spots of this kind. Empty keeps all.
	Kind string
	// AccessibleOnly keeps only accessible spots.
	AccessibleOnly bool
	// EVChargingOnly keeps only spots with a charger.
	EVChargingOnly bool
	// Limit caps the number of results after sorting. Zero means no cap.
	Limit int
}

// Near is a QueryNear result.
type Near struct {
	Spot           *spot.Spot
	DistanceMeters float64
}

// QueryNear returns spots within radiusMeters of center, nearest first.
// Ties on distance are ordered by id.
func (s *Store) QueryNear(ctx context.Context, center spot.Location, radiusMeters float64, f Filter) ([]Near, error) {
	if err := center.Validate(); err != nil {
		return nil, storageErr("query near", err)
	}
	if radiusMeters < 0 {
		return nil, storageErr("query near", fmt.Errorf("negative radius %v", radiusMeters))
	}

	w := spot.Window(center, radiusMeters)

	var (
		where []string
		args  []any
	)
	where = append(where, "cell_lat BETWEEN ? AND ?")
	args = append(args, w.Lat.Min, w.Lat.Max)

	lonClauses := make([]string, 0, len(w.Lon))
	for _, r := range w.Lon {
		lonClauses = append(lonClauses, "cell_lon BETWEEN ? AND ?")
		args = append(args, r.Min, r.Max)
	}
	where = append(where, "("+strings.Join(lonClauses, " OR ")+")")

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.AccessibleOnly {
		where = append(where, "accessible = 1")
	}
	if f.EVChargingOnly {
		where = append(where, "ev_charging = 1")
	}

	query := `SELECT ` + spotColumns + ` FROM spots WHERE ` + strings.Join(where, " AND ")
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query near", err)
	}
	defer rows.Close()

	var out []Near
	for rows.Next() {
		sp, err := scanSpot(rows)
		if err != nil {
			return nil, storageErr("query near", err)
		}
		d := spot.Distance(center, sp.Location)
		if d > radiusMeters {
			continue
		}
		out = append(out, Near{Spot: sp, DistanceMeters: d})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query near", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Spot.ID < out[j].Spot.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
