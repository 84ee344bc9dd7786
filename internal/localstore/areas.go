package localstore

import (
	"context"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// AreaCounts aggregates the cached spots that share an area id.
type AreaCounts struct {
	AreaID string `json:"area_id" yaml:"area_id"`
	// Center is the mean position of the area's spots.
	Center       spot.Location `json:"center" yaml:"center"`
	Total        int           `json:"total" yaml:"total"`
	Free         int           `json:"free" yaml:"free"`
	Occupied     int           `json:"occupied" yaml:"occupied"`
	Disabled     int           `json:"disabled" yaml:"disabled"`
	Unknown      int           `json:"unknown" yaml:"unknown"`
	Pending      int           `json:"pending" yaml:"pending"`
	Stale        int           `json:"stale" yaml:"stale"`
	LatestReport time.Time     `json:"latest_report" yaml:"latest_report"`
}

// Areas returns per-area availability computed from the cache, ordered
// by area id. Spots without an area are not counted.
func (s *Store) Areas(ctx context.Context) ([]AreaCounts, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT
		area_id,
		AVG(lat_e6),
		AVG(lon_e6),
		COUNT(*),
		SUM(status = ?),
		SUM(status = ?),
		SUM(status = ?),
		SUM(local_dirty),
		SUM(last_synced_version < version),
		MAX(reported_at)
	FROM spots
	WHERE area_id != ''
	GROUP BY area_id
	ORDER BY area_id`,
		string(spot.StatusFree), string(spot.StatusOccupied), string(spot.StatusDisabled))
	if err != nil {
		return nil, storageErr("areas", err)
	}
	defer rows.Close()

	var out []AreaCounts
	for rows.Next() {
		var (
			a            AreaCounts
			latE6, lonE6 float64
			latest       int64
		)
		if err := rows.Scan(&a.AreaID, &latE6, &lonE6, &a.Total, &a.Free, &a.Occupied,
			&a.Disabled, &a.Pending, &a.Stale, &latest); err != nil {
			return nil, storageErr("areas", err)
		}
		a.Center = spot.Location{Lat: latE6 / 1e6, Lon: lonE6 / 1e6}.Rounded()
		a.Unknown = a.Total - a.Free - a.Occupied - a.Disabled
		a.LatestReport = time.UnixMilli(latest).UTC()
		out = append(out, a)
	}
	return out, storageErr("areas", rows.Err())
}
