package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tarun080/parkingfinder/internal/daemon"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/query"
	"github.com/tarun080/parkingfinder/internal/spot"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

var (
	t0     = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	berlin = spot.Location{Lat: 52.52, Lon: 13.405}
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func plainPrinter() (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return newPrinter(&buf, false), &buf
}

func nearbyResults() []query.Result {
	return []query.Result{
		{
			Spot:           &spot.Spot{ID: "spot-a", Location: berlin, Status: spot.StatusFree, Label: "A1", Kind: "standard"},
			DistanceMeters: 42.4,
		},
		{
			Spot:           &spot.Spot{ID: "spot-b", Location: berlin, Status: spot.StatusOccupied, Label: "B12", Kind: "ev", EVCharging: true},
			DistanceMeters: 310.6,
			Pending:        true,
		},
		{
			Spot:           &spot.Spot{ID: "spot-c", Location: berlin, Status: spot.StatusUnknown, Kind: "compact", Accessible: true},
			DistanceMeters: 1234,
			Stale:          true,
		},
	}
}

func TestPrinter_Nearby(t *testing.T) {
	p, buf := plainPrinter()
	p.Nearby(berlin, 2000, nearbyResults())
	newGoldie(t).Assert(t, "nearby", buf.Bytes())
}

func TestPrinter_NearbyEmpty(t *testing.T) {
	p, buf := plainPrinter()
	p.Nearby(berlin, 500, nil)
	newGoldie(t).Assert(t, "nearby_empty", buf.Bytes())
}

func TestPrinter_Areas(t *testing.T) {
	p, buf := plainPrinter()
	p.Areas([]query.Area{
		{
			AreaCounts:     localstore.AreaCounts{AreaID: "garage-north", Total: 12, Free: 3, Occupied: 8, Disabled: 1, Pending: 1},
			DistanceMeters: 420,
		},
		{
			AreaCounts:     localstore.AreaCounts{AreaID: "market-square", Total: 6, Occupied: 6},
			DistanceMeters: 1830,
		},
	})
	newGoldie(t).Assert(t, "areas", buf.Bytes())

	p, buf = plainPrinter()
	p.Areas(nil)
	newGoldie(t).Assert(t, "areas_empty", buf.Bytes())
}

func TestPrinter_Summary(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		p, buf := plainPrinter()
		p.Summary(syncengine.Summary{
			CycleID:    "c1",
			Trigger:    syncengine.TriggerManual,
			Phase:      syncengine.PhaseIdle,
			StartedAt:  t0,
			FinishedAt: t0.Add(1234567 * time.Microsecond),
			Pulled:     3,
			Pushed:     1,
			Rejected:   []syncengine.Rejection{{SpotID: "spot-x", Reason: "outside service area", Deleted: true}},
		})
		newGoldie(t).Assert(t, "summary_ok", buf.Bytes())
	})

	t.Run("failed", func(t *testing.T) {
		p, buf := plainPrinter()
		p.Summary(syncengine.Summary{
			CycleID:    "c2",
			Phase:      syncengine.PhaseFailed,
			StartedAt:  t0,
			FinishedAt: t0.Add(250 * time.Millisecond),
			Failed:     2,
			Err:        errors.New("failed to fetch changes: transient: connection refused"),
		})
		newGoldie(t).Assert(t, "summary_failed", buf.Bytes())
	})

	t.Run("coalesced", func(t *testing.T) {
		p, buf := plainPrinter()
		p.Summary(syncengine.Summary{Coalesced: true})
		assert.Equal(t, "! Another sync cycle is already running\n", buf.String())
	})
}

func TestPrinter_Status(t *testing.T) {
	p, buf := plainPrinter()
	p.Status(t0, cacheStatus{
		Path:   ".parkingsync/cache.db",
		Remote: "http://localhost:8090",
		Counts: localstore.Counts{Spots: 120, Dirty: 3, Outbox: 2, Stale: 5},
		State:  localstore.SyncState{LastPullAt: t0.Add(-90 * time.Second)},
		LastFix: &spot.Sample{
			Location:       berlin,
			AccuracyMeters: 8,
			Timestamp:      t0.Add(-30 * time.Second),
		},
		Schedule: &daemon.SchedulerState{Online: false, Failures: 3, Delay: "2m0s"},
	})
	newGoldie(t).Assert(t, "status", buf.Bytes())
}

func TestPrinter_Spot(t *testing.T) {
	p, buf := plainPrinter()
	p.Spot("Reported", &spot.Spot{ID: "spot-a", Location: berlin, Status: spot.StatusOccupied, LocalDirty: true})
	newGoldie(t).Assert(t, "spot", buf.Bytes())
}

func TestPrinter_ColorAddsEscapes(t *testing.T) {
	var buf bytes.Buffer
	newPrinter(&buf, true).Spot("Reported", &spot.Spot{ID: "spot-a", Location: berlin, Status: spot.StatusFree})
	assert.Contains(t, buf.String(), "\x1b[")
}

func TestEncode(t *testing.T) {
	results := nearbyResults()[:1]

	var js bytes.Buffer
	require.NoError(t, encode(&js, formatJSON, results))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, 42.4, decoded[0]["distance_m"])
	assert.Equal(t, false, decoded[0]["stale"])

	var ys bytes.Buffer
	require.NoError(t, encode(&ys, formatYAML, results))
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal(ys.Bytes(), &fromYAML))
	require.Len(t, fromYAML, 1)
	spotMap, ok := fromYAML[0]["spot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "spot-a", spotMap["id"])

	assert.Error(t, encode(&js, formatText, results))
	assert.Error(t, encode(&js, "xml", results))
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{formatText, formatJSON, formatYAML} {
		assert.NoError(t, validFormat(f))
	}
	assert.Error(t, validFormat("csv"))
}

func TestFormatDistance(t *testing.T) {
	tests := []struct {
		meters float64
		want   string
	}{
		{0, "0 m"},
		{999.4, "999 m"},
		{1000, "1.0 km"},
		{15000, "15.0 km"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDistance(tt.meters))
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "never", formatAge(t0, time.Time{}))
	assert.Equal(t, "1m30s ago", formatAge(t0, t0.Add(-90*time.Second)))
	assert.Equal(t, "0s ago", formatAge(t0, t0.Add(time.Minute)))
}
