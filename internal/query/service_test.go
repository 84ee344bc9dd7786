package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var center = spot.Location{Lat: 48.8566, Lon: 2.3522}

type staticFix struct{ s *spot.Sample }

func (f staticFix) Current() *spot.Sample { return f.s }

func setup(t *testing.T) (*localstore.Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(t0)
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), localstore.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema())
	return store, fc
}

func put(t *testing.T, store *localstore.Store, id string, distance float64, version int64) {
	t.Helper()
	require.NoError(t, store.ApplyRemote(context.Background(), &spot.Spot{
		ID:         id,
		Location:   spot.Offset(center, distance, 45),
		Status:     spot.StatusFree,
		ReportedBy: "server",
		ReportedAt: t0.Add(-time.Hour),
		Version:    version,
	}))
}

func byID(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, r := range results {
		out[r.Spot.ID] = r
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)

	store, _ := setup(t)
	s, err := New(store, nil, &Config{})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, s.freshness)
}

func TestClampRadius(t *testing.T) {
	assert.Equal(t, float64(DefaultRadiusMeters), ClampRadius(0))
	assert.Equal(t, float64(DefaultRadiusMeters), ClampRadius(-3))
	assert.Equal(t, 800.0, ClampRadius(800))
	assert.Equal(t, float64(MaxRadiusMeters), ClampRadius(40000))
}

func TestService_NearbyFlags(t *testing.T) {
	store, fc := setup(t)
	ctx := context.Background()

	put(t, store, "fresh", 100, 3)
	put(t, store, "behind", 200, 2)
	put(t, store, "edited", 300, 1)
	put(t, store, "far", 20000, 1)

	_, err := store.NoteRemoteVersion(ctx, "behind", 5)
	require.NoError(t, err)
	_, err = store.MarkDirty(ctx, "edited", spot.Mutation{
		Status: spot.StatusOccupied, ReportedAt: t0, ReportedBy: "me",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetLastPull(ctx, t0))

	s, err := New(store, nil, &Config{Freshness: 10 * time.Minute, Clock: fc})
	require.NoError(t, err)

	results, err := s.Nearby(ctx, center, 1000, localstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "fresh", results[0].Spot.ID)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].DistanceMeters, results[i].DistanceMeters)
	}

	got := byID(results)
	assert.False(t, got["fresh"].Stale)
	assert.True(t, got["behind"].Stale)
	assert.False(t, got["edited"].Stale)
	assert.True(t, got["edited"].Pending)
	assert.Equal(t, spot.StatusOccupied, got["edited"].Spot.Status)

	// Past the freshness window every synced row is stale.
	fc.Advance(11 * time.Minute)
	results, err = s.Nearby(ctx, center, 1000, localstore.Filter{})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Stale, r.Spot.ID)
	}
}

func TestService_NeverPulled(t *testing.T) {
	store, fc := setup(t)
	ctx := context.Background()
	put(t, store, "synced", 50, 1)

	_, err := store.CreateLocal(ctx, &spot.Spot{
		ID:         "mine",
		Location:   spot.Offset(center, 60, 0),
		Status:     spot.StatusFree,
		ReportedBy: "me",
		ReportedAt: t0,
	})
	require.NoError(t, err)

	s, err := New(store, nil, &Config{Clock: fc})
	require.NoError(t, err)
	results, err := s.Nearby(ctx, center, 0, localstore.Filter{})
	require.NoError(t, err)

	got := byID(results)
	require.Len(t, got, 2)
	assert.True(t, got["synced"].Stale)
	assert.False(t, got["mine"].Stale)
	assert.True(t, got["mine"].Pending)
}

func TestService_NearMe(t *testing.T) {
	store, fc := setup(t)
	ctx := context.Background()
	put(t, store, "a", 100, 1)

	s, err := New(store, nil, &Config{Clock: fc})
	require.NoError(t, err)
	_, err = s.NearMe(ctx, 500, localstore.Filter{})
	assert.ErrorIs(t, err, ErrNoFix)

	s, err = New(store, staticFix{}, &Config{Clock: fc})
	require.NoError(t, err)
	_, err = s.NearMe(ctx, 500, localstore.Filter{})
	assert.ErrorIs(t, err, ErrNoFix)

	s, err = New(store, staticFix{&spot.Sample{Location: center, AccuracyMeters: 5, Timestamp: t0}}, &Config{Clock: fc})
	require.NoError(t, err)
	results, err := s.NearMe(ctx, 500, localstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Spot.ID)
}

func TestService_InvalidCenter(t *testing.T) {
	store, fc := setup(t)
	s, err := New(store, nil, &Config{Clock: fc})
	require.NoError(t, err)

	_, err = s.Nearby(context.Background(), spot.Location{Lat: 100}, 100, localstore.Filter{})
	var se *localstore.StorageError
	assert.ErrorAs(t, err, &se)
}

func putInArea(t *testing.T, store *localstore.Store, id, area string, distance float64, status spot.Status) {
	t.Helper()
	require.NoError(t, store.ApplyRemote(context.Background(), &spot.Spot{
		ID:         id,
		Location:   spot.Offset(center, distance, 0),
		Status:     status,
		ReportedBy: "server",
		ReportedAt: t0.Add(-time.Hour),
		Version:    1,
		AreaID:     area,
	}))
}

func TestService_Areas(t *testing.T) {
	store, fc := setup(t)
	ctx := context.Background()

	putInArea(t, store, "n1", "north", 9990, spot.StatusFree)
	putInArea(t, store, "n2", "north", 10000, spot.StatusFree)
	putInArea(t, store, "n3", "north", 10010, spot.StatusDisabled)
	putInArea(t, store, "c1", "close", 490, spot.StatusFree)
	putInArea(t, store, "c2", "close", 510, spot.StatusOccupied)
	putInArea(t, store, "f1", "far", 40000, spot.StatusFree)
	putInArea(t, store, "loose", "", 100, spot.StatusFree)

	_, err := store.MarkDirty(ctx, "c1", spot.Mutation{Status: spot.StatusOccupied, ReportedBy: "me", ReportedAt: t0})
	require.NoError(t, err)

	s, err := New(store, nil, &Config{Clock: fc})
	require.NoError(t, err)

	all, err := s.Areas(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"close", "far", "north"}, []string{all[0].AreaID, all[1].AreaID, all[2].AreaID})

	closeArea := all[0]
	assert.Equal(t, 2, closeArea.Total)
	assert.Equal(t, 0, closeArea.Free)
	assert.Equal(t, 2, closeArea.Occupied)
	assert.Equal(t, 1, closeArea.Pending)
	assert.True(t, closeArea.LatestReport.Equal(t0))
	assert.InDelta(t, 500, spot.Distance(center, closeArea.Center), 5)

	north := all[2]
	assert.Equal(t, 3, north.Total)
	assert.Equal(t, 2, north.Free)
	assert.Equal(t, 1, north.Disabled)
	assert.Equal(t, 0, north.Unknown)

	near, err := s.Areas(ctx, &center, MaxRadiusMeters)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "close", near[0].AreaID)
	assert.Equal(t, "north", near[1].AreaID)
	assert.InDelta(t, 10000, near[1].DistanceMeters, 10)

	def, err := s.Areas(ctx, &center, 0)
	require.NoError(t, err)
	require.Len(t, def, 1, "default radius only reaches the close area")
}
