package seed

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarun080/parkingfinder/internal/spot"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakePutter struct {
	got  []string
	fail map[string]bool
}

func (f *fakePutter) Put(ctx context.Context, sp *spot.Spot) (*spot.Spot, error) {
	if f.fail[sp.ID] {
		return nil, errors.New("boom")
	}
	f.got = append(f.got, sp.ID)
	return sp, nil
}

func TestReadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spots.jsonl")
	content := `{"id":"a","location":{"lat":1,"lon":2},"status":"free","reported_at":"2026-03-01T08:00:00Z"}

{"id":"b","location":{"lat":1.5,"lon":2.5},"reported_at":"2026-03-01T08:00:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	spots, err := ReadJSONL(path)
	require.NoError(t, err)
	require.Len(t, spots, 2)
	assert.Equal(t, spot.StatusFree, spots[0].Status)
	assert.Equal(t, spot.StatusUnknown, spots[1].Status, "missing status defaults to unknown")
}

func TestReadJSONL_InvalidLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spots.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\nnot json\n"), 0o600))

	_, err := ReadJSONL(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "spots.jsonl")
	in := Generate(rand.New(rand.NewSource(7)), spot.Location{Lat: 51.5, Lon: -0.12}, 2000, 25, t0)

	require.NoError(t, WriteJSONL(path, in))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file left behind")

	out, err := ReadJSONL(path)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.True(t, in[i].ReportedAt.Equal(out[i].ReportedAt))
		assert.Equal(t, in[i].Location, out[i].Location)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	center := spot.Location{Lat: 35.68, Lon: 139.76}
	a := Generate(rand.New(rand.NewSource(42)), center, 1500, 50, t0)
	b := Generate(rand.New(rand.NewSource(42)), center, 1500, 50, t0)
	assert.Equal(t, a, b)

	for _, sp := range a {
		require.NoError(t, sp.Validate())
		assert.LessOrEqual(t, spot.Distance(center, sp.Location), 1501.0)
	}
}

func TestImport(t *testing.T) {
	p := &fakePutter{fail: map[string]bool{"b": true}}
	spots := []*spot.Spot{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	res, err := Import(context.Background(), p, spots)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"a", "c"}, p.got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Import(ctx, p, spots)
	assert.ErrorIs(t, err, context.Canceled)
}
