// Package seed reads, writes and generates spot data sets used to load
// the remote store and to benchmark the local cache.
package seed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// Putter stores a spot. Both the remote store and the local cache
// satisfy it through small adapters.
type Putter interface {
	Put(ctx context.Context, sp *spot.Spot) (*spot.Spot, error)
}

// Result contains statistics about an import.
type Result struct {
	Imported int
	Errors   []string
}

// ReadJSONL reads one spot per line. Blank lines are skipped.
func ReadJSONL(path string) ([]*spot.Spot, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var spots []*spot.Spot
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var sp spot.Spot
		if err := json.Unmarshal([]byte(line), &sp); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if sp.Status == "" {
			sp.Status = spot.StatusUnknown
		}
		spots = append(spots, &sp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL file: %w", err)
	}
	return spots, nil
}

// WriteJSONL writes spots one per line, atomically via a temp file.
func WriteJSONL(path string, spots []*spot.Spot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, sp := range spots {
		if err := enc.Encode(sp); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode spot %s: %w", sp.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Import stores every spot through p. Invalid spots are recorded in the
// result and skipped; a context error stops the import.
func Import(ctx context.Context, p Putter, spots []*spot.Spot) (*Result, error) {
	res := &Result{}
	for _, sp := range spots {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := p.Put(ctx, sp); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", sp.ID, err))
			continue
		}
		res.Imported++
	}
	return res, nil
}

var kinds = []string{"standard", "compact", "motorcycle", "ev"}

// Generate returns n random spots within radiusMeters of center. The
// same rng seed yields the same set.
func Generate(rng *rand.Rand, center spot.Location, radiusMeters float64, n int, at time.Time) []*spot.Spot {
	out := make([]*spot.Spot, 0, n)
	for i := 0; i < n; i++ {
		loc := spot.Offset(center, radiusMeters*rng.Float64(), 360*rng.Float64()).Rounded()
		kind := kinds[rng.Intn(len(kinds))]
		out = append(out, &spot.Spot{
			ID:         fmt.Sprintf("seed-%06d", i),
			Location:   loc,
			Status:     spot.Statuses[rng.Intn(len(spot.Statuses))],
			ReportedBy: "seed",
			ReportedAt: spot.NormalizeTime(at.Add(-time.Duration(rng.Intn(3600)) * time.Second)),
			AreaID:     fmt.Sprintf("area-%02d", i%16),
			Label:      fmt.Sprintf("%c%d", 'A'+rune(i%26), i/26+1),
			Kind:       kind,
			Accessible: rng.Intn(20) == 0,
			EVCharging: kind == "ev",
		})
	}
	return out
}
