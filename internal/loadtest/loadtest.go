// Package loadtest measures nearby-query latency on a populated cache
// while sync-style writes run concurrently.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/query"
	"github.com/tarun080/parkingfinder/internal/seed"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// TestCache is a populated cache for load testing.
type TestCache struct {
	Store   *localstore.Store
	Service *query.Service
	SpotIDs []string
	Center  spot.Location
	Radius  float64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestCache creates a cache at path with numSpots spots spread
// within radius meters of center. About dirtyPct of them carry a pending
// local edit.
func CreateTestCache(path string, center spot.Location, radius float64, numSpots int, dirtyPct float64) (*TestCache, error) {
	store, err := localstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	rng := rand.New(rand.NewSource(1))
	spots := seed.Generate(rng, center, radius, numSpots, now)
	for i, sp := range spots {
		sp.Version = int64(1 + i%5)
	}

	tc := &TestCache{Store: store, Center: center, Radius: radius, SpotIDs: make([]string, 0, numSpots)}

	const batch = 500
	for start := 0; start < len(spots); start += batch {
		end := min(start+batch, len(spots))
		if _, err := store.ApplyBatch(ctx, spots[start:end], "", asSynced); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load spots: %w", err)
		}
	}
	for _, sp := range spots {
		tc.SpotIDs = append(tc.SpotIDs, sp.ID)
	}

	for _, id := range tc.SpotIDs {
		if rng.Float64() >= dirtyPct {
			continue
		}
		m := spot.Mutation{Status: spot.StatusOccupied, ReportedAt: now, ReportedBy: "loadtest"}
		if _, err := store.MarkDirty(ctx, id, m); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to edit %s: %w", id, err)
		}
	}

	tc.Service, err = query.New(store, nil, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return tc, nil
}

// asSynced stores a generated spot as if it had just been pulled.
func asSynced(_ *spot.Spot, _ *spot.OutboxEntry, in *spot.Spot) localstore.Decision {
	out := in.Clone()
	out.LastSyncedVersion = in.Version
	return localstore.Decision{Spot: out}
}

// Close closes the cache.
func (tc *TestCache) Close() error {
	if tc.Store != nil {
		return tc.Store.Close()
	}
	return nil
}

// randomCenter picks a query center inside the populated area.
func (tc *TestCache) randomCenter(rng *rand.Rand) spot.Location {
	return spot.Offset(tc.Center, tc.Radius*rng.Float64(), 360*rng.Float64())
}

// RunConcurrentQueries runs numReaders goroutines each issuing
// queriesPerReader nearby queries with the given radius.
func (tc *TestCache) RunConcurrentQueries(numReaders, queriesPerReader int, radius float64) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(readerID) + 100))
			durations := make([]time.Duration, 0, queriesPerReader)
			ctx := context.Background()

			for j := 0; j < queriesPerReader; j++ {
				start := time.Now()
				_, err := tc.Service.Nearby(ctx, tc.randomCenter(rng), radius, localstore.Filter{})
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("reader %d query %d failed: %w", readerID, j, err)
					return
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs readers against a writer that keeps editing
// spots for duration. Every result set must respect the radius and
// distance order, and every returned row must be complete.
func (tc *TestCache) VerifyConsistency(numReaders int, radius float64, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		statuses := []spot.Status{spot.StatusFree, spot.StatusOccupied}
		for ctx.Err() == nil {
			id := tc.SpotIDs[rng.Intn(len(tc.SpotIDs))]
			m := spot.Mutation{
				Status:     statuses[rng.Intn(len(statuses))],
				ReportedAt: time.Now().UTC(),
				ReportedBy: "writer",
			}
			if _, err := tc.Store.MarkDirty(context.WithoutCancel(ctx), id, m); err != nil {
				errorsChan <- fmt.Errorf("writer failed: %w", err)
				return
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(readerID)))

			for ctx.Err() == nil {
				center := tc.randomCenter(rng)
				results, err := tc.Service.Nearby(ctx, center, radius, localstore.Filter{})
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
					}
					return
				}
				if err := checkResults(center, radius, results); err != nil {
					errorsChan <- fmt.Errorf("reader %d: %w", readerID, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		return err
	}
	return nil
}

func checkResults(center spot.Location, radius float64, results []query.Result) error {
	prev := -1.0
	for _, r := range results {
		if r.Spot == nil || r.Spot.ID == "" {
			return fmt.Errorf("result without spot")
		}
		if !r.Spot.Status.Valid() {
			return fmt.Errorf("spot %s has invalid status %q", r.Spot.ID, r.Spot.Status)
		}
		if r.DistanceMeters > radius {
			return fmt.Errorf("spot %s at %.1fm outside radius %.1fm", r.Spot.ID, r.DistanceMeters, radius)
		}
		if r.DistanceMeters < prev {
			return fmt.Errorf("results out of distance order at %s", r.Spot.ID)
		}
		if d := spot.Distance(center, r.Spot.Location); d-r.DistanceMeters > 0.01 || r.DistanceMeters-d > 0.01 {
			return fmt.Errorf("spot %s reported at %.2fm, actually %.2fm", r.Spot.ID, r.DistanceMeters, d)
		}
		prev = r.DistanceMeters
	}
	return nil
}

// computeLatencyStats calculates percentiles and statistics from durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
