// Package query is the read side of the cache. It never touches the
// network: results come from the local store and carry staleness flags
// so callers can tell how far to trust them.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/spot"
)

const (
	// DefaultRadiusMeters is used when a query gives no radius.
	DefaultRadiusMeters = 5000
	// MaxRadiusMeters caps every query.
	MaxRadiusMeters = 15000
)

// ErrNoFix is returned by NearMe before any location fix was accepted.
var ErrNoFix = errors.New("no location fix yet")

// FixSource provides the device's current position.
type FixSource interface {
	Current() *spot.Sample
}

// Result is a spot near the query center.
type Result struct {
	Spot           *spot.Spot `json:"spot" yaml:"spot"`
	DistanceMeters float64    `json:"distance_m" yaml:"distance_m"`
	// Stale is set when the row may not match the remote store.
	Stale bool `json:"stale" yaml:"stale"`
	// Pending is set when a local edit has not been pushed yet.
	Pending bool `json:"pending" yaml:"pending"`
}

// Config holds service configuration.
type Config struct {
	// Freshness is how long after the last successful pull synced rows
	// still count as fresh (default: 15m)
	Freshness time.Duration

	// Clock (default: clock.Real())
	Clock clock.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Freshness: 15 * time.Minute,
		Clock:     clock.Real(),
	}
}

// Service answers "spots near here" from the local cache.
type Service struct {
	store     *localstore.Store
	fixes     FixSource
	freshness time.Duration
	clock     clock.Clock
}

// New creates a query service. fixes may be nil when NearMe is unused.
func New(store *localstore.Store, fixes FixSource, config *Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	freshness := config.Freshness
	if freshness <= 0 {
		freshness = DefaultConfig().Freshness
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: store, fixes: fixes, freshness: freshness, clock: clk}, nil
}

// Nearby returns cached spots within radius meters of center, nearest
// first. A non-positive radius means DefaultRadiusMeters; larger radii
// are clamped to MaxRadiusMeters.
func (s *Service) Nearby(ctx context.Context, center spot.Location, radius float64, f localstore.Filter) ([]Result, error) {
	radius = ClampRadius(radius)

	near, err := s.store.QueryNear(ctx, center, radius, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby spots: %w", err)
	}
	st, err := s.store.SyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	pullExpired := st.LastPullAt.IsZero() || s.clock.Now().Sub(st.LastPullAt) > s.freshness

	out := make([]Result, 0, len(near))
	for _, n := range near {
		sp := n.Spot
		out = append(out, Result{
			Spot:           sp,
			DistanceMeters: n.DistanceMeters,
			Stale:          sp.LastSyncedVersion < sp.Version || (sp.LastSyncedVersion > 0 && pullExpired),
			Pending:        sp.LocalDirty,
		})
	}
	return out, nil
}

// NearMe is Nearby around the tracker's current fix.
func (s *Service) NearMe(ctx context.Context, radius float64, f localstore.Filter) ([]Result, error) {
	if s.fixes == nil {
		return nil, ErrNoFix
	}
	fix := s.fixes.Current()
	if fix == nil {
		return nil, ErrNoFix
	}
	return s.Nearby(ctx, fix.Location, radius, f)
}

// Area is the availability of one parking area.
type Area struct {
	localstore.AreaCounts `yaml:",inline"`
	// DistanceMeters is measured from the query center to the area center.
	DistanceMeters float64 `json:"distance_m,omitempty" yaml:"distance_m,omitempty"`
}

// Areas returns per-area availability from the cache. With a center only
// areas whose center lies within radius are returned, nearest first;
// without one every area is returned in id order.
func (s *Service) Areas(ctx context.Context, center *spot.Location, radius float64) ([]Area, error) {
	counts, err := s.store.Areas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate areas: %w", err)
	}

	out := make([]Area, 0, len(counts))
	if center == nil {
		for _, c := range counts {
			out = append(out, Area{AreaCounts: c})
		}
		return out, nil
	}

	radius = ClampRadius(radius)
	for _, c := range counts {
		d := spot.Distance(*center, c.Center)
		if d <= radius {
			out = append(out, Area{AreaCounts: c, DistanceMeters: d})
		}
	}
	slices.SortStableFunc(out, func(a, b Area) int {
		return cmp.Compare(a.DistanceMeters, b.DistanceMeters)
	})
	return out, nil
}

// ClampRadius applies the default and maximum radius.
func ClampRadius(radius float64) float64 {
	switch {
	case radius <= 0:
		return DefaultRadiusMeters
	case radius > MaxRadiusMeters:
		return MaxRadiusMeters
	default:
		return radius
	}
}
