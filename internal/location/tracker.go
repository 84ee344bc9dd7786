// Package location keeps the device's current position from a stream of
// location fixes.
package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// ErrInaccurate is returned for fixes worse than MaxAccuracyMeters.
var ErrInaccurate = errors.New("location fix too inaccurate")

// Config holds tracker configuration.
type Config struct {
	// MaxAccuracyMeters rejects fixes with a larger error radius (default: 100)
	MaxAccuracyMeters float64

	// MinDisplacementMeters ignores fixes closer than this to the current
	// fix (default: 10)
	MinDisplacementMeters float64

	// RefreshAfter accepts a fix regardless of displacement once the
	// current fix is this old (default: 60s)
	RefreshAfter time.Duration

	// Clock stamps fixes without a timestamp (default: clock.Real())
	Clock clock.Clock

	// Logger for tracker activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAccuracyMeters:     100,
		MinDisplacementMeters: 10,
		RefreshAfter:          60 * time.Second,
		Clock:                 clock.Real(),
		Logger:                log.New(os.Stderr, "[location] ", log.LstdFlags),
	}
}

// Tracker filters location fixes and persists the accepted one so the
// position survives restarts.
type Tracker struct {
	store  *localstore.Store
	config Config

	mu      sync.RWMutex
	current *spot.Sample
}

// New creates a tracker and loads the persisted fix, if any.
func New(ctx context.Context, store *localstore.Store, config *Config) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = defaults.MaxAccuracyMeters
	}
	if cfg.MinDisplacementMeters < 0 {
		cfg.MinDisplacementMeters = 0
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = defaults.RefreshAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	fix, err := store.LastFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load last fix: %w", err)
	}
	return &Tracker{store: store, config: cfg, current: fix}, nil
}

// Current returns the last accepted fix, or nil before the first one.
func (t *Tracker) Current() *spot.Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	fix := *t.current
	return &fix
}

// Accept offers a fix to the tracker. It reports whether the fix became
// the current position. Invalid and inaccurate fixes are errors; fixes
// older than the current one or too close to it are ignored.
func (t *Tracker) Accept(ctx context.Context, s spot.Sample) (bool, error) {
	if err := s.Location.Validate(); err != nil {
		return false, fmt.Errorf("invalid fix: %w", err)
	}
	if s.AccuracyMeters < 0 || s.AccuracyMeters > t.config.MaxAccuracyMeters {
		return false, fmt.Errorf("%w: %.0fm > %.0fm", ErrInaccurate, s.AccuracyMeters, t.config.MaxAccuracyMeters)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = t.config.Clock.Now()
	}
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Millisecond)
	s.Location = s.Location.Rounded()

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.current; cur != nil {
		if s.Timestamp.Before(cur.Timestamp) {
			return false, nil
		}
		moved := spot.Distance(cur.Location, s.Location)
		if moved < t.config.MinDisplacementMeters && s.Timestamp.Sub(cur.Timestamp) < t.config.RefreshAfter {
			return false, nil
		}
	}

	if err := t.store.SaveFix(context.WithoutCancel(ctx), s); err != nil {
		return false, fmt.Errorf("failed to save fix: %w", err)
	}
	t.current = &s
	return true, nil
}

// Follow consumes fixes until samples is closed or ctx is done. Rejected
// fixes are logged and skipped.
func (t *Tracker) Follow(ctx context.Context, samples <-chan spot.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			if _, err := t.Accept(ctx, s); err != nil {
				t.config.Logger.Printf("WARNING: dropped fix: %v", err)
			}
		}
	}
}
