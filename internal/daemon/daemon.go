// Package daemon runs the background side of the sync core.
//
// The daemon:
//  1. Runs a startup cycle, then schedules cycles with backoff
//  2. Checks connectivity and feeds changes to the scheduler
//  3. Follows the remote change feed and marks announced rows stale
//  4. Hot-reloads sync intervals when the config file changes
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/spot"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

// Intervals are the hot-reloadable scheduler settings.
type Intervals struct {
	Interval   time.Duration
	Background time.Duration
}

// ReloadFunc reads the config file at path after it changed.
type ReloadFunc func(path string) (Intervals, error)

// Config holds configuration for the daemon.
type Config struct {
	// Scheduler configures sync timing (default: DefaultSchedulerConfig)
	Scheduler *SchedulerConfig

	// CheckInterval is how often connectivity is checked when the remote
	// client can be pinged (default: 30s)
	CheckInterval time.Duration

	// CheckTimeout bounds a single connectivity check (default: 5s)
	CheckTimeout time.Duration

	// ConfigPath is watched for changes when Reload is set
	ConfigPath string

	// Reload is called after ConfigPath changes
	Reload ReloadFunc

	// DebounceInterval is how long to wait after a config file event
	// before reloading. Editors often write several events per save.
	DebounceInterval time.Duration

	// Follow enables the remote change feed (default: true)
	Follow bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler:        DefaultSchedulerConfig(),
		CheckInterval:    30 * time.Second,
		CheckTimeout:     5 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Follow:           true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is a snapshot of the daemon for status output and the dashboard.
type Status struct {
	Scheduler SchedulerState         `json:"scheduler"`
	Cycle     syncengine.Cycle       `json:"cycle"`
	Last      *syncengine.CycleEvent `json:"last,omitempty"`
	Counts    localstore.Counts      `json:"counts"`
	State     localstore.SyncState   `json:"state"`
}

// Daemon composes the store, engine and scheduler.
type Daemon struct {
	store     *localstore.Store
	engine    *syncengine.Engine
	client    remote.Client
	scheduler *Scheduler
	config    *Config
	clock     clock.Clock
	watcher   *FileWatcher

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a daemon. Use Start() to begin syncing.
func New(store *localstore.Store, engine *syncengine.Engine, client remote.Client) (*Daemon, error) {
	return NewWithConfig(store, engine, client, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store *localstore.Store, engine *syncengine.Engine, client remote.Client, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 5 * time.Second
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 250 * time.Millisecond
	}

	scheduler, err := NewScheduler(engine, config.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Daemon{
		store:     store,
		engine:    engine,
		client:    client,
		scheduler: scheduler,
		config:    config,
		clock:     scheduler.clock,
	}, nil
}

// Scheduler returns the daemon's scheduler.
func (d *Daemon) Scheduler() *Scheduler { return d.scheduler }

// Engine returns the daemon's engine.
func (d *Daemon) Engine() *syncengine.Engine { return d.engine }

// RequestSync queues a manual sync.
func (d *Daemon) RequestSync() error { return d.scheduler.RequestSync() }

// Status returns a snapshot of the daemon.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	st := Status{
		Scheduler: d.scheduler.State(),
		Cycle:     d.engine.Current(),
	}
	if last := d.engine.LastSummary(); last != nil {
		ev := last.Event()
		st.Last = &ev
	}
	var err error
	if st.Counts, err = d.store.Counts(ctx); err != nil {
		return st, fmt.Errorf("failed to count spots: %w", err)
	}
	if st.State, err = d.store.SyncState(ctx); err != nil {
		return st, fmt.Errorf("failed to read sync state: %w", err)
	}
	return st, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	runCtx := d.ctx
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	if d.config.Reload != nil && d.config.ConfigPath != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return d.abort(err)
		}
		if err := watcher.Start(d.config.ConfigPath); err != nil {
			_ = watcher.Stop()
			return d.abort(err)
		}
		d.mu.Lock()
		d.watcher = watcher
		d.mu.Unlock()
		d.config.Logger.Printf("Watching config: %s", watcher.Path())
		d.wg.Add(1)
		go d.watchConfig(runCtx, watcher)
	}

	pinger, canPing := d.client.(remote.Pinger)
	if canPing {
		d.ping(runCtx, pinger)
		d.wg.Add(1)
		go d.pingLoop(runCtx, pinger)
	}

	if d.config.Follow {
		d.wg.Add(1)
		go d.followChanges(runCtx)
	}

	d.scheduler.Kick(syncengine.TriggerStartup)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.scheduler.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-runCtx.Done():
		return nil
	}
}

func (d *Daemon) abort(err error) error {
	d.mu.Lock()
	d.running = false
	d.cancel()
	d.mu.Unlock()
	return fmt.Errorf("failed to start config watcher: %w", err)
}

// Stop gracefully shuts down the daemon. A cycle in flight finishes its
// current phase first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// ping checks connectivity once and reports it to the scheduler.
func (d *Daemon) ping(ctx context.Context, p remote.Pinger) {
	pctx, cancel := context.WithTimeout(ctx, d.config.CheckTimeout)
	defer cancel()

	err := p.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil
	if online != d.scheduler.Online() {
		if online {
			d.config.Logger.Println("Remote reachable")
		} else {
			d.config.Logger.Printf("WARNING: remote unreachable: %v", err)
		}
	}
	d.scheduler.SetOnline(online)
}

func (d *Daemon) pingLoop(ctx context.Context, p remote.Pinger) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ping(ctx, p)
		}
	}
}

// followChanges subscribes to the remote change feed, resubscribing with
// backoff when the feed drops.
func (d *Daemon) followChanges(ctx context.Context) {
	defer d.wg.Done()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()

	for {
		notices, err := d.client.Subscribe(ctx)
		if err == nil {
			b.Reset()
			d.drainNotices(ctx, notices)
		} else if ctx.Err() == nil && !errors.Is(err, remote.ErrOffline) {
			d.config.Logger.Printf("WARNING: change feed unavailable: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(b.NextBackOff()):
		}
	}
}

func (d *Daemon) drainNotices(ctx context.Context, notices <-chan remote.ChangeNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			d.handleNotice(ctx, n)
		}
	}
}

// handleNotice marks the announced row stale and asks for a cycle. Echoes
// of the device's own pushes are already synced and ignored.
func (d *Daemon) handleNotice(ctx context.Context, n remote.ChangeNotice) {
	sp, err := d.store.Get(ctx, n.SpotID)
	switch {
	case err == nil && sp.LastSyncedVersion >= n.Version:
		return
	case err == nil:
		if _, err := d.store.NoteRemoteVersion(ctx, n.SpotID, n.Version); err != nil {
			d.config.Logger.Printf("WARNING: failed to note version for %s: %v", n.SpotID, err)
		}
	case !errors.Is(err, spot.ErrNotFound):
		d.config.Logger.Printf("WARNING: failed to read %s: %v", n.SpotID, err)
	}
	d.scheduler.NotifyRemoteChange()
}

// watchConfig reloads intervals once config file events settle.
func (d *Daemon) watchConfig(ctx context.Context, watcher *FileWatcher) {
	defer d.wg.Done()

	timer := d.clock.NewTimer(d.config.DebounceInterval)
	timer.Stop()
	defer timer.Stop()

	events := watcher.Events()
	errs := watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op == OpDelete {
				d.config.Logger.Printf("Config file %s removed; keeping current settings", ev.Path)
				continue
			}
			timer.Reset(d.config.DebounceInterval)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-timer.C:
			d.reload()
		}
	}
}

func (d *Daemon) reload() {
	iv, err := d.config.Reload(d.config.ConfigPath)
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to reload config: %v", err)
		return
	}
	d.scheduler.SetIntervals(iv.Interval, iv.Background)
	d.config.Logger.Printf("Reloaded config: interval=%s background=%s", iv.Interval, iv.Background)
}
