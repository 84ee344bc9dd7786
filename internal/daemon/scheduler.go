package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

// ErrRateLimited is returned by RequestSync when a manual sync was
// requested less than ManualMinSpacing ago.
var ErrRateLimited = errors.New("manual sync rate limited")

// Runner runs one sync cycle. *syncengine.Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, trigger syncengine.Trigger) syncengine.Summary
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Interval is the periodic sync interval while in the foreground (default: 5m)
	Interval time.Duration

	// BackgroundInterval is the periodic interval while backgrounded (default: 15m)
	BackgroundInterval time.Duration

	// BackoffBase is the first delay after a failed cycle (default: 30s)
	BackoffBase time.Duration

	// BackoffMax caps the delay after repeated failures (default: 30m)
	BackoffMax time.Duration

	// Jitter is the randomization factor applied to backoff delays, 0..1
	// (default: 0.2)
	Jitter float64

	// ManualMinSpacing is the minimum time between manual requests (default: 10s)
	ManualMinSpacing time.Duration

	// Clock drives timers (default: clock.Real())
	Clock clock.Clock

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:           5 * time.Minute,
		BackgroundInterval: 15 * time.Minute,
		BackoffBase:        30 * time.Second,
		BackoffMax:         30 * time.Minute,
		Jitter:             0.2,
		ManualMinSpacing:   10 * time.Second,
		Clock:              clock.Real(),
		Logger:             log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// SchedulerState is a snapshot of the scheduler for status output.
type SchedulerState struct {
	Online      bool      `json:"online" yaml:"online"`
	Foreground  bool      `json:"foreground" yaml:"foreground"`
	Failures    int       `json:"failures" yaml:"failures"`
	Delay       string    `json:"delay" yaml:"delay"`
	NextAttempt time.Time `json:"next_attempt" yaml:"next_attempt"`
	LastManual  time.Time `json:"last_manual,omitempty" yaml:"last_manual,omitempty"`
}

// Scheduler decides when sync cycles run. Triggers are queued on a
// channel and executed one at a time by Run.
type Scheduler struct {
	runner Runner
	clock  clock.Clock
	logger *log.Logger

	mu         sync.Mutex
	config     SchedulerConfig
	backoff    *backoff.ExponentialBackOff
	online     bool
	foreground bool
	failures   int
	delay      time.Duration
	lastRun    time.Time
	nextAt     time.Time
	lastManual time.Time

	triggers chan syncengine.Trigger
	wake     chan struct{}
}

// NewScheduler creates a scheduler. It starts online and in the
// foreground; the first periodic attempt is one Interval away.
func NewScheduler(runner Runner, config *SchedulerConfig) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = defaults.BackgroundInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(defaults.BackoffMax, cfg.BackoffBase)
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.ManualMinSpacing < 0 {
		cfg.ManualMinSpacing = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	s := &Scheduler{
		runner: runner,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		config: cfg,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.BackoffBase,
			RandomizationFactor: cfg.Jitter,
			Multiplier:          2,
			MaxInterval:         cfg.BackoffMax,
		},
		online:     true,
		foreground: true,
		triggers:   make(chan syncengine.Trigger, 8),
		wake:       make(chan struct{}, 1),
	}
	s.backoff.Reset()
	s.lastRun = s.clock.Now()
	s.delay = cfg.Interval
	s.nextAt = s.lastRun.Add(s.delay)
	return s, nil
}

// Run executes queued triggers and periodic attempts until ctx is
// cancelled. Only one Run may be active.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			if s.Online() {
				s.Attempt(ctx, syncengine.TriggerPeriodic)
			} else {
				s.skip()
			}

		case t := <-s.triggers:
			s.Attempt(ctx, t)

		case <-s.wake:
		}

		timer.Reset(s.untilNext())
	}
}

// Attempt runs a cycle now and updates the next periodic deadline from
// its outcome. A coalesced cycle leaves the schedule unchanged.
func (s *Scheduler) Attempt(ctx context.Context, trigger syncengine.Trigger) syncengine.Summary {
	sum := s.runner.RunCycle(ctx, trigger)
	if sum.Coalesced {
		return sum
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.lastRun = now
	if sum.OK() {
		if s.failures > 0 {
			s.logger.Printf("Sync recovered after %d failed attempt(s)", s.failures)
		}
		s.failures = 0
		s.backoff.Reset()
		s.delay = s.intervalLocked()
	} else {
		s.failures++
		s.delay = min(s.backoff.NextBackOff(), s.config.BackoffMax)
		if s.backoffCappedLocked() {
			s.delay = s.config.BackoffMax
		}
		s.logger.Printf("WARNING: sync cycle %s failed (attempt %d): %v; retrying in %s",
			sum.CycleID, s.failures, sum.Err, s.delay)
	}
	s.nextAt = now.Add(s.delay)
	return sum
}

// backoffCappedLocked reports whether the unjittered retry delay for the
// current failure count has reached BackoffMax. Past that point the cap
// is used as is.
func (s *Scheduler) backoffCappedLocked() bool {
	d := s.config.BackoffBase
	for i := 1; i < s.failures && d < s.config.BackoffMax; i++ {
		d *= 2
	}
	return d >= s.config.BackoffMax
}

// RequestSync queues a manual sync. It bypasses backoff and runs even
// while offline, but returns ErrRateLimited when the previous manual
// request was less than ManualMinSpacing ago.
func (s *Scheduler) RequestSync() error {
	s.mu.Lock()
	now := s.clock.Now()
	if !s.lastManual.IsZero() && now.Sub(s.lastManual) < s.config.ManualMinSpacing {
		s.mu.Unlock()
		return ErrRateLimited
	}
	s.lastManual = now
	s.mu.Unlock()

	s.enqueue(syncengine.TriggerManual)
	return nil
}

// SetOnline records a connectivity change. Restored connectivity resets
// backoff and queues an immediate cycle.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	restored := online && !s.online
	s.online = online
	if restored {
		s.failures = 0
		s.backoff.Reset()
		s.delay = s.intervalLocked()
		s.nextAt = s.clock.Now().Add(s.delay)
	}
	s.mu.Unlock()

	if restored {
		s.logger.Println("Connectivity restored")
		s.enqueue(syncengine.TriggerConnectivity)
	} else if !online {
		s.notify()
	}
}

// SetForeground records an app lifecycle transition. Entering the
// foreground queues a cycle unless offline or backing off; either
// transition switches the periodic interval.
func (s *Scheduler) SetForeground(foreground bool) {
	s.mu.Lock()
	entered := foreground && !s.foreground
	s.foreground = foreground
	if s.failures == 0 {
		s.delay = s.intervalLocked()
		s.nextAt = s.lastRun.Add(s.delay)
	}
	queue := entered && s.online && !s.backingOffLocked()
	s.mu.Unlock()

	if queue {
		s.enqueue(syncengine.TriggerForeground)
	} else {
		s.notify()
	}
}

// NotifyRemoteChange queues a cycle after the remote announced a change.
// It reports whether a cycle was queued; notices are ignored while
// offline or backing off.
func (s *Scheduler) NotifyRemoteChange() bool {
	s.mu.Lock()
	ok := s.online && !s.backingOffLocked()
	s.mu.Unlock()

	if ok {
		s.enqueue(syncengine.TriggerRemoteChange)
	}
	return ok
}

// Kick queues a cycle for trigger without any policy checks.
func (s *Scheduler) Kick(trigger syncengine.Trigger) {
	s.enqueue(trigger)
}

// SetIntervals replaces the periodic intervals. Non-positive values are
// ignored. A pending periodic deadline is moved when not backing off.
func (s *Scheduler) SetIntervals(interval, background time.Duration) {
	s.mu.Lock()
	if interval > 0 {
		s.config.Interval = interval
	}
	if background > 0 {
		s.config.BackgroundInterval = background
	}
	if s.failures == 0 {
		s.delay = s.intervalLocked()
		s.nextAt = s.lastRun.Add(s.delay)
	}
	s.mu.Unlock()
	s.notify()
}

// Online reports the last known connectivity.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// NextDelay returns the delay chosen after the most recent attempt.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerState{
		Online:      s.online,
		Foreground:  s.foreground,
		Failures:    s.failures,
		Delay:       s.delay.String(),
		NextAttempt: s.nextAt,
		LastManual:  s.lastManual,
	}
}

func (s *Scheduler) intervalLocked() time.Duration {
	if s.foreground {
		return s.config.Interval
	}
	return s.config.BackgroundInterval
}

func (s *Scheduler) backingOffLocked() bool {
	return s.failures > 0 && s.clock.Now().Before(s.nextAt)
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.nextAt.Sub(s.clock.Now()), 0)
}

// skip moves the periodic deadline forward without running a cycle.
func (s *Scheduler) skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAt = s.clock.Now().Add(s.delay)
}

func (s *Scheduler) enqueue(t syncengine.Trigger) {
	select {
	case s.triggers <- t:
	default:
		s.logger.Printf("Trigger %s dropped: %d cycles already queued", t, cap(s.triggers))
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
