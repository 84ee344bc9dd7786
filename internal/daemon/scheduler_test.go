package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/syncengine"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var errPush = &remote.TransientError{Err: errors.New("connection reset")}

// fakeRunner returns queued outcomes in order, then succeeds.
type fakeRunner struct {
	mu        sync.Mutex
	outcomes  []error
	coalesced bool
	calls     chan syncengine.Trigger
}

func newFakeRunner(outcomes ...error) *fakeRunner {
	return &fakeRunner{outcomes: outcomes, calls: make(chan syncengine.Trigger, 32)}
}

func (r *fakeRunner) RunCycle(ctx context.Context, trigger syncengine.Trigger) syncengine.Summary {
	r.mu.Lock()
	var err error
	if len(r.outcomes) > 0 {
		err = r.outcomes[0]
		r.outcomes = r.outcomes[1:]
	}
	coalesced := r.coalesced
	r.mu.Unlock()

	r.calls <- trigger
	sum := syncengine.Summary{CycleID: "c1", Trigger: trigger, Err: err, Coalesced: coalesced}
	if err != nil {
		sum.Phase = syncengine.PhaseFailed
	}
	return sum
}

func (r *fakeRunner) next(t *testing.T) syncengine.Trigger {
	t.Helper()
	select {
	case tr := <-r.calls:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a cycle")
		return ""
	}
}

func (r *fakeRunner) none(t *testing.T) {
	t.Helper()
	select {
	case tr := <-r.calls:
		t.Fatalf("unexpected %s cycle", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestScheduler(t *testing.T, r Runner, clk clock.Clock) *Scheduler {
	t.Helper()
	s, err := NewScheduler(r, &SchedulerConfig{
		Interval:           5 * time.Minute,
		BackgroundInterval: 15 * time.Minute,
		BackoffBase:        30 * time.Second,
		BackoffMax:         2 * time.Minute,
		Jitter:             0,
		ManualMinSpacing:   10 * time.Second,
		Clock:              clk,
		Logger:             log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return s
}

func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func queued(t *testing.T, s *Scheduler) syncengine.Trigger {
	t.Helper()
	select {
	case tr := <-s.triggers:
		return tr
	default:
		t.Fatal("no trigger queued")
		return ""
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil, nil)
	require.Error(t, err)

	s, err := NewScheduler(newFakeRunner(), &SchedulerConfig{Jitter: 3})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.config.Interval)
	assert.Equal(t, 30*time.Second, s.config.BackoffBase)
	assert.Equal(t, 1.0, s.config.Jitter)
	assert.NotNil(t, s.clock)
}

func TestScheduler_BackoffGrowsToCapAndResets(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner(errPush, errPush, errPush, errPush)
	s := newTestScheduler(t, r, clk)
	ctx := context.Background()

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		sum := s.Attempt(ctx, syncengine.TriggerPeriodic)
		require.False(t, sum.OK())
		delays = append(delays, s.NextDelay())
	}
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute}, delays)
	for i := 1; i < 3; i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
	assert.Equal(t, 4, s.State().Failures)

	sum := s.Attempt(ctx, syncengine.TriggerPeriodic)
	require.True(t, sum.OK())
	assert.Equal(t, 5*time.Minute, s.NextDelay())
	assert.Equal(t, 0, s.State().Failures)

	// The next failure starts again from the base delay.
	r.mu.Lock()
	r.outcomes = []error{errPush}
	r.mu.Unlock()
	s.Attempt(ctx, syncengine.TriggerPeriodic)
	assert.Equal(t, 30*time.Second, s.NextDelay())
}

func TestScheduler_JitterStaysNearBase(t *testing.T) {
	clk := clock.Fake(t0)
	s, err := NewScheduler(newFakeRunner(errPush), &SchedulerConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
		Jitter:      0.5,
		Clock:       clk,
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)

	s.Attempt(context.Background(), syncengine.TriggerManual)
	d := s.NextDelay()
	assert.GreaterOrEqual(t, d, 15*time.Second)
	assert.LessOrEqual(t, d, 45*time.Second)
}

func TestScheduler_JitteredBackoffHoldsAtCap(t *testing.T) {
	clk := clock.Fake(t0)
	var outcomes []error
	for i := 0; i < 8; i++ {
		outcomes = append(outcomes, errPush)
	}
	s, err := NewScheduler(newFakeRunner(outcomes...), &SchedulerConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  2 * time.Minute,
		Jitter:      0.5,
		Clock:       clk,
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		s.Attempt(context.Background(), syncengine.TriggerPeriodic)
		delays = append(delays, s.NextDelay())
	}
	for i, d := range delays {
		assert.LessOrEqual(t, d, 2*time.Minute)
		if i >= 2 {
			assert.Equal(t, 2*time.Minute, d, "attempt %d", i+1)
		}
	}
}

func TestScheduler_CoalescedLeavesScheduleAlone(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner(errPush)
	s := newTestScheduler(t, r, clk)

	s.Attempt(context.Background(), syncengine.TriggerPeriodic)
	before := s.State()

	r.mu.Lock()
	r.coalesced = true
	r.mu.Unlock()
	clk.Advance(time.Second)
	s.Attempt(context.Background(), syncengine.TriggerManual)

	after := s.State()
	assert.Equal(t, before.Failures, after.Failures)
	assert.Equal(t, before.NextAttempt, after.NextAttempt)
}

func TestScheduler_RunPeriodicWithBackoff(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner(errPush)
	s := newTestScheduler(t, r, clk)
	runScheduler(t, s)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Minute)
	assert.Equal(t, syncengine.TriggerPeriodic, r.next(t))

	// Failed: the next attempt is 30s away, not 5m.
	clk.WaitForTimers(1)
	clk.Advance(29 * time.Second)
	r.none(t)
	clk.Advance(time.Second)
	assert.Equal(t, syncengine.TriggerPeriodic, r.next(t))

	// Succeeded: back to the base interval.
	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	r.none(t)
	clk.Advance(4 * time.Minute)
	assert.Equal(t, syncengine.TriggerPeriodic, r.next(t))
}

func TestScheduler_OfflineSkipsPeriodic(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner()
	s := newTestScheduler(t, r, clk)
	s.SetOnline(false)
	runScheduler(t, s)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Minute)
	r.none(t)

	s.SetOnline(true)
	assert.Equal(t, syncengine.TriggerConnectivity, r.next(t))
}

func TestScheduler_ConnectivityResetsBackoff(t *testing.T) {
	clk := clock.Fake(t0)
	s := newTestScheduler(t, newFakeRunner(errPush, errPush), clk)
	ctx := context.Background()

	s.Attempt(ctx, syncengine.TriggerPeriodic)
	s.Attempt(ctx, syncengine.TriggerPeriodic)
	require.Equal(t, 2, s.State().Failures)

	s.SetOnline(false)
	assert.False(t, s.Online())
	s.SetOnline(true)

	st := s.State()
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, "5m0s", st.Delay)
	assert.Equal(t, syncengine.TriggerConnectivity, queued(t, s))

	// Already online: no new trigger.
	s.SetOnline(true)
	assert.Empty(t, s.triggers)
}

func TestScheduler_ManualRateLimited(t *testing.T) {
	clk := clock.Fake(t0)
	s := newTestScheduler(t, newFakeRunner(), clk)

	require.NoError(t, s.RequestSync())
	assert.ErrorIs(t, s.RequestSync(), ErrRateLimited)

	clk.Advance(9 * time.Second)
	assert.ErrorIs(t, s.RequestSync(), ErrRateLimited)

	clk.Advance(time.Second)
	require.NoError(t, s.RequestSync())
	assert.Len(t, s.triggers, 2)
}

func TestScheduler_ManualBypassesBackoff(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner(errPush)
	s := newTestScheduler(t, r, clk)

	s.Attempt(context.Background(), syncengine.TriggerPeriodic)
	<-r.calls
	require.Equal(t, 1, s.State().Failures)

	assert.False(t, s.NotifyRemoteChange())
	s.SetForeground(false)
	s.SetForeground(true)
	assert.Empty(t, s.triggers)

	s.SetOnline(false)
	require.NoError(t, s.RequestSync())
	assert.Equal(t, syncengine.TriggerManual, queued(t, s))
}

func TestScheduler_RemoteChangeWhenHealthy(t *testing.T) {
	clk := clock.Fake(t0)
	s := newTestScheduler(t, newFakeRunner(), clk)

	assert.True(t, s.NotifyRemoteChange())
	assert.Equal(t, syncengine.TriggerRemoteChange, queued(t, s))

	s.SetOnline(false)
	assert.False(t, s.NotifyRemoteChange())
}

func TestScheduler_ForegroundSwitchesInterval(t *testing.T) {
	clk := clock.Fake(t0)
	s := newTestScheduler(t, newFakeRunner(), clk)
	ctx := context.Background()

	s.SetForeground(false)
	assert.Empty(t, s.triggers)
	s.Attempt(ctx, syncengine.TriggerPeriodic)
	assert.Equal(t, 15*time.Minute, s.NextDelay())

	s.SetForeground(true)
	assert.Equal(t, syncengine.TriggerForeground, queued(t, s))
	assert.Equal(t, 5*time.Minute, s.NextDelay())
	assert.Equal(t, t0.Add(5*time.Minute), s.State().NextAttempt)
}

func TestScheduler_SetIntervals(t *testing.T) {
	clk := clock.Fake(t0)
	r := newFakeRunner()
	s := newTestScheduler(t, r, clk)
	runScheduler(t, s)

	clk.WaitForTimers(1)
	s.SetIntervals(time.Minute, 0)
	assert.Equal(t, time.Minute, s.NextDelay())
	assert.Equal(t, 15*time.Minute, s.config.BackgroundInterval)

	// The armed timer moves to the new deadline.
	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		select {
		case tr := <-r.calls:
			return tr == syncengine.TriggerPeriodic
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	assert.Less(t, clk.Now().Sub(t0), 5*time.Minute)
}
