// Package syncengine moves spot state between the local cache and the
// remote store.
//
// A cycle runs three phases in order:
//
//	Pulling      page through the remote change feed; each page and its
//	             cursor are applied in one LocalStore transaction
//	Pushing      send outbox entries oldest first with the row's base
//	             version as the expected version
//	Reconciling  restore the dirty/outbox correspondence and publish the
//	             cycle event
//
// Any phase may end the cycle as Failed. The engine stays usable; the next
// cycle starts again from Pulling. Only one cycle runs at a time and a
// concurrent RunCycle returns immediately with Coalesced set.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// Phase is the step a cycle is in.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePulling     Phase = "pulling"
	PhasePushing     Phase = "pushing"
	PhaseReconciling Phase = "reconciling"
	PhaseFailed      Phase = "failed"
)

// Trigger is what started a cycle.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerPeriodic     Trigger = "periodic"
	TriggerManual       Trigger = "manual"
	TriggerForeground   Trigger = "foreground"
	TriggerRemoteChange Trigger = "remote_change"
	TriggerStartup      Trigger = "startup"
)

// Cycle is the engine's current cycle. Reason is set when Phase is Failed.
type Cycle struct {
	ID        string    `json:"id"`
	Trigger   Trigger   `json:"trigger"`
	Phase     Phase     `json:"phase"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Rejection is an outbox entry the remote store refused.
type Rejection struct {
	SpotID string `json:"spot_id"`
	Reason string `json:"reason"`
	// Deleted is true when the spot only existed locally and was removed.
	Deleted bool `json:"deleted"`
}

// Summary is the result of one RunCycle call.
type Summary struct {
	CycleID        string
	Trigger        Trigger
	Phase          Phase
	StartedAt      time.Time
	FinishedAt     time.Time
	PhaseDurations map[Phase]time.Duration

	Pulled     int
	Pushed     int
	Conflicted int
	Failed     int
	Rejected   []Rejection
	Repaired   int
	Pruned     int

	// Err is set when the cycle failed: a pull error, an aborted push
	// phase, a store error or cancellation.
	Err error

	// Coalesced is true when another cycle was already running and this
	// call did nothing.
	Coalesced bool
}

// OK reports whether the cycle ran to completion.
func (s Summary) OK() bool {
	return !s.Coalesced && s.Err == nil
}

// Config holds engine configuration
type Config struct {
	// PageSize is the pull page size (default: remote.DefaultPageSize)
	PageSize int

	// Clock for timestamps (default: real time)
	Clock clock.Clock

	// Sinks receive an event after every cycle
	Sinks []EventSink

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PageSize: remote.DefaultPageSize,
		Clock:    clock.Real(),
		Logger:   log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Engine runs sync cycles between a LocalStore and a remote Client.
type Engine struct {
	store  *localstore.Store
	client remote.Client
	clock  clock.Clock
	page   int
	logger *log.Logger

	running atomic.Bool

	mu    sync.RWMutex
	cycle Cycle
	last  *Summary
	sinks []EventSink
}

// New creates an engine.
func New(store *localstore.Store, client remote.Client, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = remote.DefaultPageSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:  store,
		client: client,
		clock:  config.Clock,
		page:   config.PageSize,
		logger: config.Logger,
		cycle:  Cycle{Phase: PhaseIdle},
		sinks:  append([]EventSink(nil), config.Sinks...),
	}, nil
}

// AddSink registers another event sink.
func (e *Engine) AddSink(s EventSink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Current returns the cycle in progress, or the last one if idle.
func (e *Engine) Current() Cycle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycle
}

// LastSummary returns the summary of the last completed cycle, or nil.
func (e *Engine) LastSummary() *Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	s := *e.last
	return &s
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) setPhase(p Phase, reason string) {
	e.mu.Lock()
	e.cycle.Phase = p
	e.cycle.Reason = reason
	e.mu.Unlock()
}

// RunCycle runs one pull, push and reconcile cycle. It never panics on
// store or remote failures; they end the cycle as Failed and are reported
// in the summary.
func (e *Engine) RunCycle(ctx context.Context, trigger Trigger) Summary {
	if !e.running.CompareAndSwap(false, true) {
		return e.coalesced(trigger)
	}
	defer e.running.Store(false)
	return e.runCycle(ctx, trigger, false)
}

func (e *Engine) coalesced(trigger Trigger) Summary {
	return Summary{Trigger: trigger, Phase: e.Current().Phase, Coalesced: true}
}

// runCycle runs a cycle; the caller holds the running flag. A full cycle
// pulls from an empty cursor and prunes rows the feed no longer returns.
func (e *Engine) runCycle(ctx context.Context, trigger Trigger, full bool) Summary {
	sum := Summary{
		CycleID:        uuid.NewString(),
		Trigger:        trigger,
		StartedAt:      e.clock.Now(),
		PhaseDurations: make(map[Phase]time.Duration),
	}
	e.mu.Lock()
	e.cycle = Cycle{ID: sum.CycleID, Trigger: trigger, Phase: PhasePulling, StartedAt: sum.StartedAt}
	e.mu.Unlock()

	// Store writes must complete once started; cancellation is only
	// honored between steps.
	storeCtx := context.WithoutCancel(ctx)

	err := e.timed(&sum, PhasePulling, func() error { return e.pull(ctx, storeCtx, &sum, full) })
	if err == nil {
		err = e.checkpoint(ctx)
	}
	if err == nil {
		e.setPhase(PhasePushing, "")
		err = e.timed(&sum, PhasePushing, func() error { return e.push(ctx, storeCtx, &sum) })
	}
	if err == nil {
		err = e.checkpoint(ctx)
	}
	if err == nil {
		e.setPhase(PhaseReconciling, "")
		err = e.timed(&sum, PhaseReconciling, func() error { return e.reconcile(storeCtx, &sum) })
	}

	sum.FinishedAt = e.clock.Now()
	if err != nil {
		sum.Err = err
		sum.Phase = PhaseFailed
		e.setPhase(PhaseFailed, err.Error())
		e.logger.Printf("Cycle %s (%s) failed: %v", shortID(sum.CycleID), trigger, err)
	} else {
		sum.Phase = PhaseIdle
		e.setPhase(PhaseIdle, "")
		e.logger.Printf("Cycle %s (%s) complete: pulled=%d pushed=%d conflicted=%d rejected=%d",
			shortID(sum.CycleID), trigger, sum.Pulled, sum.Pushed, sum.Conflicted, len(sum.Rejected))
	}

	e.mu.Lock()
	last := sum
	e.last = &last
	sinks := append([]EventSink(nil), e.sinks...)
	e.mu.Unlock()

	ev := sum.Event()
	for _, s := range sinks {
		s.CycleFinished(ev)
	}
	return sum
}

func (e *Engine) timed(sum *Summary, p Phase, fn func() error) error {
	start := e.clock.Now()
	err := fn()
	sum.PhaseDurations[p] += e.clock.Now().Sub(start)
	return err
}

func (e *Engine) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle cancelled: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// pull pages through the remote change feed from the stored cursor.
func (e *Engine) pull(ctx, storeCtx context.Context, sum *Summary, full bool) error {
	since := e.clock.Now()
	st, err := e.store.SyncState(storeCtx)
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	cursor := st.Cursor

	for {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		page, err := e.client.FetchChangedSince(ctx, cursor, e.page)
		if err != nil {
			return fmt.Errorf("failed to pull changes: %w", err)
		}
		res, err := e.store.ApplyBatch(storeCtx, page.Spots, page.Cursor, Merge)
		if err != nil {
			return fmt.Errorf("failed to apply pulled changes: %w", err)
		}
		sum.Pulled += res.Applied
		sum.Conflicted += res.Conflicts
		if res.Invalid > 0 {
			e.logger.Printf("WARNING: skipped %d invalid spots from remote", res.Invalid)
		}

		if !page.More || page.Cursor == "" || page.Cursor == cursor {
			break
		}
		cursor = page.Cursor
	}

	if full {
		n, err := e.store.PruneUnseen(storeCtx, since)
		if err != nil {
			return fmt.Errorf("failed to prune cache: %w", err)
		}
		if n > 0 {
			e.logger.Printf("Pruned %d spots no longer held remotely", n)
		}
		sum.Pruned = n
	}

	if err := e.store.SetLastPull(storeCtx, e.clock.Now()); err != nil {
		return fmt.Errorf("failed to record pull time: %w", err)
	}
	return nil
}

// push sends the outbox snapshot taken at phase start. A transient
// failure stops the phase; entries behind it wait for the next cycle.
func (e *Engine) push(ctx, storeCtx context.Context, sum *Summary) error {
	entries, err := e.store.Outbox(storeCtx)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	for _, entry := range entries {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}

		row, err := e.store.Get(storeCtx, entry.SpotID)
		if errors.Is(err, spot.ErrNotFound) {
			if _, err := e.store.DropOutbox(storeCtx, entry.SpotID); err != nil {
				return fmt.Errorf("failed to drop orphaned outbox entry: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s for push: %w", entry.SpotID, err)
		}

		res := e.client.Push(ctx, entry.SpotID, entry.Mutation, row.LastSyncedVersion)
		switch res.Outcome {
		case remote.Accepted:
			if _, err := e.store.AckPush(storeCtx, entry, res.NewVersion); err != nil {
				return fmt.Errorf("failed to record push of %s: %w", entry.SpotID, err)
			}
			sum.Pushed++

		case remote.Conflict:
			if res.Current == nil {
				return fmt.Errorf("conflict on %s without remote copy", entry.SpotID)
			}
			if _, err := e.store.Reconcile(storeCtx, res.Current, Merge); err != nil {
				return fmt.Errorf("failed to resolve conflict on %s: %w", entry.SpotID, err)
			}
			sum.Conflicted++

		case remote.Rejected:
			deleted, err := e.store.DropOutbox(storeCtx, entry.SpotID)
			if err != nil {
				return fmt.Errorf("failed to drop rejected entry %s: %w", entry.SpotID, err)
			}
			sum.Rejected = append(sum.Rejected, Rejection{SpotID: entry.SpotID, Reason: res.Reason, Deleted: deleted})
			e.logger.Printf("WARNING: %v", &remote.RejectedError{SpotID: entry.SpotID, Reason: res.Reason})

		default:
			sum.Failed++
			cause := res.Err
			if cause == nil {
				cause = errors.New("unknown push failure")
			}
			if err := e.store.RecordAttempt(storeCtx, entry.SpotID, cause); err != nil {
				e.logger.Printf("WARNING: failed to record push attempt for %s: %v", entry.SpotID, err)
			}
			return fmt.Errorf("push of %s failed, remaining entries deferred: %w", entry.SpotID,
				&remote.TransientError{Err: cause})
		}
	}

	if err := e.refetchRejected(ctx, storeCtx); err != nil {
		return err
	}

	if err := e.store.SetLastPush(storeCtx, e.clock.Now()); err != nil {
		return fmt.Errorf("failed to record push time: %w", err)
	}
	return nil
}

// refetchRejected replaces rows whose edits were rejected with the remote
// copy. A failed fetch fails the cycle and the marker stays, so every
// later cycle retries until the row converges.
func (e *Engine) refetchRejected(ctx, storeCtx context.Context) error {
	ids, err := e.store.PendingRefetch(storeCtx)
	if err != nil {
		return fmt.Errorf("failed to read refetch queue: %w", err)
	}

	for _, id := range ids {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		cur, err := e.client.Get(ctx, id)
		switch {
		case errors.Is(err, spot.ErrNotFound):
			e.logger.Printf("WARNING: rejected spot %s is gone from the remote store", id)
		case err != nil:
			return fmt.Errorf("failed to refetch %s after rejection: %w", id, err)
		default:
			if _, err := e.store.Reconcile(storeCtx, cur, Merge); err != nil {
				return fmt.Errorf("failed to store refetched %s: %w", id, err)
			}
		}
		if err := e.store.ClearRefetch(storeCtx, id); err != nil {
			return fmt.Errorf("failed to clear refetch of %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) reconcile(storeCtx context.Context, sum *Summary) error {
	fixed, err := e.store.RepairOutbox(storeCtx)
	if err != nil {
		return fmt.Errorf("failed to verify outbox: %w", err)
	}
	if fixed > 0 {
		e.logger.Printf("WARNING: repaired %d rows with inconsistent outbox state", fixed)
	}
	sum.Repaired = fixed
	return nil
}

// Resync forgets the pull cursor and runs a cycle that refetches the
// whole remote feed, then drops clean cached spots the feed no longer
// returns.
func (e *Engine) Resync(ctx context.Context, trigger Trigger) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return e.coalesced(trigger), nil
	}
	defer e.running.Store(false)

	if err := e.store.ResetCursor(context.WithoutCancel(ctx)); err != nil {
		return Summary{}, fmt.Errorf("failed to reset cursor: %w", err)
	}
	return e.runCycle(ctx, trigger, true), nil
}
