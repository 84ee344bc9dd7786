package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/remote"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *localstore.Store
	remote *remote.Memory
	clock  *clock.FakeClock
	events []CycleEvent
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.Fake(t0)
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), localstore.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema())

	f := &fixture{store: store, remote: remote.NewMemory(fc), clock: fc}
	eng, err := New(store, f.remote, &Config{
		PageSize: 2,
		Clock:    fc,
		Logger:   log.New(io.Discard, "", 0),
		Sinks: []EventSink{SinkFunc(func(ev CycleEvent) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		})},
	})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func spotAt(id string, status spot.Status, reportedAt time.Time, version int64, by string) *spot.Spot {
	return &spot.Spot{
		ID:         id,
		Location:   spot.Location{Lat: 37.7749, Lon: -122.4194},
		Status:     status,
		ReportedBy: by,
		ReportedAt: reportedAt,
		Version:    version,
	}
}

func (f *fixture) get(t *testing.T, id string) *spot.Spot {
	t.Helper()
	sp, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sp
}

func (f *fixture) outboxLen(t *testing.T) int {
	t.Helper()
	entries, err := f.store.Outbox(context.Background())
	require.NoError(t, err)
	return len(entries)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, remote.NewMemory(nil), nil)
	assert.Error(t, err)
}

func TestRunCycle_LocalNewerReportWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Device cached v4 and then reported occupied at T=10.
	require.NoError(t, f.store.ApplyRemote(ctx, spotAt("s", spot.StatusFree, at(1), 4, "server")))
	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusOccupied, "me", at(10))
	require.NoError(t, err)

	// Meanwhile the remote moved to v5 with an older report.
	f.remote.Put(spotAt("s", spot.StatusFree, at(5), 5, "other"))

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 1, sum.Conflicted)
	assert.Equal(t, 1, sum.Pushed)

	got := f.get(t, "s")
	assert.Equal(t, spot.StatusOccupied, got.Status)
	assert.Equal(t, int64(6), got.Version)
	assert.Equal(t, int64(6), got.LastSyncedVersion)
	assert.False(t, got.LocalDirty)
	assert.Equal(t, 0, f.outboxLen(t))

	r := f.remote.Spot("s")
	assert.Equal(t, spot.StatusOccupied, r.Status)
	assert.Equal(t, "me", r.ReportedBy)
}

func TestRunCycle_RemoteNewerReportWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.ApplyRemote(ctx, spotAt("s", spot.StatusFree, at(1), 1, "server")))
	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)
	f.remote.Put(spotAt("s", spot.StatusDisabled, at(10), 2, "warden"))

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 1, sum.Conflicted)
	assert.Equal(t, 0, sum.Pushed)

	got := f.get(t, "s")
	assert.Equal(t, spot.StatusDisabled, got.Status)
	assert.False(t, got.LocalDirty)
	assert.Equal(t, int64(2), got.LastSyncedVersion)
	assert.Equal(t, 0, f.outboxLen(t))
	assert.Equal(t, 0, f.remote.PushCount())
}

func TestRunCycle_OfflineEditsDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.remote.Put(spotAt(id, spot.StatusFree, at(0), 1, "server"))
	}
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	f.remote.SetOffline(true)
	for i, id := range []string{"a", "b", "c"} {
		_, err := f.engine.ReportStatus(ctx, id, spot.StatusOccupied, "me", at(10+i))
		require.NoError(t, err)
	}

	sum := f.engine.RunCycle(ctx, TriggerPeriodic)
	require.Error(t, sum.Err)
	assert.True(t, remote.IsTransient(sum.Err))
	assert.Equal(t, PhaseFailed, sum.Phase)
	assert.Equal(t, PhaseFailed, f.engine.Current().Phase)
	assert.Equal(t, 3, f.outboxLen(t))

	// Reads keep working and show the local edits.
	assert.Equal(t, spot.StatusOccupied, f.get(t, "b").Status)

	f.remote.SetOffline(false)
	sum = f.engine.RunCycle(ctx, TriggerConnectivity)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 3, sum.Pushed)
	assert.Equal(t, 0, f.outboxLen(t))
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, spot.StatusOccupied, f.remote.Spot(id).Status)
		assert.False(t, f.get(t, id).LocalDirty)
	}
}

func TestRunCycle_PullIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.remote.Put(spotAt(id, spot.StatusFree, at(0), 1, "server"))
	}

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK())
	assert.Equal(t, 5, sum.Pulled, "all pages applied")
	before, err := f.store.All(ctx)
	require.NoError(t, err)

	// Crash before the cursor was stored: the feed is replayed.
	require.NoError(t, f.store.ResetCursor(ctx))
	sum = f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK())

	after, err := f.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].Version, after[i].Version)
		assert.Equal(t, before[i].LastSyncedVersion, after[i].LastSyncedVersion)
	}

	st, err := f.store.SyncState(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, st.Cursor)
	assert.True(t, st.LastPullAt.Equal(t0))
}

func TestRunCycle_ConcurrentCallsCoalesce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())
	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.OnPush(func(string) {
		once.Do(func() { close(entered) })
		<-release
	})

	done := make(chan Summary)
	go func() { done <- f.engine.RunCycle(ctx, TriggerPeriodic) }()
	<-entered

	second := f.engine.RunCycle(ctx, TriggerManual)
	assert.True(t, second.Coalesced)
	assert.Equal(t, PhasePushing, second.Phase)
	assert.True(t, f.engine.Running())

	close(release)
	first := <-done
	require.True(t, first.OK(), "cycle failed: %v", first.Err)
	assert.Equal(t, 1, first.Pushed)
	assert.Equal(t, 1, f.remote.PushCount())
	assert.False(t, f.engine.Running())

	f.mu.Lock()
	assert.Len(t, f.events, 2, "coalesced call emits no event")
	f.mu.Unlock()
}

func TestRunCycle_TransientFailureStopsPush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("a", spot.StatusFree, at(0), 1, "server"))
	f.remote.Put(spotAt("b", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	_, err := f.engine.ReportStatus(ctx, "a", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)
	_, err = f.engine.ReportStatus(ctx, "b", spot.StatusOccupied, "me", at(6))
	require.NoError(t, err)

	f.remote.FailPushes(1)
	sum := f.engine.RunCycle(ctx, TriggerPeriodic)
	require.Error(t, sum.Err)
	assert.True(t, errors.Is(sum.Err, remote.ErrTransient))
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Pushed)

	a, err := f.store.OutboxEntry(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)
	assert.NotEmpty(t, a.LastError)
	b, err := f.store.OutboxEntry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Attempts, "entries behind the failure were not tried")

	sum = f.engine.RunCycle(ctx, TriggerPeriodic)
	require.True(t, sum.OK())
	assert.Equal(t, 2, sum.Pushed)
}

func TestRunCycle_RejectedCreationIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.engine.ReportNewSpot(ctx, NewSpot{
		Location:   spot.Location{Lat: 10, Lon: 10},
		ReportedBy: "me",
	})
	require.NoError(t, err)
	f.remote.Reject(created.ID, "outside service area")

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	require.Len(t, sum.Rejected, 1)
	assert.True(t, sum.Rejected[0].Deleted)
	assert.Equal(t, "outside service area", sum.Rejected[0].Reason)

	_, err = f.store.Get(ctx, created.ID)
	assert.True(t, errors.Is(err, spot.ErrNotFound))
	assert.Equal(t, 0, f.outboxLen(t))
}

func TestRunCycle_RejectedUpdateRefetches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusDisabled, "me", at(5))
	require.NoError(t, err)
	f.remote.Reject("s", "not allowed")

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	require.Len(t, sum.Rejected, 1)
	assert.False(t, sum.Rejected[0].Deleted)

	got := f.get(t, "s")
	assert.Equal(t, spot.StatusFree, got.Status, "rejected edit reverted to the remote copy")
	assert.False(t, got.LocalDirty)
	assert.Equal(t, got.Version, got.LastSyncedVersion)
}

func TestRunCycle_RejectedUpdateConvergesAfterFailedRefetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusDisabled, "me", at(5))
	require.NoError(t, err)
	f.remote.Reject("s", "not allowed")
	f.remote.FailGets(1)

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.Len(t, sum.Rejected, 1)
	require.Error(t, sum.Err, "an unfinished refetch fails the cycle")
	assert.True(t, errors.Is(sum.Err, remote.ErrTransient))

	got := f.get(t, "s")
	assert.Equal(t, spot.StatusFree, got.Status, "rejected edit rolled back to the last synced report")
	assert.Equal(t, "server", got.ReportedBy)
	assert.False(t, got.LocalDirty)
	assert.Less(t, got.LastSyncedVersion, got.Version, "row stays stale until refetched")
	pending, err := f.store.PendingRefetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, pending)

	for i := 0; i < 2; i++ {
		sum = f.engine.RunCycle(ctx, TriggerPeriodic)
		require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	}
	got = f.get(t, "s")
	assert.Equal(t, spot.StatusFree, got.Status)
	assert.Equal(t, got.Version, got.LastSyncedVersion)
	pending, err = f.store.PendingRefetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunCycle_UnauthorizedPushKeepsEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && r.URL.Path == remote.PathChanges {
			_ = json.NewEncoder(w).Encode(remote.Page{})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(remote.PushResponse{Error: "token expired"})
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	eng, err := New(f.store, client, &Config{Clock: f.clock, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	created, err := eng.ReportNewSpot(ctx, NewSpot{
		Location:   spot.Location{Lat: 10, Lon: 10},
		ReportedBy: "me",
	})
	require.NoError(t, err)

	sum := eng.RunCycle(ctx, TriggerManual)
	require.Error(t, sum.Err)
	assert.True(t, errors.Is(sum.Err, remote.ErrTransient))
	assert.Empty(t, sum.Rejected)
	assert.Equal(t, 1, sum.Failed)

	got := f.get(t, created.ID)
	assert.True(t, got.LocalDirty, "locally created spot survives an expired token")
	entry, err := f.store.OutboxEntry(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "token expired")
}

func TestResync_RefetchesWholeFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.remote.Put(spotAt(id, spot.StatusFree, at(0), 1, "server"))
	}
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	sum, err := f.engine.Resync(ctx, TriggerManual)
	require.NoError(t, err)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 3, sum.Pulled)
}

func TestResync_PrunesSpotsGoneRemotely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("a", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	// Cached rows the remote feed no longer returns.
	require.NoError(t, f.store.ApplyRemote(ctx, spotAt("gone", spot.StatusFree, at(0), 3, "server")))
	require.NoError(t, f.store.ApplyRemote(ctx, spotAt("edited", spot.StatusFree, at(0), 2, "server")))
	_, err := f.engine.ReportStatus(ctx, "edited", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)
	f.remote.FailPushes(1)

	f.clock.Advance(time.Minute)
	sum, err := f.engine.Resync(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pruned)
	assert.Equal(t, 1, sum.Event().Pruned)

	_, err = f.store.Get(ctx, "gone")
	assert.True(t, errors.Is(err, spot.ErrNotFound))
	f.get(t, "a")
	assert.True(t, f.get(t, "edited").LocalDirty, "rows with pending edits are never pruned")

	// Incremental cycles leave unseen rows alone.
	require.NoError(t, f.store.ApplyRemote(ctx, spotAt("kept", spot.StatusFree, at(0), 1, "server")))
	f.clock.Advance(time.Minute)
	sum = f.engine.RunCycle(ctx, TriggerPeriodic)
	assert.Equal(t, 0, sum.Pruned)
	f.get(t, "kept")
}

func TestResync_CoalescesWithRunningCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.remote.Put(spotAt(id, spot.StatusFree, at(0), 1, "server"))
	}
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())
	before, err := f.store.SyncState(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before.Cursor)

	_, err = f.engine.ReportStatus(ctx, "a", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.OnPush(func(string) {
		once.Do(func() { close(entered) })
		<-release
	})

	done := make(chan Summary)
	go func() { done <- f.engine.RunCycle(ctx, TriggerPeriodic) }()
	<-entered

	sum, err := f.engine.Resync(ctx, TriggerManual)
	require.NoError(t, err)
	assert.True(t, sum.Coalesced)

	close(release)
	require.True(t, (<-done).OK())
	after, err := f.store.SyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Cursor, after.Cursor, "coalesced resync leaves the cursor alone")
}

func TestRunCycle_NewSpotIsCreatedRemotely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.engine.ReportNewSpot(ctx, NewSpot{
		Location: spot.Location{Lat: 1.29, Lon: 103.85},
		Status:   spot.StatusOccupied,
		Label:    "L2-17",
		Kind:     "compact",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.Version)

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 1, sum.Pushed)

	r := f.remote.Spot(created.ID)
	require.NotNil(t, r)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, "L2-17", r.Label)

	got := f.get(t, created.ID)
	assert.False(t, got.LocalDirty)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(1), got.LastSyncedVersion)
}

func TestRunCycle_PushConflictKeepsWinningLocalEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusOccupied, "me", at(20))
	require.NoError(t, err)

	// Another device writes between our pull and our push.
	var once sync.Once
	f.remote.OnPush(func(string) {
		once.Do(func() { f.remote.Put(spotAt("s", spot.StatusFree, at(10), 0, "other")) })
	})

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 1, sum.Conflicted)
	assert.Equal(t, 0, sum.Pushed)

	got := f.get(t, "s")
	assert.True(t, got.LocalDirty)
	assert.Equal(t, spot.StatusOccupied, got.Status)
	assert.Equal(t, int64(2), got.LastSyncedVersion)

	sum = f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK(), "cycle failed: %v", sum.Err)
	assert.Equal(t, 1, sum.Pushed)
	assert.Equal(t, spot.StatusOccupied, f.remote.Spot("s").Status)
	assert.Equal(t, int64(3), f.remote.Spot("s").Version)
}

func TestRunCycle_EditDuringPushStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))
	require.True(t, f.engine.RunCycle(ctx, TriggerStartup).OK())

	_, err := f.engine.ReportStatus(ctx, "s", spot.StatusOccupied, "me", at(5))
	require.NoError(t, err)

	var once sync.Once
	f.remote.OnPush(func(string) {
		once.Do(func() {
			_, err := f.engine.ReportStatus(ctx, "s", spot.StatusFree, "me", at(6))
			assert.NoError(t, err)
		})
	})

	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK())
	assert.Equal(t, 1, sum.Pushed)

	got := f.get(t, "s")
	assert.True(t, got.LocalDirty, "newer edit is still pending")
	assert.Equal(t, spot.StatusFree, got.Status)
	assert.Equal(t, int64(2), got.LastSyncedVersion)

	sum = f.engine.RunCycle(ctx, TriggerManual)
	require.True(t, sum.OK())
	assert.Equal(t, spot.StatusFree, f.remote.Spot("s").Status)
	assert.False(t, f.get(t, "s").LocalDirty)
}

func TestRunCycle_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := f.engine.RunCycle(ctx, TriggerManual)
	require.Error(t, sum.Err)
	assert.True(t, errors.Is(sum.Err, context.Canceled))

	_, err := f.store.Get(context.Background(), "s")
	assert.True(t, errors.Is(err, spot.ErrNotFound), "nothing applied")

	// The engine stays usable.
	assert.True(t, f.engine.RunCycle(context.Background(), TriggerManual).OK())
}

func TestRunCycle_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.engine.AddSink(NewLogSink(&buf))
	f.remote.Put(spotAt("s", spot.StatusFree, at(0), 1, "server"))

	sum := f.engine.RunCycle(context.Background(), TriggerForeground)
	require.True(t, sum.OK())

	var ev CycleEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, sum.CycleID, ev.CycleID)
	assert.Equal(t, TriggerForeground, ev.Trigger)
	assert.Equal(t, PhaseIdle, ev.Phase)
	assert.Equal(t, 1, ev.Pulled)
	assert.True(t, ev.Succeeded())
	assert.Contains(t, ev.PhaseMS, PhasePulling)

	require.NotNil(t, f.engine.LastSummary())
	assert.Equal(t, sum.CycleID, f.engine.LastSummary().CycleID)
}

func TestReportStatus_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ReportStatus(ctx, "missing", spot.StatusFree, "me", time.Time{})
	assert.True(t, errors.Is(err, spot.ErrNotFound))

	_, err = f.engine.ReportStatus(ctx, "missing", "parked", "me", time.Time{})
	assert.Error(t, err)

	_, err = f.engine.ReportNewSpot(ctx, NewSpot{Location: spot.Location{Lat: 91}})
	assert.Error(t, err)
}
