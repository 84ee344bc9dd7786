package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tarun080/parkingfinder/internal/clock"
	"github.com/tarun080/parkingfinder/internal/spot"
)

var errMemoryOffline = errors.New("memory remote is offline")

// Memory is an in-process authoritative store implementing Client. It
// follows the same versioning rules as the SQL-backed remote store and
// can inject failures for tests.
type Memory struct {
	mu     sync.Mutex
	clock  clock.Clock
	spots  map[string]*spot.Spot
	change map[string]int64
	seq    int64
	subs   map[chan ChangeNotice]struct{}

	offline    bool
	failPushes int
	failFetch  int
	failGets   int
	rejects    map[string]string
	onPush     func(id string)
	pushes     int
}

// NewMemory returns an empty in-process remote store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:   clk,
		spots:   make(map[string]*spot.Spot),
		change:  make(map[string]int64),
		subs:    make(map[chan ChangeNotice]struct{}),
		rejects: make(map[string]string),
	}
}

// Put writes sp as a server-side change: the version is bumped past the
// stored one and subscribers are notified. Returns the stored copy.
func (m *Memory) Put(sp *spot.Spot) *spot.Spot {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := WireSpot(sp)
	in.Normalize()
	if cur, ok := m.spots[in.ID]; ok {
		in.Version = max(in.Version, cur.Version+1)
	} else if in.Version < 1 {
		in.Version = 1
	}
	m.storeLocked(in)
	return in.Clone()
}

func (m *Memory) storeLocked(sp *spot.Spot) {
	m.seq++
	m.spots[sp.ID] = sp
	m.change[sp.ID] = m.seq
	n := ChangeNotice{SpotID: sp.ID, Version: sp.Version}
	for ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Spot returns the stored copy of id, or nil.
func (m *Memory) Spot(id string) *spot.Spot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spots[id].Clone()
}

// SetOffline makes every call fail transiently while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// FailPushes makes the next n pushes fail transiently.
func (m *Memory) FailPushes(n int) {
	m.mu.Lock()
	m.failPushes = n
	m.mu.Unlock()
}

// FailFetches makes the next n fetches fail transiently.
func (m *Memory) FailFetches(n int) {
	m.mu.Lock()
	m.failFetch = n
	m.mu.Unlock()
}

// FailGets makes the next n single-spot reads fail transiently.
func (m *Memory) FailGets(n int) {
	m.mu.Lock()
	m.failGets = n
	m.mu.Unlock()
}

// Reject makes pushes for id fail permanently with reason.
func (m *Memory) Reject(id, reason string) {
	m.mu.Lock()
	m.rejects[id] = reason
	m.mu.Unlock()
}

// OnPush registers fn to run at the start of every push, before the
// store is locked. Tests use it to block or interleave pushes.
func (m *Memory) OnPush(fn func(id string)) {
	m.mu.Lock()
	m.onPush = fn
	m.mu.Unlock()
}

// PushCount returns the number of pushes received.
func (m *Memory) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// FetchChangedSince implements Client.
func (m *Memory) FetchChangedSince(ctx context.Context, cursor string, limit int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = ClampPageSize(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, &TransientError{Err: errMemoryOffline}
	}
	if m.failFetch > 0 {
		m.failFetch--
		return nil, &TransientError{Err: fmt.Errorf("injected fetch failure")}
	}

	var ids []string
	for id, seq := range m.change {
		if seq > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.change[ids[i]] < m.change[ids[j]] })

	page := &Page{Cursor: cursor}
	if len(ids) > limit {
		ids = ids[:limit]
		page.More = true
	}
	for _, id := range ids {
		page.Spots = append(page.Spots, m.spots[id].Clone())
		page.Cursor = EncodeCursor(m.change[id])
	}
	return page, nil
}

// Push implements Client.
func (m *Memory) Push(ctx context.Context, id string, mu spot.Mutation, expectedVersion int64) PushResult {
	m.mu.Lock()
	hook := m.onPush
	m.pushes++
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err := ctx.Err(); err != nil {
		return PushResult{Outcome: Transient, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return PushResult{Outcome: Transient, Err: errMemoryOffline}
	}
	if m.failPushes > 0 {
		m.failPushes--
		return PushResult{Outcome: Transient, Err: fmt.Errorf("injected push failure")}
	}
	if reason, ok := m.rejects[id]; ok {
		return PushResult{Outcome: Rejected, Reason: reason}
	}

	mu.Normalize()
	if err := mu.Validate(); err != nil {
		return PushResult{Outcome: Rejected, Reason: err.Error()}
	}

	cur, ok := m.spots[id]
	if !ok {
		if mu.Create == nil || expectedVersion != 0 {
			return PushResult{Outcome: Rejected, Reason: "unknown spot " + id}
		}
		created := WireSpot(mu.Create)
		created.ID = id
		created.Apply(mu)
		created.Version = 1
		if err := created.Validate(); err != nil {
			return PushResult{Outcome: Rejected, Reason: err.Error()}
		}
		m.storeLocked(created)
		return PushResult{Outcome: Accepted, NewVersion: 1}
	}
	if cur.Version != expectedVersion {
		return PushResult{Outcome: Conflict, Current: cur.Clone()}
	}

	next := cur.Clone()
	next.Apply(mu)
	next.Version = cur.Version + 1
	m.storeLocked(next)
	return PushResult{Outcome: Accepted, NewVersion: next.Version}
}

// Get implements Client.
func (m *Memory) Get(ctx context.Context, id string) (*spot.Spot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, &TransientError{Err: errMemoryOffline}
	}
	if m.failGets > 0 {
		m.failGets--
		return nil, &TransientError{Err: fmt.Errorf("injected get failure")}
	}
	sp, ok := m.spots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", spot.ErrNotFound, id)
	}
	return sp.Clone(), nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrOffline
	}
	return ctx.Err()
}

// Subscribe implements Client.
func (m *Memory) Subscribe(ctx context.Context) (<-chan ChangeNotice, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, &TransientError{Err: errMemoryOffline}
	}
	ch := make(chan ChangeNotice, 64)
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of open change feeds.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
