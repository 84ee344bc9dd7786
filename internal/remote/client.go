// Package remote defines the contract between the device and the
// authoritative spot store, plus an HTTP implementation and an in-process
// one used by tests and local development.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// DefaultPageSize is the number of spots requested per pull page.
const DefaultPageSize = 200

// MaxPageSize is the largest page a remote store serves.
const MaxPageSize = 1000

// ClampPageSize returns the page size served for a requested limit:
// DefaultPageSize when unset, MaxPageSize when too large.
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// ErrOffline is returned by Ping when the remote store is unreachable.
var ErrOffline = errors.New("remote store unreachable")

// Page is one page of the remote change feed.
type Page struct {
	Spots []*spot.Spot `json:"spots"`
	// Cursor resumes the feed after the last spot in this page.
	Cursor string `json:"cursor"`
	// More is true when another page is immediately available.
	More bool `json:"more"`
}

// Outcome classifies the result of a push.
type Outcome int

const (
	// Accepted means the mutation was applied and NewVersion assigned.
	Accepted Outcome = iota
	// Conflict means the expected version was stale; Current holds the
	// remote copy.
	Conflict
	// Transient means the push may succeed if retried later.
	Transient
	// Rejected means the remote store refused the mutation for good.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PushResult is the answer to a conditional push.
type PushResult struct {
	Outcome    Outcome
	NewVersion int64
	Current    *spot.Spot
	Reason     string
	Err        error
}

// ChangeNotice announces that a spot changed remotely.
type ChangeNotice struct {
	SpotID  string `json:"spot_id"`
	Version int64  `json:"version"`
}

// Client talks to the authoritative spot store.
type Client interface {
	// FetchChangedSince returns spots changed after cursor. An empty
	// cursor starts from the beginning of the feed.
	FetchChangedSince(ctx context.Context, cursor string, limit int) (*Page, error)

	// Push applies m to spot id if the remote version still equals
	// expectedVersion. Failures are reported in the result, never as a
	// panic or a bare error.
	Push(ctx context.Context, id string, m spot.Mutation, expectedVersion int64) PushResult

	// Get returns the current remote copy of a spot.
	Get(ctx context.Context, id string) (*spot.Spot, error)

	// Subscribe streams change notices until ctx is done. The channel is
	// closed when the stream ends.
	Subscribe(ctx context.Context) (<-chan ChangeNotice, error)
}

// Pinger is implemented by clients that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrTransient matches every TransientError with errors.Is.
var ErrTransient = errors.New("transient remote failure")

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string        { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error        { return e.Err }
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RejectedError is a permanent refusal of a mutation by the remote store.
type RejectedError struct {
	SpotID string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s: %s", e.SpotID, e.Reason)
}
