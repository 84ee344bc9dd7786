// Package resolve merges a local and a remote copy of the same parking
// spot into one record.
//
// Resolution is last-writer-wins on ReportedAt. Exact ties are broken by
// status priority (disabled > occupied > free > unknown), then by the
// lexically greater reporter, then by version, then by a canonical
// comparison of the remaining fields, so the winner is a pure function of
// the two inputs regardless of argument order.
package resolve

import (
	"fmt"
	"strings"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// Resolve returns the merged spot. The winner's status report and
// descriptive fields are kept; Version and LastSyncedVersion become the
// larger of the two versions and the result is not dirty.
//
// Resolve is commutative and deterministic: Resolve(a, b) equals
// Resolve(b, a) for copies of the same spot.
func Resolve(local, remote *spot.Spot) *spot.Spot {
	winner := local
	if compare(remote, local) > 0 {
		winner = remote
	}

	out := winner.Clone()
	out.Version = max(local.Version, remote.Version)
	out.LastSyncedVersion = out.Version
	out.LocalDirty = false
	out.SyncedAt = laterOf(local.SyncedAt, remote.SyncedAt)
	return out
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil || (b != nil && b.After(*a)):
		t := *b
		return &t
	default:
		t := *a
		return &t
	}
}

// LocalWins reports whether resolving local against remote keeps a
// status report the remote store does not have yet, meaning the local
// edit still has to be pushed.
func LocalWins(local, remote *spot.Spot) bool {
	merged := Resolve(local, remote)
	return !sameReport(merged, remote)
}

// Newer reports whether a beats b under the resolution order.
func Newer(a, b *spot.Spot) bool {
	return compare(a, b) > 0
}

func sameReport(a, b *spot.Spot) bool {
	return a.Status == b.Status &&
		a.ReportedAt.Equal(b.ReportedAt) &&
		a.ReportedBy == b.ReportedBy
}

// compare orders two copies of a spot. Positive means a wins.
func compare(a, b *spot.Spot) int {
	if !a.ReportedAt.Equal(b.ReportedAt) {
		if a.ReportedAt.After(b.ReportedAt) {
			return 1
		}
		return -1
	}
	if pa, pb := a.Status.Priority(), b.Status.Priority(); pa != pb {
		return pa - pb
	}
	if c := strings.Compare(a.ReportedBy, b.ReportedBy); c != 0 {
		return c
	}
	if a.Version != b.Version {
		if a.Version > b.Version {
			return 1
		}
		return -1
	}
	return strings.Compare(canonical(a), canonical(b))
}

// canonical renders the fields not covered by the ordered comparisons.
func canonical(s *spot.Spot) string {
	lat, lon := s.Location.E6()
	return fmt.Sprintf("%d|%d|%s|%s|%s|%t|%t", lat, lon, s.AreaID, s.Label, s.Kind, s.Accessible, s.EVCharging)
}
