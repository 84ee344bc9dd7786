package syncengine

import (
	"github.com/tarun080/parkingfinder/internal/localstore"
	"github.com/tarun080/parkingfinder/internal/resolve"
	"github.com/tarun080/parkingfinder/internal/spot"
)

// Merge decides how a remote copy lands on the local row. It is the
// localstore.MergeFunc used for both pulled pages and push conflicts.
//
//   - clean or uncached rows take the remote copy;
//   - a dirty row whose base version equals the remote version keeps its
//     local edit, which is still waiting to be pushed;
//   - a dirty row behind the remote is resolved. If the local report still
//     wins, it stays queued against the new remote version; otherwise the
//     remote copy is stored clean and the queued edit is dropped.
func Merge(local *spot.Spot, pending *spot.OutboxEntry, remote *spot.Spot) localstore.Decision {
	if local == nil || !local.LocalDirty {
		out := remote.Clone()
		out.LastSyncedVersion = remote.Version
		return localstore.Decision{Spot: out}
	}

	if remote.Version <= local.LastSyncedVersion {
		out := local.Clone()
		return localstore.Decision{Spot: out, KeepOutbox: true}
	}

	if resolve.LocalWins(local, remote) {
		out := local.Clone()
		out.Version = max(local.Version, remote.Version)
		out.LastSyncedVersion = remote.Version
		return localstore.Decision{Spot: out, KeepOutbox: true, Conflict: true}
	}

	out := resolve.Resolve(local, remote)
	out.LastSyncedVersion = remote.Version
	return localstore.Decision{Spot: out, Conflict: true}
}
