package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// ReportStatus records a local status report for a cached spot. The
// change is visible to queries immediately and pushed on the next cycle.
// A zero at means now.
func (e *Engine) ReportStatus(ctx context.Context, id string, status spot.Status, reporter string, at time.Time) (*spot.Spot, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	m := spot.Mutation{Status: status, ReportedAt: at, ReportedBy: reporter}
	sp, err := e.store.MarkDirty(context.WithoutCancel(ctx), id, m)
	if err != nil {
		return nil, fmt.Errorf("failed to report status for %s: %w", id, err)
	}
	return sp, nil
}

// NewSpot describes a spot the user adds on the device.
type NewSpot struct {
	Location   spot.Location
	Status     spot.Status
	ReportedBy string
	ReportedAt time.Time
	AreaID     string
	Label      string
	Kind       string
	Accessible bool
	EVCharging bool
}

// ReportNewSpot creates a spot locally and queues it for creation on the
// remote store. The returned spot carries its generated id.
func (e *Engine) ReportNewSpot(ctx context.Context, ns NewSpot) (*spot.Spot, error) {
	if ns.Status == "" {
		ns.Status = spot.StatusFree
	}
	if !ns.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", ns.Status)
	}
	if err := ns.Location.Validate(); err != nil {
		return nil, fmt.Errorf("invalid location: %w", err)
	}
	if ns.ReportedAt.IsZero() {
		ns.ReportedAt = e.clock.Now()
	}
	sp := &spot.Spot{
		ID:         spot.NewID(),
		Location:   ns.Location,
		Status:     ns.Status,
		ReportedBy: ns.ReportedBy,
		ReportedAt: ns.ReportedAt,
		AreaID:     ns.AreaID,
		Label:      ns.Label,
		Kind:       ns.Kind,
		Accessible: ns.Accessible,
		EVCharging: ns.EVCharging,
	}
	created, err := e.store.CreateLocal(context.WithoutCancel(ctx), sp)
	if err != nil {
		return nil, fmt.Errorf("failed to create spot: %w", err)
	}
	return created, nil
}
