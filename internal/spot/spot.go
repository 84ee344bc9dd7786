// Package spot defines the parking spot record shared by the local cache,
// the sync engine and the remote store.
package spot

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned when a spot id is not present in a store.
var ErrNotFound = errors.New("spot not found")

// Status is the occupancy state of a spot.
type Status string

const (
	StatusFree     Status = "free"
	StatusOccupied Status = "occupied"
	StatusUnknown  Status = "unknown"
	StatusDisabled Status = "disabled"
)

// Statuses lists every valid status, highest tie-break priority first.
var Statuses = []Status{StatusDisabled, StatusOccupied, StatusFree, StatusUnknown}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusOccupied, StatusUnknown, StatusDisabled:
		return true
	}
	return false
}

// Priority orders statuses for conflict tie-breaks: a spot reported
// disabled beats occupied, which beats free, which beats unknown.
func (s Status) Priority() int {
	switch s {
	case StatusDisabled:
		return 3
	case StatusOccupied:
		return 2
	case StatusFree:
		return 1
	default:
		return 0
	}
}

// ParseStatus converts user input to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q (want free, occupied, unknown or disabled)", s)
	}
	return st, nil
}

// Location is a WGS84 coordinate. Stores keep it at micro-degree precision.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Validate checks that the coordinate is finite and in range.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) {
		return fmt.Errorf("location is not finite")
	}
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", l.Lon)
	}
	return nil
}

// E6 returns the coordinate in integer micro-degrees.
func (l Location) E6() (lat, lon int64) {
	return int64(math.Round(l.Lat * 1e6)), int64(math.Round(l.Lon * 1e6))
}

// FromE6 builds a Location from micro-degrees.
func FromE6(lat, lon int64) Location {
	return Location{Lat: float64(lat) / 1e6, Lon: float64(lon) / 1e6}
}

// Rounded returns l truncated to the stored precision.
func (l Location) Rounded() Location {
	return FromE6(l.E6())
}

func (l Location) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lon)
}

// Spot is a parking spot as held by a store. Version is assigned by the
// remote store; LastSyncedVersion, LocalDirty and SyncedAt are local
// bookkeeping and are ignored on the wire.
type Spot struct {
	ID         string    `json:"id" yaml:"id"`
	Location   Location  `json:"location" yaml:"location"`
	Status     Status    `json:"status" yaml:"status"`
	ReportedBy string    `json:"reported_by" yaml:"reported_by"`
	ReportedAt time.Time `json:"reported_at" yaml:"reported_at"`
	Version    int64     `json:"version" yaml:"version"`

	AreaID     string `json:"area_id,omitempty" yaml:"area_id,omitempty"`
	Label      string `json:"label,omitempty" yaml:"label,omitempty"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Accessible bool   `json:"accessible,omitempty" yaml:"accessible,omitempty"`
	EVCharging bool   `json:"ev_charging,omitempty" yaml:"ev_charging,omitempty"`

	LastSyncedVersion int64      `json:"last_synced_version,omitempty" yaml:"last_synced_version,omitempty"`
	LocalDirty        bool       `json:"local_dirty,omitempty" yaml:"local_dirty,omitempty"`
	SyncedAt          *time.Time `json:"synced_at,omitempty" yaml:"synced_at,omitempty"`
}

// Validate checks the fields every store requires.
func (s *Spot) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := s.Location.Validate(); err != nil {
		return fmt.Errorf("spot %s: %w", s.ID, err)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("spot %s: invalid status %q", s.ID, s.Status)
	}
	if s.Version < 0 {
		return fmt.Errorf("spot %s: negative version %d", s.ID, s.Version)
	}
	if s.LastSyncedVersion < 0 || s.LastSyncedVersion > s.Version {
		return fmt.Errorf("spot %s: last synced version %d outside [0, %d]", s.ID, s.LastSyncedVersion, s.Version)
	}
	if s.ReportedAt.IsZero() {
		return fmt.Errorf("spot %s: reported_at is required", s.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Spot) Clone() *Spot {
	if s == nil {
		return nil
	}
	c := *s
	if s.SyncedAt != nil {
		t := *s.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// Normalize brings timestamps, reporter and location to their stored form.
func (s *Spot) Normalize() {
	s.Location = s.Location.Rounded()
	s.ReportedAt = NormalizeTime(s.ReportedAt)
	s.ReportedBy = NormalizeReporter(s.ReportedBy)
}

// Apply copies the mutation's status fields onto s.
func (s *Spot) Apply(m Mutation) {
	s.Status = m.Status
	s.ReportedAt = m.ReportedAt
	s.ReportedBy = m.ReportedBy
}

// Report returns the status fields of s as a Mutation.
func (s *Spot) Report() Mutation {
	return Mutation{Status: s.Status, ReportedAt: s.ReportedAt, ReportedBy: s.ReportedBy}
}

// Mutation is a status report made against a spot. Create carries the
// full initial record for spots that were created locally and have never
// reached the remote store.
type Mutation struct {
	Status     Status    `json:"status"`
	ReportedAt time.Time `json:"reported_at"`
	ReportedBy string    `json:"reported_by"`
	Create     *Spot     `json:"create,omitempty"`
}

// Validate checks a mutation before it is queued or accepted.
func (m Mutation) Validate() error {
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.ReportedAt.IsZero() {
		return fmt.Errorf("reported_at is required")
	}
	if m.Create != nil {
		if err := m.Create.Location.Validate(); err != nil {
			return fmt.Errorf("create payload: %w", err)
		}
	}
	return nil
}

// Normalize brings the mutation's fields to their stored form.
func (m *Mutation) Normalize() {
	m.ReportedAt = NormalizeTime(m.ReportedAt)
	m.ReportedBy = NormalizeReporter(m.ReportedBy)
	if m.Create != nil {
		m.Create.Normalize()
	}
}

// OutboxEntry is a pending local mutation awaiting push. There is at most
// one entry per spot; later edits coalesce into it.
type OutboxEntry struct {
	Seq       int64     `json:"seq"`
	SpotID    string    `json:"spot_id"`
	Mutation  Mutation  `json:"mutation"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	Revision  int64     `json:"revision"`
	LastError string    `json:"last_error,omitempty"`
}

// NewID returns a fresh id for a locally created spot.
func NewID() string {
	return uuid.NewString()
}

// NormalizeTime truncates t to millisecond precision in UTC, the
// resolution every store keeps.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeReporter trims the reporter id and puts it in Unicode NFC so
// that lexical tie-breaks agree across devices.
func NormalizeReporter(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Sample is one location fix from the device.
type Sample struct {
	Location       Location  `json:"location" yaml:"location"`
	AccuracyMeters float64   `json:"accuracy_m" yaml:"accuracy_m"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
}
