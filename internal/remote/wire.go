package remote

import (
	"fmt"
	"strconv"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// HTTP paths served by the remote store.
const (
	PathChanges  = "/api/v1/spots/changes"
	PathSpot     = "/api/v1/spots/"
	PathChangeWS = "/api/v1/changes/ws"
	PathHealth   = "/health"
)

// PushRequest is the body of POST /api/v1/spots/{id}/push.
type PushRequest struct {
	Mutation        spot.Mutation `json:"mutation"`
	ExpectedVersion int64         `json:"expected_version"`
}

// PushResponse is the body of a push answer: Version on 200, Spot on 409,
// Error on any other failure.
type PushResponse struct {
	Version int64      `json:"version,omitempty"`
	Spot    *spot.Spot `json:"spot,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// ErrorResponse is the body of a non-push failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EncodeCursor renders a change sequence number as a feed cursor.
func EncodeCursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return strconv.FormatInt(seq, 36)
}

// DecodeCursor parses a feed cursor. The empty cursor is sequence 0.
func DecodeCursor(c string) (int64, error) {
	if c == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(c, 36, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", c)
	}
	return seq, nil
}

// WireSpot strips local bookkeeping before a spot goes over the wire.
func WireSpot(s *spot.Spot) *spot.Spot {
	if s == nil {
		return nil
	}
	c := s.Clone()
	c.LastSyncedVersion = 0
	c.LocalDirty = false
	c.SyncedAt = nil
	return c
}
