package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string for use as a job identifier. ULIDs are
// lexicographically sortable by creation time, which the registry relies on
// as a tiebreaker when evicting old jobs.
func NewID() string {
	return ulid.Make().String()
}
