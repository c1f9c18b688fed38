package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Session records, run records and
// watch-list identifiers all use ULIDs so they stay unique across every
// engine process the supervisor talks to.
func NewID() string {
	return ulid.Make().String()
}
