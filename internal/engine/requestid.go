package engine

import (
	"github.com/google/uuid"
)

// IDGenerator stamps each query with a correlation id for logs and
// results. testutil.SequentialIDs implements it for deterministic tests.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 request ids, so ids in a
// log sort by arrival.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
