// Package splitid defines the split identifier used throughout the split
// cache table: a lexicographically sortable, time-ordered 128-bit id.
// Because ids are globally unique across the cluster, the cache directory
// can safely be flat -- two splits never collide on a filename.
package splitid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"gitlab.com/NebulousLabs/errors"
)

// ID is a 128-bit, time-ordered, lexicographically sortable split
// identifier.
type ID = ulid.ULID

// Zero is the zero-value ID, never assigned to a real split.
var Zero ID

// New generates a fresh ID using the current time as the id's time
// component and a CSPRNG for the remaining entropy.
func New() (ID, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return Zero, errors.AddContext(err, "failed to generate split id")
	}
	return id, nil
}

// Parse decodes the canonical 26-character string form of an ID.
func Parse(s string) (ID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return Zero, errors.AddContext(err, "invalid split id")
	}
	return id, nil
}

// Less reports whether id sorts strictly before other. It is the tie-break
// component of SplitKey ordering.
func Less(id, other ID) bool {
	return id.Compare(other) < 0
}

// Filename returns the canonical on-disk filename for a split, e.g.
// "01H9XZ8G2K6Q1R3T5V7W9Y0B1C.split".
func Filename(id ID) string {
	return id.String() + ".split"
}
