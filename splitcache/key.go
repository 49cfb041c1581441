package splitcache

import (
	"time"

	"github.com/quiverstack/splitcache/splitid"
)

// Timestamp is a monotonic microsecond counter, measured from a table-local
// origin. It is never derived from wall-clock time, so a clock step on the
// host cannot perturb eviction ordering.
type Timestamp uint64

// newlyReportedOffset is how far into the past a freshly reported candidate
// is backdated, so that splits nobody has actually touched don't outrank
// splits a reader is actively using.
const newlyReportedOffset = 10 * time.Minute

// monotonicClock produces Timestamps relative to a fixed origin captured at
// table construction time.
type monotonicClock struct {
	origin time.Time
}

func newMonotonicClock() monotonicClock {
	return monotonicClock{origin: time.Now()}
}

// now returns the current Timestamp.
func (c monotonicClock) now() Timestamp {
	return Timestamp(time.Since(c.origin).Microseconds())
}

// backdated returns the Timestamp for "now minus d", clamped at zero so it
// never wraps around for a clock that hasn't been running for d yet.
func (c monotonicClock) backdated(d time.Duration) Timestamp {
	elapsed := time.Since(c.origin)
	if elapsed < d {
		return 0
	}
	return Timestamp((elapsed - d).Microseconds())
}

// SplitKey is the sort key used by the three ordered queues: last-accessed
// timestamp first, split id as a tie-breaker. The tie-break on id guarantees
// a total order even when two splits share a timestamp, which otherwise
// happens routinely given microsecond resolution and the startup
// acknowledgment path (every pre-existing split gets timestamp zero).
type SplitKey struct {
	LastAccessed Timestamp
	SplitID      splitid.ID
}

// Less reports whether k sorts strictly before other.
func (k SplitKey) Less(other SplitKey) bool {
	if k.LastAccessed != other.LastAccessed {
		return k.LastAccessed < other.LastAccessed
	}
	return splitid.Less(k.SplitID, other.SplitID)
}
