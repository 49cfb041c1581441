// Package token implements the liveness-token mechanism the split table
// uses to detect abandoned downloads.
//
// The Rust original hands the caller a strong Arc<()> and keeps a Weak<()>
// in the table; when the caller's Arc is dropped, the weak reference's
// strong_count falls to zero and the table knows the download was
// abandoned. Go has no Drop trait and no deterministic strong-count on its
// garbage collector, so this port makes the reference count explicit: a
// Liveness token must be released by the caller (typically via defer) and a
// Weak token observes that release immediately, with no dependency on GC
// timing.
package token

import "sync/atomic"

// Liveness is a strong liveness handle. The caller that receives one from
// StartDownload must call Release exactly once when the download finishes,
// fails, or is cancelled.
type Liveness struct {
	count *atomic.Int32
}

// Weak observes whether a Liveness token handed out earlier has been
// released. It never itself keeps the download alive.
type Weak struct {
	count *atomic.Int32
}

// NewLiveness creates a fresh liveness token with a strong count of one.
func NewLiveness() Liveness {
	c := new(atomic.Int32)
	c.Store(1)
	return Liveness{count: c}
}

// Weaken returns a Weak observer tied to this Liveness token.
func (l Liveness) Weaken() Weak {
	return Weak{count: l.count}
}

// Release marks the download as no longer being worked on. It is safe to
// call at most once; calling it more than once will make Alive observe
// false earlier than a second caller might expect, which is always a
// programming error on the caller's part, not the table's.
func (l Liveness) Release() {
	l.count.Add(-1)
}

// Alive reports whether the corresponding Liveness token has not yet been
// released.
func (w Weak) Alive() bool {
	return w.count.Load() > 0
}
