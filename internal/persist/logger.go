// Package persist provides the logging wrapper shared by the split cache
// packages. Reconstructed from its call sites in the teacher codebase
// (r.log.Println, d.log.Critical, w.renter.log.Debugln): a thin wrapper
// around the standard logger that adds a Debugln level and routes Critical
// through build.Critical.
package persist

import (
	"io"
	"log"

	"github.com/quiverstack/splitcache/internal/build"
)

// Logger is a *log.Logger with two extra conveniences used throughout the
// split cache: Debugln for verbose, non-actionable traces, and Critical for
// invariant violations.
type Logger struct {
	*log.Logger
	debug bool
}

// NewLogger wraps w with the given prefix. Debug traces are only emitted
// when debug is true, matching the teacher's pattern of gating Debugln
// behind a verbose-logging build flag.
func NewLogger(w io.Writer, prefix string, debug bool) *Logger {
	return &Logger{
		Logger: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		debug:  debug,
	}
}

// Debugln logs args if the logger is in debug mode, and is a silent no-op
// otherwise.
func (l *Logger) Debugln(args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.Println(args...)
}

// Critical logs args and then escalates through build.Critical. Use this for
// conditions that indicate the split table's invariants have been violated.
func (l *Logger) Critical(args ...interface{}) {
	if l != nil {
		l.Println(args...)
	}
	build.Critical(args...)
}
