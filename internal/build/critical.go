// Package build provides the invariant-assertion helper used across the
// split cache: Critical. Reconstructed from its usage throughout the
// teacher codebase (e.g. "Can't call markComplete multiple times",
// "siapathToUID and siaFileMap are inconsistent") -- a Critical call marks a
// condition that should never happen in correct code. In debug builds it
// panics so that bugs are caught immediately by tests; in release builds it
// only logs, because a recoverable corruption in a cache is not worth taking
// the whole searcher process down for.
package build

import (
	"fmt"
	"log"
)

// Release switches Critical to log-only mode when set to true. Nothing in
// this module sets it; the zero value (false) means "debug", matching the
// teacher's convention that Critical panics unless explicitly released.
var Release = false

// Critical indicates that a sanity check has failed, implying a developer
// error. In debug builds (the default) it panics; in release builds it logs
// and returns so that a single corrupted split doesn't take down the whole
// process.
func Critical(args ...interface{}) {
	msg := "Critical: " + fmt.Sprintln(args...)
	if Release {
		log.Print(msg)
		return
	}
	panic(msg)
}
