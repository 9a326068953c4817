// Package assert provides the fatal-invariant helper used across this
// module's storage and concurrency packages. It is referenced but not
// present in the reference tree the style is drawn from; reconstructed from
// its call sites (e.g. "assert.Assert(ok, "no frame for page: %v", pIdent)").
package assert

import "fmt"

// Assert panics with a formatted message when cond is false. Reserved for
// structural invariants (an out-of-bounds slot on an internal page, a
// latch released twice) and precondition violations that indicate a
// caller bug rather than a runtime condition a caller should handle.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
