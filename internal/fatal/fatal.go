// Completion: 100% - Helper module complete
// Package fatal centralizes the diagnostic-then-abort behavior spec.md
// §7 requires for every in-dispatcher failure: allocation, mapping,
// read, and protection-change errors have no recovery path once the
// loaded program is already running a half-materialized page, so they
// print a diagnostic and terminate the process immediately. This mirrors
// the original C loader's DIE() macro (see original_source/skel-lin's
// utils.h) without carrying over its textual form.
package fatal

import (
	"fmt"
	"os"
)

// Abort prints err to stderr and terminates the process. It never
// returns.
func Abort(err error) {
	fmt.Fprintf(os.Stderr, "ploader: fatal: %v\n", err)
	os.Exit(1)
}

// Abortf formats a message and terminates the process. It never
// returns.
func Abortf(format string, args ...any) {
	Abort(fmt.Errorf(format, args...))
}
