// Completion: 100% - Module complete
// Package ploaderenv reads the environment-variable overrides the
// loader's ambient stack exposes, the same way the rest of the process
// reads its VerboseMode flag, but sourced from the
// environment instead of argv so it can be set by a parent supervisor
// process without touching the command line.
package ploaderenv

import "github.com/xyproto/env/v2"

// Config holds every environment-tunable knob the loader core reads at
// startup, resolved once in Load and then passed down explicitly rather
// than read ad hoc from package-level globals.
type Config struct {
	// Verbose turns on the loader's bootstrap log, the same output the
	// -v flag enables (PLOADER_VERBOSE).
	Verbose bool
	// TraceFaults turns on the fault dispatcher's trace log, including
	// every individual page fault as it is handled, which Verbose alone
	// does not (PLOADER_TRACE_FAULTS).
	TraceFaults bool
	// PageSizeOverride replaces the detected host page size when
	// non-zero, for exercising non-default page sizes in tests
	// (PLOADER_PAGE_SIZE_OVERRIDE).
	PageSizeOverride uint64
}

// Load resolves a Config from the process environment.
func Load() Config {
	return Config{
		Verbose:          env.Bool("PLOADER_VERBOSE"),
		TraceFaults:      env.Bool("PLOADER_TRACE_FAULTS"),
		PageSizeOverride: uint64(env.IntOr("PLOADER_PAGE_SIZE_OVERRIDE", 0)),
	}
}
