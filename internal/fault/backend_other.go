// Completion: 100% - Platform-specific module complete
//go:build !linux

package fault

import (
	"fmt"
	"runtime"
)

// NewBackend reports that no real Backend exists for this platform.
// userfaultfd(2) is Linux-specific; see SPEC_FULL.md's host-target note
// for why no other OS has an equivalent wired in.
func NewBackend() (Backend, error) {
	return nil, fmt.Errorf("fault: no backend implemented for %s", runtime.GOOS)
}
