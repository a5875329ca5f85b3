// Completion: 100% - Platform-specific module complete
//go:build !(linux && amd64)

package launch

import (
	"fmt"
	"runtime"

	"github.com/xyproto/ploader/internal/elfimage"
)

func start(exe *elfimage.Executable, opts Options) error {
	return fmt.Errorf("launch: entry transfer is only implemented for linux/amd64, not %s/%s", runtime.GOOS, runtime.GOARCH)
}
