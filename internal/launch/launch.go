// Completion: 100% - Module complete
// Package launch transfers control to a loaded executable's entry point
// once every loadable segment has been registered with the fault
// dispatcher. It is the loader core's last collaborator: by design it
// never touches the Segment Registry or the Fault Dispatcher directly,
// only the entry address and the process's own argv/envp.
package launch

import "github.com/xyproto/ploader/internal/elfimage"

// Options carries the process-level state the entry point expects on
// its initial stack, mirroring what a kernel's execve(2) would have set
// up had this been a normal exec.
type Options struct {
	Argv []string
	Envp []string
}

// Start builds the target's initial stack and jumps to exe.Entry. It
// never returns on success — control passes permanently to the loaded
// program, exactly as a real exec would. A non-nil error means control
// transfer never happened (e.g. the current platform has no launcher)
// or the entry point returned to the launcher.
func Start(exe *elfimage.Executable, opts Options) error {
	return start(exe, opts)
}
