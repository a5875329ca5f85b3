// Completion: 100% - Module complete
// Package loader ties the ELF parser, Segment Registry, Fault
// Dispatcher, and entry launcher together into the Loader Entry
// component: the thing a command-line front end calls once per program
// it wants to run under demand paging.
package loader

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ploader/internal/elfimage"
	"github.com/xyproto/ploader/internal/fatal"
	"github.com/xyproto/ploader/internal/fault"
	"github.com/xyproto/ploader/internal/launch"
	"github.com/xyproto/ploader/internal/ploaderenv"
	"github.com/xyproto/ploader/internal/registry"
)

// VerboseMode gates trace output the same way the rest of the process's
// ambient stack does: a package-level switch set once at startup, not a
// parameter threaded through every call.
var VerboseMode bool

// BackendFactory builds the fault.Backend a Loader will drive. Tests
// substitute fault.NewFakeBackend; production code uses
// fault.NewBackend (Linux only today).
type BackendFactory func() (fault.Backend, error)

// Loader bootstraps and runs one program under demand paging.
type Loader struct {
	newBackend BackendFactory
	cfg        ploaderenv.Config
}

// New returns a Loader that builds backends with newBackend, configured
// from the process environment.
func New(newBackend BackendFactory) *Loader {
	return &Loader{
		newBackend: newBackend,
		cfg:        ploaderenv.Load(),
	}
}

func (l *Loader) logf(format string, args ...any) {
	if VerboseMode || l.cfg.Verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Execute parses path as a statically-linked ELF executable, prepares
// demand paging for its loadable segments, and transfers control to its
// entry point. It only returns on a bootstrap failure; once the fault
// dispatcher's goroutine is running and the entry point has been
// reached, failures are handled by fatal.Abort, matching spec.md §7's
// table of unrecoverable-once-running conditions.
func (l *Loader) Execute(path string, argv, envp []string) error {
	exe, err := elfimage.Parse(path)
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	l.logf("loader: parsed %s: entry=0x%x segments=%d", path, exe.Entry, len(exe.Segments))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("loader: opening %s: %w", path, err)
	}

	pageSize := l.cfg.PageSizeOverride
	if pageSize == 0 {
		pageSize = uint64(unix.Getpagesize())
	}

	reg, err := registry.New(f, pageSize, exe.Segments)
	if err != nil {
		f.Close()
		return fmt.Errorf("loader: building segment registry: %w", err)
	}

	stopWatch := watchUnhandledFaults(l.logf)
	defer stopWatch()

	backend, err := l.newBackend()
	if err != nil {
		f.Close()
		return fmt.Errorf("loader: creating fault backend: %w", err)
	}

	var trace fault.Logf
	if l.cfg.TraceFaults {
		trace = func(format string, args ...any) { fmt.Fprintf(os.Stderr, "fault: "+format+"\n", args...) }
	}
	disp := fault.New(backend, reg, trace)

	if err := disp.Prepare(); err != nil {
		disp.Close()
		f.Close()
		return fmt.Errorf("loader: preparing fault dispatcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := disp.Run(ctx); err != nil {
			fatal.Abort(fmt.Errorf("loader: fault dispatcher stopped: %w", err))
		}
	}()

	l.logf("loader: transferring control to 0x%x", exe.Entry)
	if err := launch.Start(exe, launch.Options{Argv: argv, Envp: envp}); err != nil {
		disp.Close()
		f.Close()
		return fmt.Errorf("loader: %w", err)
	}
	return nil
}

// watchUnhandledFaults installs a diagnostic-only observer on
// SIGSEGV/SIGBUS. It never changes how these signals are ultimately
// handled: every address the fault dispatcher cares about is registered
// with userfaultfd before the loaded program ever executes, so a
// SIGSEGV/SIGBUS reaching here is always one the kernel's own default
// disposition would have killed the process for anyway (see
// SPEC_FULL.md §4.2 step 5). This only buys one diagnostic line before
// that happens.
//
// The returned stop func restores Go's normal signal disposition and
// retires the watcher goroutine. Execute defers it on every return path
// so a bootstrap failure — or a second Execute in the same process,
// per spec.md §9's teardown note — never accumulates a permanent
// watcher per call.
func watchUnhandledFaults(logf func(string, ...any)) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGSEGV, syscall.SIGBUS)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			logf("loader: unhandled %v outside any registered segment; terminating", sig)
			signal.Stop(sigs)
			signal.Reset(sig.(syscall.Signal))
			proc, err := os.FindProcess(os.Getpid())
			if err == nil {
				proc.Signal(sig)
			}
		case <-done:
			signal.Stop(sigs)
		}
	}()

	var stopped sync.Once
	return func() {
		stopped.Do(func() { close(done) })
	}
}
