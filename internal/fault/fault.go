// Completion: 100% - Module complete
// Package fault implements the Fault Dispatcher: the component invoked
// whenever the running program first touches a page of a loadable
// segment. Where the original C loader hooked SIGSEGV directly, this
// port drives the same state machine off Linux's userfaultfd(2) facility
// (see DESIGN.md and SPEC_FULL.md §4.2 for why) — a Backend abstracts the
// syscalls so the classification and materialization logic below can be
// exercised without root or a uffd-capable kernel.
package fault

import (
	"context"
	"fmt"

	"github.com/xyproto/ploader/internal/elfimage"
	"github.com/xyproto/ploader/internal/fatal"
	"github.com/xyproto/ploader/internal/registry"
)

// msgSize and pageFaultEvent mirror struct uffd_msg from
// <linux/userfaultfd.h>: an 8-byte header (event type plus reserved
// fields) followed by a union whose pagefault arm carries flags at
// offset 8 and the faulting address at offset 16, for 32 bytes total.
const (
	msgSize        = 32
	msgAddrOffset  = 16
	pageFaultEvent = 0x12
)

// Backend is everything the dispatcher needs from the host kernel: the
// userfaultfd descriptor itself, plus the mapping and protection calls
// used to prepare and finish each page. uffd_linux.go supplies the real
// implementation; fakedevice.go supplies an in-memory one for tests.
type Backend interface {
	ReserveRange(base, length uintptr) error
	Register(base, length uintptr) error
	Unregister(base, length uintptr) error
	Protect(addr, length uintptr, perm elfimage.Perm) error
	Copy(dst uintptr, src []byte) error
	ZeroPage(dst, length uintptr) error
	ReadEvents(buf []byte) (int, error)
	Poll(timeoutMs int) (bool, error)
	Unmap(base, length uintptr) error
	Close() error
}

// Logf is the dispatcher's optional trace hook; nil means silent.
type Logf func(format string, args ...any)

// Dispatcher ties a Backend to a Registry and runs the fault-handling
// loop. It is not safe for concurrent use by more than one goroutine —
// spec.md §5 assumes a single faulting thread at a time, and this port
// keeps that by running exactly one dispatcher goroutine per loaded
// program.
type Dispatcher struct {
	backend Backend
	reg     *registry.Registry
	bases   []uintptr
	trace   Logf
}

// New creates a Dispatcher over reg using backend. trace may be nil.
func New(backend Backend, reg *registry.Registry, trace Logf) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		reg:     reg,
		bases:   make([]uintptr, reg.NumSegments()),
		trace:   trace,
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.trace != nil {
		d.trace(format, args...)
	}
}

// Prepare reserves an unmapped, PROT_NONE address range for every
// segment and registers each one with the backend for missing-page
// notification. It must run once, before the loaded program's first
// instruction executes.
func (d *Dispatcher) Prepare() error {
	for i := 0; i < d.reg.NumSegments(); i++ {
		base, length := d.reg.PageRange(i)
		if err := d.backend.ReserveRange(uintptr(base), uintptr(length)); err != nil {
			return fmt.Errorf("fault: reserving segment %d range: %w", i, err)
		}
		if err := d.backend.Register(uintptr(base), uintptr(length)); err != nil {
			return fmt.Errorf("fault: registering segment %d range: %w", i, err)
		}
		d.bases[i] = uintptr(base)
		d.logf("segment %d reserved at 0x%x length 0x%x", i, base, length)
	}
	return nil
}

// Run drains fault notifications until ctx is cancelled or the backend
// reports a fatal error. It is meant to run on its own goroutine,
// started after Prepare and before control transfers to the loaded
// program's entry point.
func (d *Dispatcher) Run(ctx context.Context) error {
	buf := make([]byte, msgSize*16)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := d.backend.Poll(100)
		if err != nil {
			return fmt.Errorf("fault: polling userfaultfd: %w", err)
		}
		if !ready {
			continue
		}

		n, err := d.backend.ReadEvents(buf)
		if err != nil {
			return fmt.Errorf("fault: reading userfaultfd events: %w", err)
		}

		for _, addr := range parseFaultAddrs(buf[:n]) {
			d.handleFault(addr)
		}
	}
}

// parseFaultAddrs extracts every pagefault address out of a raw read of
// the userfaultfd descriptor, ignoring any other event types (e.g.
// UFFD_EVENT_REMOVE, irrelevant since this loader never unmaps a live
// page).
func parseFaultAddrs(buf []byte) []uint64 {
	var addrs []uint64
	for off := 0; off+msgSize <= len(buf); off += msgSize {
		msg := buf[off : off+msgSize]
		if msg[0] != pageFaultEvent {
			continue
		}
		var addr uint64
		for i := 0; i < 8; i++ {
			addr |= uint64(msg[msgAddrOffset+i]) << (8 * i)
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// handleFault realizes spec.md §4.2 steps 3-7. Because segments are
// registered in missing-only mode, this is only ever called for a
// genuine first touch of an unmapped page within a registered range —
// out-of-image addresses and post-materialization protection violations
// never reach the userfaultfd descriptor at all (see SPEC_FULL.md
// §4.2). The two defensive branches below exist to preserve the
// invariant from spec.md's state machine even though the chosen backend
// makes them unreachable in practice.
func (d *Dispatcher) handleFault(addr uint64) {
	segIdx, page, ok := d.reg.Lookup(addr)
	if !ok {
		d.logf("fault at 0x%x outside any loaded segment; escalating", addr)
		return
	}
	if d.reg.IsResident(segIdx, page) {
		d.logf("fault at 0x%x already resident (segment %d page %d); protection violation, escalating", addr, segIdx, page)
		return
	}

	pageSize := d.reg.PageSize()
	base := d.bases[segIdx] + uintptr(page*pageSize)
	seg := d.reg.Segment(segIdx)
	pageMem := page * pageSize

	if pageMem >= seg.FileSize {
		if err := d.backend.ZeroPage(base, uintptr(pageSize)); err != nil {
			fatal.Abort(fmt.Errorf("fault: zero-filling segment %d page %d: %w", segIdx, page, err))
		}
	} else {
		buf := make([]byte, pageSize)
		if _, err := d.reg.ReadPage(segIdx, page, buf); err != nil {
			fatal.Abort(fmt.Errorf("fault: populating segment %d page %d: %w", segIdx, page, err))
		}
		if err := d.backend.Copy(base, buf); err != nil {
			fatal.Abort(fmt.Errorf("fault: copying segment %d page %d: %w", segIdx, page, err))
		}
	}

	if err := d.backend.Protect(base, uintptr(pageSize), seg.Perm); err != nil {
		fatal.Abort(fmt.Errorf("fault: protecting segment %d page %d as %s: %w", segIdx, page, seg.Perm, err))
	}

	d.reg.MarkResident(segIdx, page)
	d.logf("segment %d page %d materialized at 0x%x (%s)", segIdx, page, base, seg.Perm)
}

// Close unregisters and unmaps every segment range and releases the
// backend. It supports repeated Execute calls in one process (spec.md §9's
// teardown note).
func (d *Dispatcher) Close() error {
	var firstErr error
	for i := 0; i < d.reg.NumSegments(); i++ {
		base, length := d.reg.PageRange(i)
		if err := d.backend.Unregister(uintptr(base), uintptr(length)); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.backend.Unmap(uintptr(base), uintptr(length)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
