// Completion: 100% - Utility module complete
package fault

import (
	"sync"

	"github.com/xyproto/ploader/internal/elfimage"
)

// FakeBackend is an in-memory stand-in for a real userfaultfd device,
// used by tests that need to exercise the Dispatcher's classification
// and materialization logic without a uffd-capable Linux kernel or root
// privilege. It records the reserve, register and protect calls it
// receives instead of touching real memory, plus the final byte contents
// each "page" would have held and whether it was closed, so
// a test can assert spec.md §8's first-access-population property
// directly.
type FakeBackend struct {
	mu sync.Mutex

	Reserved   []Range
	Registered []Range
	Protected  []ProtectCall
	Pages      map[uintptr][]byte // page base -> materialized bytes
	Closed     bool

	events chan []byte
}

// Range is a [Base, Base+Length) address range recorded by FakeBackend.
type Range struct {
	Base   uintptr
	Length uintptr
}

// ProtectCall records one Protect invocation.
type ProtectCall struct {
	Addr   uintptr
	Length uintptr
	Perm   elfimage.Perm
}

// NewFakeBackend returns a ready-to-use FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Pages:  make(map[uintptr][]byte),
		events: make(chan []byte, 64),
	}
}

func (f *FakeBackend) ReserveRange(base, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reserved = append(f.Reserved, Range{base, length})
	return nil
}

func (f *FakeBackend) Register(base, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = append(f.Registered, Range{base, length})
	return nil
}

func (f *FakeBackend) Unregister(base, length uintptr) error {
	return nil
}

func (f *FakeBackend) Protect(addr, length uintptr, perm elfimage.Perm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Protected = append(f.Protected, ProtectCall{addr, length, perm})
	return nil
}

func (f *FakeBackend) Copy(dst uintptr, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(src))
	copy(cp, src)
	f.Pages[dst] = cp
	return nil
}

func (f *FakeBackend) ZeroPage(dst, length uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages[dst] = make([]byte, length)
	return nil
}

// InjectFault enqueues a synthetic pagefault event for addr, as if the
// kernel had just delivered it on the userfaultfd descriptor.
func (f *FakeBackend) InjectFault(addr uint64) {
	msg := make([]byte, msgSize)
	msg[0] = pageFaultEvent
	for i := 0; i < 8; i++ {
		msg[msgAddrOffset+i] = byte(addr >> (8 * i))
	}
	f.events <- msg
}

func (f *FakeBackend) ReadEvents(buf []byte) (int, error) {
	msg := <-f.events
	n := copy(buf, msg)
	for {
		select {
		case next := <-f.events:
			if n+len(next) > len(buf) {
				f.events <- next
				return n, nil
			}
			n += copy(buf[n:], next)
		default:
			return n, nil
		}
	}
}

func (f *FakeBackend) Poll(timeoutMs int) (bool, error) {
	return len(f.events) > 0, nil
}

func (f *FakeBackend) Unmap(base, length uintptr) error {
	return nil
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
