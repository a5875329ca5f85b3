package fault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xyproto/ploader/internal/elfimage"
	"github.com/xyproto/ploader/internal/registry"
)

const pageSize = 0x1000

func newRegistry(t *testing.T, contents []byte, segs []elfimage.Segment) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	reg, err := registry.New(f, pageSize, segs)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestDispatcherPopulatesFileBackedPage(t *testing.T) {
	contents := make([]byte, pageSize)
	for i := range contents {
		contents[i] = 0xAB
	}
	segs := []elfimage.Segment{
		{VAddr: 0x400000, MemSize: pageSize, FileSize: pageSize, FileOffset: 0, Perm: elfimage.PermRead | elfimage.PermExec},
	}
	reg := newRegistry(t, contents, segs)

	backend := NewFakeBackend()
	d := New(backend, reg, nil)
	if err := d.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	backend.InjectFault(0x400000)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reg.IsResident(0, 0) {
		t.Fatalf("page should be marked resident after materialization")
	}
	page, ok := backend.Pages[0x400000]
	if !ok {
		t.Fatalf("backend should have received a Copy for 0x400000")
	}
	for i, b := range page {
		if b != 0xAB {
			t.Fatalf("copied page byte %d = 0x%x, want 0xAB", i, b)
		}
	}
	if len(backend.Protected) != 1 || backend.Protected[0].Perm != elfimage.PermRead|elfimage.PermExec {
		t.Fatalf("expected one Protect call with r-x, got %+v", backend.Protected)
	}
}

func TestDispatcherZeroFillsBSSTail(t *testing.T) {
	segs := []elfimage.Segment{
		{VAddr: 0x400000, MemSize: pageSize, FileSize: 0, FileOffset: 0, Perm: elfimage.PermRead | elfimage.PermWrite},
	}
	reg := newRegistry(t, nil, segs)

	backend := NewFakeBackend()
	d := New(backend, reg, nil)
	if err := d.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	backend.InjectFault(0x400000)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, copied := backend.Pages[0x400000]; !copied {
		t.Fatalf("BSS-only page should still register via ZeroPage")
	}
	if len(backend.Pages[0x400000]) != pageSize {
		t.Fatalf("zero-filled page should be a full page of zeros")
	}
}

func TestDispatcherOutOfImageFaultEscalates(t *testing.T) {
	segs := []elfimage.Segment{
		{VAddr: 0x400000, MemSize: pageSize, FileSize: pageSize, FileOffset: 0, Perm: elfimage.PermRead},
	}
	reg := newRegistry(t, make([]byte, pageSize), segs)

	backend := NewFakeBackend()
	d := New(backend, reg, nil)
	if err := d.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	backend.InjectFault(0x900000)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(backend.Pages) != 0 {
		t.Fatalf("a fault outside any segment must not materialize anything")
	}
}

func TestParseFaultAddrsIgnoresOtherEvents(t *testing.T) {
	buf := make([]byte, msgSize*2)
	buf[0] = 0x02 // some non-pagefault event
	buf[msgSize] = pageFaultEvent
	for i := 0; i < 8; i++ {
		buf[msgSize+msgAddrOffset+i] = byte(0x401000 >> (8 * i))
	}

	addrs := parseFaultAddrs(buf)
	if len(addrs) != 1 || addrs[0] != 0x401000 {
		t.Fatalf("parseFaultAddrs = %v, want [0x401000]", addrs)
	}
}
