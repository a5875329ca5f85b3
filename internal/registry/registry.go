// Completion: 100% - Module complete
// Package registry implements the Segment Registry: the loader core's
// record of each loadable segment's program-header metadata plus its
// residency bitset, and the only component that reads the executable
// file's bytes.
package registry

import (
	"fmt"
	"os"

	"github.com/xyproto/ploader/internal/elfimage"
	"github.com/xyproto/ploader/internal/residency"
)

// Registry holds the parsed loadable segments of one executable and an
// open read-only descriptor on the file they came from. Residency state
// is attached lazily, one Set per segment, indexed by segment position
// (the typed handle the opaque aux slot in spec.md becomes in this port).
type Registry struct {
	file     *os.File
	pageSize uint64
	segs     []elfimage.Segment
	resident []*residency.Set
}

// New builds a Registry over segs, backed by file, with the given page
// size. It validates the cross-segment non-overlap invariant up front so
// a malformed ELF is rejected at bootstrap rather than mid-fault.
func New(file *os.File, pageSize uint64, segs []elfimage.Segment) (*Registry, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("registry: page size must be non-zero")
	}
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			if rangesOverlap(segs[i], segs[j], pageSize) {
				return nil, fmt.Errorf("registry: segment %d and %d overlap after page rounding", i, j)
			}
		}
	}
	return &Registry{
		file:     file,
		pageSize: pageSize,
		segs:     segs,
		resident: make([]*residency.Set, len(segs)),
	}, nil
}

func rangesOverlap(a, b elfimage.Segment, pageSize uint64) bool {
	aStart := alignDown(a.VAddr, pageSize)
	aEnd := alignUp(a.VAddr+a.MemSize, pageSize)
	bStart := alignDown(b.VAddr, pageSize)
	bEnd := alignUp(b.VAddr+b.MemSize, pageSize)
	return aStart < bEnd && bStart < aEnd
}

func alignDown(v, pageSize uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v, pageSize uint64) uint64   { return alignDown(v+pageSize-1, pageSize) }

// PageSize returns the cached system page size this Registry was built with.
func (r *Registry) PageSize() uint64 { return r.pageSize }

// NumSegments returns the number of loadable segments.
func (r *Registry) NumSegments() int { return len(r.segs) }

// Segment returns a copy of segment i's descriptor.
func (r *Registry) Segment(i int) elfimage.Segment { return r.segs[i] }

// PageRange returns the page-aligned [base, base+length) range segment i
// occupies, suitable for reserving address space before any fault occurs.
func (r *Registry) PageRange(i int) (base, length uint64) {
	s := r.segs[i]
	base = alignDown(s.VAddr, r.pageSize)
	end := alignUp(s.VAddr+s.MemSize, r.pageSize)
	return base, end - base
}

// Lookup probes each segment in order (spec.md's linear scan — loadable
// segment counts are O(10), so no index structure is warranted) and
// returns the segment index and 0-based page index containing addr.
func (r *Registry) Lookup(addr uint64) (segIdx int, page uint64, ok bool) {
	for i, s := range r.segs {
		if addr < s.VAddr || addr >= s.VAddr+s.MemSize {
			continue
		}
		return i, (addr - s.VAddr) / r.pageSize, true
	}
	return 0, 0, false
}

// IsResident reports whether page p of segment segIdx has already been
// materialized.
func (r *Registry) IsResident(segIdx int, p uint64) bool {
	set := r.resident[segIdx]
	if set == nil {
		return false
	}
	return set.Test(p)
}

// MarkResident records page p of segment segIdx as materialized,
// allocating the segment's residency bitset on first use. Allocation
// failure has no recovery path mid-fault and is fatal by contract of the
// caller (the fault dispatcher), not of this method.
func (r *Registry) MarkResident(segIdx int, p uint64) {
	r.ensureResident(segIdx).Insert(p)
}

func (r *Registry) ensureResident(segIdx int) *residency.Set {
	if r.resident[segIdx] == nil {
		pages := (r.segs[segIdx].MemSize + r.pageSize - 1) / r.pageSize
		r.resident[segIdx] = residency.New(pages + 1)
	}
	return r.resident[segIdx]
}

// ResidentCount returns how many pages of segment segIdx have been
// materialized so far (0 if none have faulted yet).
func (r *Registry) ResidentCount(segIdx int) int {
	if r.resident[segIdx] == nil {
		return 0
	}
	return r.resident[segIdx].Count()
}

// ReadPage fills buf (which must be exactly the registry's page size)
// with the contents page p of segment segIdx should have on first
// access: file bytes where the page overlaps [0, FileSize), zero
// elsewhere. It returns the number of bytes that came from the file; the
// remainder of buf is left zeroed (Go's make already zeroes it, and the
// caller is expected to pass a freshly zeroed buffer).
//
// The read goes through (*os.File).ReadAt, a single pread64 syscall with
// no internal buffering — required because this is called from the
// fault dispatcher's hot path (spec.md §5: file I/O here must not use a
// buffered stream abstraction).
func (r *Registry) ReadPage(segIdx int, p uint64, buf []byte) (fileBytes int, err error) {
	s := r.segs[segIdx]
	pageMem := p * r.pageSize
	if pageMem >= s.FileSize {
		// Entirely in the BSS tail: zero contents, no read.
		return 0, nil
	}

	want := r.pageSize
	if remaining := s.FileSize - pageMem; remaining < want {
		want = remaining
	}
	if uint64(len(buf)) < want {
		return 0, fmt.Errorf("registry: page buffer too small: have %d, need %d", len(buf), want)
	}

	n, err := r.file.ReadAt(buf[:want], int64(s.FileOffset+pageMem))
	if err != nil {
		return n, fmt.Errorf("registry: reading segment %d page %d: %w", segIdx, p, err)
	}
	return n, nil
}
