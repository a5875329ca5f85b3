// Completion: 100% - Utility module complete
// Package residency implements the per-segment residency record: which
// pages of a segment have already been materialized by the fault
// dispatcher. The source loader this port replaces tracked residency as
// an insertion-order array scanned linearly on every test; this is a
// word-packed bitset instead, giving O(1) test and insert (see DESIGN.md
// for why the array was replaced).
package residency

// Set records, for one segment, which 0-based page indices have been
// materialized. It is allocated lazily, sized to the segment's full page
// count, the first time any page in that segment faults.
type Set struct {
	bits  []uint64
	count int
}

// New allocates a Set large enough to hold pages bits.
func New(pages uint64) *Set {
	words := (pages + 63) / 64
	if words == 0 {
		words = 1
	}
	return &Set{bits: make([]uint64, words)}
}

// Test reports whether page p has already been materialized.
func (s *Set) Test(p uint64) bool {
	word, bit := p/64, p%64
	if int(word) >= len(s.bits) {
		return false
	}
	return s.bits[word]&(1<<bit) != 0
}

// Insert records page p as materialized. Inserting an already-set page
// is a no-op (the dispatcher never does this; see the "already resident"
// branch in the fault dispatcher, which escalates instead of inserting).
func (s *Set) Insert(p uint64) {
	word, bit := p/64, p%64
	if int(word) >= len(s.bits) {
		return
	}
	mask := uint64(1) << bit
	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.count++
	}
}

// Count returns the number of pages materialized so far.
func (s *Set) Count() int {
	return s.count
}
