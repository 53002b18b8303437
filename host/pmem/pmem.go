package pmem

import (
	"fmt"
	"sort"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Page geometry.
const (
	PageShift         = 12
	PageSize  uintptr = 1 << PageShift
)

// Common heap limits.
const (
	LowLimit  uintptr = 1 << 20 // 20-bit addressable
	HighLimit uintptr = 1 << 32 // 32-bit addressable
)

// Range is a half-open physical address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Size returns the number of bytes in the range.
func (r Range) Size() uintptr {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Map is the ordered list of usable physical memory ranges.
type Map struct {
	Ranges []Range
}

// NewMap returns a map holding the page-aligned parts of ranges, sorted by
// start address.
func NewMap(ranges ...Range) *Map {
	m := &Map{}
	for _, r := range ranges {
		r.Start = (r.Start + PageSize - 1) &^ (PageSize - 1)
		r.End &^= PageSize - 1
		if r.End > r.Start {
			m.Ranges = append(m.Ranges, r)
		}
	}
	sort.Slice(m.Ranges, func(i, j int) bool { return m.Ranges[i].Start < m.Ranges[j].Start })
	return m
}

// Reserve removes r from the map, splitting ranges where needed. The
// program image is reserved this way before heaps are created.
func (m *Map) Reserve(r Range) {
	var out []Range
	for _, cur := range m.Ranges {
		if r.End <= cur.Start || r.Start >= cur.End {
			out = append(out, cur)
			continue
		}
		if r.Start > cur.Start {
			out = append(out, Range{Start: cur.Start, End: r.Start &^ (PageSize - 1)})
		}
		if end := (r.End + PageSize - 1) &^ (PageSize - 1); end < cur.End {
			out = append(out, Range{Start: end, End: cur.End})
		}
	}
	m.Ranges = out
}

// AllocFromTop carves size bytes, rounded up to whole pages, from the top
// of range id and returns the start of the block.
func (m *Map) AllocFromTop(id int, size uintptr) (uintptr, error) {
	if id < 0 || id >= len(m.Ranges) {
		return 0, fmt.Errorf("range %d: %w", id, pkg.ErrInvalidParameter)
	}
	r := &m.Ranges[id]
	pages := pageRound(size)
	if pages == 0 || pages > r.Size() {
		return 0, fmt.Errorf("alloc %d bytes from range %d: %w", size, id, pkg.ErrNoMemory)
	}
	r.End -= pages
	return r.End, nil
}

// FreeToTop returns size bytes, rounded up to whole pages, to the top of
// range id. Blocks must be freed in the reverse order of allocation.
func (m *Map) FreeToTop(id int, size uintptr) {
	if id < 0 || id >= len(m.Ranges) {
		return
	}
	m.Ranges[id].End += pageRound(size)
}

func pageRound(size uintptr) uintptr {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Heap allocates pages from the top of one range of a Map.
type Heap struct {
	m     *Map
	index int
	start uintptr
	end   uintptr
}

var _ hal.Allocator = (*Heap)(nil)

// NewHeap selects the largest range of m lying wholly below limit.
func NewHeap(m *Map, limit uintptr) (*Heap, error) {
	index := -1
	var best uintptr
	for i, r := range m.Ranges {
		if r.End > limit {
			continue
		}
		if size := r.Size(); size > best {
			best, index = size, i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("no range below %#x: %w", limit, pkg.ErrNoMemory)
	}
	r := m.Ranges[index]
	pkg.LogDebug(pkg.ComponentPMem, "heap created",
		"limit", fmt.Sprintf("%#x", limit),
		"start", fmt.Sprintf("%#x", r.Start),
		"end", fmt.Sprintf("%#x", r.End))
	return &Heap{m: m, index: index, start: r.Start, end: r.End}, nil
}

// Alloc carves whole pages from the top of the heap. Alignments below a
// page are satisfied by page alignment.
func (h *Heap) Alloc(size, align uintptr) (uintptr, error) {
	top := h.Mark()
	pages := pageRound(size)
	if pages == 0 || pages > top-h.start {
		return 0, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrNoMemory)
	}
	addr := top - pages
	if align > PageSize {
		addr &^= align - 1
	}
	if addr < h.start {
		return 0, fmt.Errorf("alloc %d bytes aligned %#x: %w", size, align, pkg.ErrNoMemory)
	}
	return h.m.AllocFromTop(h.index, top-addr)
}

// Mark returns the current top of the heap.
func (h *Heap) Mark() uintptr {
	return h.m.Ranges[h.index].End
}

// Rewind frees everything allocated since mark. Marks that lie below the
// current top or above the heap are ignored.
func (h *Heap) Rewind(mark uintptr) {
	if top := h.Mark(); mark > top && mark <= h.end {
		h.m.FreeToTop(h.index, mark-top)
	}
}

// Allocated returns the number of bytes currently allocated.
func (h *Heap) Allocated() uintptr {
	return h.end - h.m.Ranges[h.index].End
}

// Range returns the range the heap was created over.
func (h *Heap) Range() Range {
	return Range{Start: h.start, End: h.end}
}
