package pmem

import (
	"errors"
	"testing"

	"github.com/ardnew/softhcd/pkg"
)

func TestNewMap(t *testing.T) {
	m := NewMap(
		Range{Start: 0x100000, End: 0x800000},
		Range{Start: 0x1001, End: 0x9fc00},
		Range{Start: 0x5000, End: 0x5800}, // less than a page once aligned
	)
	want := []Range{
		{Start: 0x2000, End: 0x9f000},
		{Start: 0x100000, End: 0x800000},
	}
	if len(m.Ranges) != len(want) {
		t.Fatalf("Ranges = %#x, want %#x", m.Ranges, want)
	}
	for i := range want {
		if m.Ranges[i] != want[i] {
			t.Errorf("Ranges[%d] = %#x, want %#x", i, m.Ranges[i], want[i])
		}
	}
}

func TestMap_Reserve(t *testing.T) {
	m := NewMap(Range{Start: 0x100000, End: 0x800000})
	m.Reserve(Range{Start: 0x200000, End: 0x280800})

	want := []Range{
		{Start: 0x100000, End: 0x200000},
		{Start: 0x281000, End: 0x800000},
	}
	if len(m.Ranges) != 2 || m.Ranges[0] != want[0] || m.Ranges[1] != want[1] {
		t.Errorf("Ranges = %#x, want %#x", m.Ranges, want)
	}
}

func TestNewHeap(t *testing.T) {
	m := NewMap(
		Range{Start: 0x1000, End: 0x9f000},
		Range{Start: 0x100000, End: 0x40000000},
		Range{Start: 0x100000000, End: 0x200000000},
	)

	low, err := NewHeap(m, LowLimit)
	if err != nil {
		t.Fatalf("NewHeap(low) error: %v", err)
	}
	if low.Range() != (Range{Start: 0x1000, End: 0x9f000}) {
		t.Errorf("low heap = %#x", low.Range())
	}

	high, err := NewHeap(m, HighLimit)
	if err != nil {
		t.Fatalf("NewHeap(high) error: %v", err)
	}
	if high.Range() != (Range{Start: 0x100000, End: 0x40000000}) {
		t.Errorf("high heap = %#x", high.Range())
	}

	if _, err := NewHeap(NewMap(Range{Start: 0x200000, End: 0x300000}), LowLimit); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("NewHeap with no low memory err = %v", err)
	}
}

func TestHeap_Alloc(t *testing.T) {
	m := NewMap(Range{Start: 0x10000, End: 0x20000})
	h, err := NewHeap(m, LowLimit)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		size  uintptr
		align uintptr
		want  uintptr
	}{
		{"one page", 100, 64, 0x1f000},
		{"two pages", 0x1001, 16, 0x1d000},
		{"aligned 16K", 0x1000, 0x4000, 0x1c000},
		{"page", 0x1000, 0x1000, 0x1b000},
	}
	for _, tt := range tests {
		got, err := h.Alloc(tt.size, tt.align)
		if err != nil {
			t.Fatalf("%s: Alloc() error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: Alloc() = %#x, want %#x", tt.name, got, tt.want)
		}
	}
	if got := h.Allocated(); got != 0x5000 {
		t.Errorf("Allocated() = %#x, want 0x5000", got)
	}

	if _, err := h.Alloc(0xc000, 0x1000); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("oversize Alloc() err = %v", err)
	}
	if _, err := h.Alloc(0x1000, 0x100000); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("unsatisfiable alignment err = %v", err)
	}
	if _, err := h.Alloc(0, 0); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("zero Alloc() err = %v", err)
	}
	if got := h.Allocated(); got != 0x5000 {
		t.Errorf("failed allocations changed Allocated() to %#x", got)
	}
}

func TestHeap_MarkRewind(t *testing.T) {
	m := NewMap(Range{Start: 0x10000, End: 0x40000})
	h, _ := NewHeap(m, LowLimit)

	base := h.Mark()
	if _, err := h.Alloc(0x3000, 0); err != nil {
		t.Fatal(err)
	}
	inner := h.Mark()
	for i := 0; i < 4; i++ {
		if _, err := h.Alloc(0x1000, 0x1000); err != nil {
			t.Fatal(err)
		}
	}
	h.Rewind(inner)
	if got := h.Allocated(); got != 0x3000 {
		t.Errorf("after inner rewind Allocated() = %#x, want 0x3000", got)
	}

	// Rewinding to a mark below the current top is a no-op.
	low := h.Mark() - 0x1000
	h.Rewind(low)
	if got := h.Allocated(); got != 0x3000 {
		t.Errorf("stale rewind changed Allocated() to %#x", got)
	}

	// Marks above the heap are ignored.
	h.Rewind(0x80000)
	if got := h.Allocated(); got != 0x3000 {
		t.Errorf("out of range rewind changed Allocated() to %#x", got)
	}

	h.Rewind(base)
	if got := h.Allocated(); got != 0 {
		t.Errorf("Allocated() = %#x after full rewind, want 0", got)
	}
	if m.Ranges[0].End != 0x40000 {
		t.Errorf("map range end = %#x, want 0x40000", m.Ranges[0].End)
	}
}

func TestMap_AllocFromTop(t *testing.T) {
	m := NewMap(Range{Start: 0x1000, End: 0x5000}, Range{Start: 0x100000, End: 0x200000})

	addr, err := m.AllocFromTop(1, 0x1800)
	if err != nil {
		t.Fatalf("AllocFromTop() error = %v", err)
	}
	if addr != 0x1fe000 || m.Ranges[1].End != 0x1fe000 {
		t.Errorf("AllocFromTop() = %#x, end %#x, want 0x1fe000", addr, m.Ranges[1].End)
	}

	if _, err := m.AllocFromTop(0, 0x5000); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("oversized AllocFromTop() error = %v, want ErrNoMemory", err)
	}
	if _, err := m.AllocFromTop(2, 0x1000); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("AllocFromTop(2) error = %v, want ErrInvalidParameter", err)
	}
	if _, err := m.AllocFromTop(0, 0); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("empty AllocFromTop() error = %v, want ErrNoMemory", err)
	}

	m.FreeToTop(1, 0x1800)
	if m.Ranges[1].End != 0x200000 {
		t.Errorf("FreeToTop() left end at %#x", m.Ranges[1].End)
	}
}
