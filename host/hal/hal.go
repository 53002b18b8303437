package hal

import (
	"time"
)

// Bus provides ordered access to a physical address space. Implementations
// must not reorder or merge accesses: every call reaches the device in
// program order.
//
// The same interface serves memory-mapped registers, DMA-visible RAM and
// x86 I/O ports (where addr is the port number).
type Bus interface {
	Read8(addr uintptr) uint8
	Read16(addr uintptr) uint16
	Read32(addr uintptr) uint32
	Write8(addr uintptr, v uint8)
	Write16(addr uintptr, v uint16)
	Write32(addr uintptr, v uint32)
}

// Read64 reads a 64-bit value as two 32-bit accesses, low word first.
// Controllers with 32-bit data paths require this split.
func Read64(b Bus, addr uintptr) uint64 {
	lo := b.Read32(addr)
	hi := b.Read32(addr + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit value as two 32-bit accesses, low word first.
func Write64(b Bus, addr uintptr, v uint64) {
	b.Write32(addr, uint32(v))
	b.Write32(addr+4, uint32(v>>32))
}

// Flush32 writes v and reads the register back so the write has reached
// the device before the caller continues.
func Flush32(b Bus, addr uintptr, v uint32) {
	b.Write32(addr, v)
	_ = b.Read32(addr)
}

// ReadBlock copies len(dst) bytes starting at addr into dst.
func ReadBlock(b Bus, addr uintptr, dst []byte) {
	for i := range dst {
		dst[i] = b.Read8(addr + uintptr(i))
	}
}

// WriteBlock copies src to the bus starting at addr.
func WriteBlock(b Bus, addr uintptr, src []byte) {
	for i, v := range src {
		b.Write8(addr+uintptr(i), v)
	}
}

// Zero clears n bytes starting at addr.
func Zero(b Bus, addr uintptr, n int) {
	i := 0
	for ; i+4 <= n; i += 4 {
		b.Write32(addr+uintptr(i), 0)
	}
	for ; i < n; i++ {
		b.Write8(addr+uintptr(i), 0)
	}
}

// Clock provides busy-wait delays. There is no scheduler: Delay returns
// only after d has elapsed.
type Clock interface {
	Delay(d time.Duration)
}

// Config provides PCI configuration space access for a function
// identified by bus, device and function number.
type Config interface {
	Read8(bus, dev, fn, reg int) uint8
	Read16(bus, dev, fn, reg int) uint16
	Read32(bus, dev, fn, reg int) uint32
	Write8(bus, dev, fn, reg int, v uint8)
	Write16(bus, dev, fn, reg int, v uint16)
	Write32(bus, dev, fn, reg int, v uint32)
}

// Allocator hands out identity-mapped physical memory that is excluded
// from the memory under test. Allocations can only be released in bulk by
// rewinding to a mark.
type Allocator interface {
	// Alloc returns the physical address of at least size bytes aligned
	// to align (a power of two).
	Alloc(size, align uintptr) (uintptr, error)

	// Mark returns an opaque value capturing the current allocation state.
	Mark() uintptr

	// Rewind frees everything allocated since mark was taken.
	Rewind(mark uintptr)
}

// Platform bundles the collaborators a host controller driver needs.
type Platform struct {
	Mem      Bus       // Physical memory and MMIO registers
	IO       Bus       // x86 I/O port space
	PCI      Config    // PCI configuration space
	Clock    Clock     // Busy-wait delays
	LowHeap  Allocator // Memory below 1 MiB
	HighHeap Allocator // Memory below 4 GiB
}
