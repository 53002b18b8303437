package hal

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Direct is a Bus over a window of the program's own address space. On a
// bare-metal or unikernel target with physical memory mapped 1:1, mem is
// that mapping and base its physical address.
//
// Every access derives its pointer from mem, so addresses outside the
// window panic. 32-bit accesses go through sync/atomic, which the compiler
// never elides or reorders.
type Direct struct {
	mem  []byte
	base uintptr
}

var _ Bus = (*Direct)(nil)

// NewDirect returns a bus whose address base is mem[0].
func NewDirect(mem []byte, base uintptr) *Direct {
	return &Direct{mem: mem, base: base}
}

// Base returns the bus address of the first byte of the window.
func (d *Direct) Base() uintptr { return d.base }

// Size returns the window length in bytes.
func (d *Direct) Size() uintptr { return uintptr(len(d.mem)) }

func at[T uint8 | uint16 | uint32](d *Direct, addr uintptr) *T {
	off := addr - d.base
	_ = d.mem[off+unsafe.Sizeof(T(0))-1]
	return (*T)(unsafe.Pointer(&d.mem[off]))
}

func (d *Direct) Read8(addr uintptr) uint8       { return *at[uint8](d, addr) }
func (d *Direct) Read16(addr uintptr) uint16     { return *at[uint16](d, addr) }
func (d *Direct) Read32(addr uintptr) uint32     { return atomic.LoadUint32(at[uint32](d, addr)) }
func (d *Direct) Write8(addr uintptr, v uint8)   { *at[uint8](d, addr) = v }
func (d *Direct) Write16(addr uintptr, v uint16) { *at[uint16](d, addr) = v }
func (d *Direct) Write32(addr uintptr, v uint32) { atomic.StoreUint32(at[uint32](d, addr), v) }

// Busy is a Clock that spins for the requested duration.
type Busy struct{}

var _ Clock = Busy{}

// Delay spins until d has elapsed.
func (Busy) Delay(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}
