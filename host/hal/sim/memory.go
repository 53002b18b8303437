package sim

import (
	"github.com/ardnew/softhcd/host/hal"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// window maps an address range onto a device. The device sees offsets
// relative to base.
type window struct {
	base uintptr
	size uintptr
	dev  hal.Bus
}

// space is an address space with device windows. Accesses outside every
// window go to the fallback bus, or read as all ones when there is none.
type space struct {
	windows  []window
	fallback hal.Bus
}

// Map places dev at [base, base+size).
func (s *space) Map(base, size uintptr, dev hal.Bus) {
	s.windows = append(s.windows, window{base: base, size: size, dev: dev})
}

// Unmap removes the window starting at base.
func (s *space) Unmap(base uintptr) {
	for i, w := range s.windows {
		if w.base == base {
			s.windows = append(s.windows[:i], s.windows[i+1:]...)
			return
		}
	}
}

func (s *space) find(addr uintptr) (hal.Bus, uintptr) {
	for _, w := range s.windows {
		if addr >= w.base && addr-w.base < w.size {
			return w.dev, addr - w.base
		}
	}
	return s.fallback, addr
}

func (s *space) Read8(addr uintptr) uint8 {
	if dev, off := s.find(addr); dev != nil {
		return dev.Read8(off)
	}
	return 0xff
}

func (s *space) Read16(addr uintptr) uint16 {
	if dev, off := s.find(addr); dev != nil {
		return dev.Read16(off)
	}
	return 0xffff
}

func (s *space) Read32(addr uintptr) uint32 {
	if dev, off := s.find(addr); dev != nil {
		return dev.Read32(off)
	}
	return 0xffffffff
}

func (s *space) Write8(addr uintptr, v uint8) {
	if dev, off := s.find(addr); dev != nil {
		dev.Write8(off, v)
	}
}

func (s *space) Write16(addr uintptr, v uint16) {
	if dev, off := s.find(addr); dev != nil {
		dev.Write16(off, v)
	}
}

func (s *space) Write32(addr uintptr, v uint32) {
	if dev, off := s.find(addr); dev != nil {
		dev.Write32(off, v)
	}
}

// RAM is sparse byte-addressable memory. Pages are created on first
// write; unwritten memory reads as zero.
type RAM struct {
	pages map[uintptr]*[pageSize]byte
}

var _ hal.Bus = (*RAM)(nil)

// NewRAM returns empty memory.
func NewRAM() *RAM {
	return &RAM{pages: make(map[uintptr]*[pageSize]byte)}
}

func (r *RAM) page(addr uintptr, create bool) *[pageSize]byte {
	p := r.pages[addr>>pageShift]
	if p == nil && create {
		p = new([pageSize]byte)
		r.pages[addr>>pageShift] = p
	}
	return p
}

func (r *RAM) Read8(addr uintptr) uint8 {
	if p := r.page(addr, false); p != nil {
		return p[addr&(pageSize-1)]
	}
	return 0
}

func (r *RAM) Write8(addr uintptr, v uint8) {
	r.page(addr, true)[addr&(pageSize-1)] = v
}

func (r *RAM) Read16(addr uintptr) uint16 {
	return uint16(r.Read8(addr)) | uint16(r.Read8(addr+1))<<8
}

func (r *RAM) Write16(addr uintptr, v uint16) {
	r.Write8(addr, uint8(v))
	r.Write8(addr+1, uint8(v>>8))
}

func (r *RAM) Read32(addr uintptr) uint32 {
	return uint32(r.Read16(addr)) | uint32(r.Read16(addr+2))<<16
}

func (r *RAM) Write32(addr uintptr, v uint32) {
	r.Write16(addr, uint16(v))
	r.Write16(addr+2, uint16(v>>16))
}

// Pages returns the number of pages that have been written.
func (r *RAM) Pages() int { return len(r.pages) }

// Memory is the physical address space: RAM with MMIO windows on top.
type Memory struct {
	space
	RAM *RAM
}

var _ hal.Bus = (*Memory)(nil)

// NewMemory returns an address space backed by empty RAM.
func NewMemory() *Memory {
	ram := NewRAM()
	return &Memory{space: space{fallback: ram}, RAM: ram}
}

// ReadBlock copies memory at addr into dst.
func (m *Memory) ReadBlock(addr uintptr, dst []byte) {
	hal.ReadBlock(m, addr, dst)
}

// WriteBlock copies src into memory at addr.
func (m *Memory) WriteBlock(addr uintptr, src []byte) {
	hal.WriteBlock(m, addr, src)
}

// IOSpace is the x86 I/O port space. Unclaimed ports read as all ones.
type IOSpace struct {
	space
}

var _ hal.Bus = (*IOSpace)(nil)

// NewIOSpace returns an empty port space.
func NewIOSpace() *IOSpace {
	return &IOSpace{}
}

// Registers is a block of little-endian registers backing a device
// window. Hooks observe reads and writes by offset.
type Registers struct {
	data    []byte
	OnRead  func(off uintptr, size int)
	OnWrite func(off uintptr, size int, old, v uint32)
}

var _ hal.Bus = (*Registers)(nil)

// NewRegisters returns size bytes of zeroed registers.
func NewRegisters(size int) *Registers {
	return &Registers{data: make([]byte, size)}
}

func (r *Registers) get(off uintptr, size int) uint32 {
	var v uint32
	for i := size - 1; i >= 0; i-- {
		v <<= 8
		if idx := int(off) + i; idx < len(r.data) {
			v |= uint32(r.data[idx])
		}
	}
	return v
}

func (r *Registers) put(off uintptr, size int, v uint32) {
	for i := 0; i < size; i++ {
		if idx := int(off) + i; idx < len(r.data) {
			r.data[idx] = uint8(v >> (8 * i))
		}
	}
}

func (r *Registers) read(off uintptr, size int) uint32 {
	if r.OnRead != nil {
		r.OnRead(off, size)
	}
	return r.get(off, size)
}

func (r *Registers) write(off uintptr, size int, v uint32) {
	old := r.get(off, size)
	r.put(off, size, v)
	if r.OnWrite != nil {
		r.OnWrite(off, size, old, v)
	}
}

func (r *Registers) Read8(off uintptr) uint8       { return uint8(r.read(off, 1)) }
func (r *Registers) Read16(off uintptr) uint16     { return uint16(r.read(off, 2)) }
func (r *Registers) Read32(off uintptr) uint32     { return r.read(off, 4) }
func (r *Registers) Write8(off uintptr, v uint8)   { r.write(off, 1, uint32(v)) }
func (r *Registers) Write16(off uintptr, v uint16) { r.write(off, 2, uint32(v)) }
func (r *Registers) Write32(off uintptr, v uint32) { r.write(off, 4, v) }

// Get returns the 32-bit register at off without triggering hooks.
func (r *Registers) Get(off uintptr) uint32 { return r.get(off, 4) }

// Set stores the 32-bit register at off without triggering hooks.
func (r *Registers) Set(off uintptr, v uint32) { r.put(off, 4, v) }

// Get16 returns the 16-bit register at off without triggering hooks.
func (r *Registers) Get16(off uintptr) uint16 { return uint16(r.get(off, 2)) }

// Set16 stores the 16-bit register at off without triggering hooks.
func (r *Registers) Set16(off uintptr, v uint16) { r.put(off, 2, uint32(v)) }

// Get8 returns the byte at off without triggering hooks.
func (r *Registers) Get8(off uintptr) uint8 { return uint8(r.get(off, 1)) }

// Set8 stores the byte at off without triggering hooks.
func (r *Registers) Set8(off uintptr, v uint8) { r.put(off, 1, uint32(v)) }
