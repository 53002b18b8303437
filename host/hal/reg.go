package hal

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/ardnew/softhcd/pkg"
)

// Region is a validated window onto a bus.
type Region struct {
	Bus  Bus
	Base uintptr
	Size uintptr
}

// NewRegion returns a region of size bytes at base. The base must be
// non-zero: a zero BAR means the firmware never assigned the device.
func NewRegion(bus Bus, base, size uintptr) (Region, error) {
	if bus == nil || base == 0 {
		return Region{}, fmt.Errorf("region at %#x: %w", base, pkg.ErrInvalidParameter)
	}
	return Region{Bus: bus, Base: base, Size: size}, nil
}

// Sub returns the region starting off bytes into r.
func (r Region) Sub(off uintptr) Region {
	size := uintptr(0)
	if r.Size > off {
		size = r.Size - off
	}
	return Region{Bus: r.Bus, Base: r.Base + off, Size: size}
}

// Reg32 returns the 32-bit register at off.
func (r Region) Reg32(off uintptr) Reg32 { return Reg32{bus: r.Bus, addr: r.Base + off} }

// Reg16 returns the 16-bit register at off.
func (r Region) Reg16(off uintptr) Reg16 { return Reg16{bus: r.Bus, addr: r.Base + off} }

// Reg8 returns the 8-bit register at off.
func (r Region) Reg8(off uintptr) Reg8 { return Reg8{bus: r.Bus, addr: r.Base + off} }

// Reg32 is a volatile 32-bit register.
type Reg32 struct {
	bus  Bus
	addr uintptr
}

// NewReg32 returns the register at addr on bus.
func NewReg32(bus Bus, addr uintptr) Reg32 { return Reg32{bus: bus, addr: addr} }

// Addr returns the register address.
func (r Reg32) Addr() uintptr { return r.addr }

func (r Reg32) Read() uint32   { return r.bus.Read32(r.addr) }
func (r Reg32) Write(v uint32) { r.bus.Write32(r.addr, v) }

// Flush writes v and reads it back.
func (r Reg32) Flush(v uint32) { Flush32(r.bus, r.addr, v) }

// Set sets the bits in mask with a read-modify-write.
func (r Reg32) Set(mask uint32) { r.Write(r.Read() | mask) }

// Clear clears the bits in mask with a read-modify-write.
func (r Reg32) Clear(mask uint32) { r.Write(r.Read() &^ mask) }

// Get returns the field of width mask at bit pos.
func (r Reg32) Get(pos int, mask int) uint32 {
	v := r.Read()
	return bits.Get(&v, pos, mask)
}

// SetN replaces the field of width mask at bit pos with val.
func (r Reg32) SetN(pos int, mask int, val uint32) {
	v := r.Read()
	bits.SetN(&v, pos, mask, val)
	r.Write(v)
}

// IsSet reports whether bit pos is set.
func (r Reg32) IsSet(pos int) bool {
	v := r.Read()
	return bits.IsSet(&v, pos)
}

// Reg16 is a volatile 16-bit register.
type Reg16 struct {
	bus  Bus
	addr uintptr
}

func (r Reg16) Read() uint16      { return r.bus.Read16(r.addr) }
func (r Reg16) Write(v uint16)    { r.bus.Write16(r.addr, v) }
func (r Reg16) Set(mask uint16)   { r.Write(r.Read() | mask) }
func (r Reg16) Clear(mask uint16) { r.Write(r.Read() &^ mask) }

// Reg8 is a volatile 8-bit register.
type Reg8 struct {
	bus  Bus
	addr uintptr
}

func (r Reg8) Read() uint8   { return r.bus.Read8(r.addr) }
func (r Reg8) Write(v uint8) { r.bus.Write8(r.addr, v) }
