package sim

import (
	"sort"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/pci"
)

// Function is the configuration space of one PCI function.
type Function struct {
	Address pci.Address
	Config  *Registers

	barSize [6]uint32 // Zero for unimplemented BARs

	// Write, if set, is called after every configuration write.
	Write func(reg int, size int, old, v uint32)
}

// NewFunction returns a type 0 function with the given identity.
func NewFunction(addr pci.Address, vendor, device uint16, class uint16, progIF uint8) *Function {
	f := &Function{Address: addr, Config: NewRegisters(256)}
	f.Config.Set16(pci.RegVendorID, vendor)
	f.Config.Set16(pci.RegDeviceID, device)
	f.Config.Set8(pci.RegProgIF, progIF)
	f.Config.Set16(pci.RegClassDevice, class)
	f.Config.OnWrite = f.write
	return f
}

// SetBAR places an I/O or memory BAR at index with the given decoded size
// (a power of two).
func (f *Function) SetBAR(index int, base uint32, size uint32, io bool) {
	f.barSize[index] = size
	flags := uint32(0)
	if io {
		flags = 0x1
	}
	f.Config.Set(uintptr(pci.RegBAR0+4*index), base&^(size-1)|flags)
}

// AddCapability links a capability with the given id and body (the bytes
// after the id and next pointer) at offset off.
func (f *Function) AddCapability(off uint8, id uint8, body []byte) {
	f.Config.Set8(uintptr(off), id)
	f.Config.Set8(uintptr(off)+1, f.Config.Get8(pci.RegCapPtr))
	for i, b := range body {
		f.Config.Set8(uintptr(off)+2+uintptr(i), b)
	}
	f.Config.Set8(pci.RegCapPtr, off)
	f.Config.Set16(pci.RegStatus, f.Config.Get16(pci.RegStatus)|pci.StatusCapList)
}

// MultiFunction marks the function's device as multifunction.
func (f *Function) MultiFunction() {
	f.Config.Set8(pci.RegHeaderType, f.Config.Get8(pci.RegHeaderType)|0x80)
}

// Command returns the command register.
func (f *Function) Command() uint16 {
	return f.Config.Get16(pci.RegCommand)
}

func (f *Function) write(off uintptr, size int, old, v uint32) {
	reg := int(off)
	if reg >= pci.RegBAR0 && reg < pci.RegBAR0+24 && size == 4 {
		index := (reg - pci.RegBAR0) / 4
		flags := old & 0x1
		if flags == 0 {
			flags = old & 0x6
		}
		if sz := f.barSize[index]; sz != 0 {
			f.Config.Set(off, v&^(sz-1)&^0xf|flags)
		} else {
			f.Config.Set(off, 0)
		}
	}
	if f.Write != nil {
		f.Write(reg, size, old, v)
	}
}

// PCIBus is a PCI hierarchy reached through configuration mechanism #1.
type PCIBus struct {
	funcs map[pci.Address]*Function
	addr  uint32
}

var _ hal.Config = (*PCIBus)(nil)

// NewPCIBus returns a bus holding a host bridge at 00:00.0.
func NewPCIBus() *PCIBus {
	b := &PCIBus{funcs: make(map[pci.Address]*Function)}
	b.Add(NewFunction(pci.Address{}, 0x8086, 0x1237, pci.ClassHostBridge, 0))
	return b
}

// Add installs f at its address.
func (b *PCIBus) Add(f *Function) {
	b.funcs[f.Address] = f
}

// Function returns the function at addr, or nil.
func (b *PCIBus) Function(addr pci.Address) *Function {
	return b.funcs[addr]
}

// Functions returns every installed function ordered by address.
func (b *PCIBus) Functions() []*Function {
	out := make([]*Function, 0, len(b.funcs))
	for _, f := range b.funcs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		x, y := out[i].Address, out[j].Address
		if x.Bus != y.Bus {
			return x.Bus < y.Bus
		}
		if x.Dev != y.Dev {
			return x.Dev < y.Dev
		}
		return x.Func < y.Func
	})
	return out
}

func (b *PCIBus) lookup(bus, dev, fn int) *Function {
	return b.funcs[pci.Address{Bus: bus, Dev: dev, Func: fn}]
}

func (b *PCIBus) Read8(bus, dev, fn, reg int) uint8 {
	if f := b.lookup(bus, dev, fn); f != nil {
		return f.Config.Read8(uintptr(reg))
	}
	return 0xff
}

func (b *PCIBus) Read16(bus, dev, fn, reg int) uint16 {
	if f := b.lookup(bus, dev, fn); f != nil {
		return f.Config.Read16(uintptr(reg))
	}
	return 0xffff
}

func (b *PCIBus) Read32(bus, dev, fn, reg int) uint32 {
	if f := b.lookup(bus, dev, fn); f != nil {
		return f.Config.Read32(uintptr(reg))
	}
	return 0xffffffff
}

func (b *PCIBus) Write8(bus, dev, fn, reg int, v uint8) {
	if f := b.lookup(bus, dev, fn); f != nil {
		f.Config.Write8(uintptr(reg), v)
	}
}

func (b *PCIBus) Write16(bus, dev, fn, reg int, v uint16) {
	if f := b.lookup(bus, dev, fn); f != nil {
		f.Config.Write16(uintptr(reg), v)
	}
}

func (b *PCIBus) Write32(bus, dev, fn, reg int, v uint32) {
	if f := b.lookup(bus, dev, fn); f != nil {
		f.Config.Write32(uintptr(reg), v)
	}
}

// Ports returns the device answering the mechanism #1 address and data
// ports. Map it at pci.ConfigAddressPort with size 8.
func (b *PCIBus) Ports() hal.Bus {
	return &configPorts{bus: b}
}

// configPorts decodes accesses to 0xCF8..0xCFF (offsets 0..7).
type configPorts struct {
	bus *PCIBus
}

func (p *configPorts) selected() (*Function, uintptr) {
	a := p.bus.addr
	if a&0x80000000 == 0 {
		return nil, 0
	}
	f := p.bus.lookup(int(a>>16)&0xff, int(a>>11)&0x1f, int(a>>8)&0x7)
	return f, uintptr(a&0xfc) | uintptr(a>>16)&0xf00
}

func (p *configPorts) Read32(off uintptr) uint32 {
	if off == 0 {
		return p.bus.addr
	}
	if f, reg := p.selected(); f != nil && off == 4 {
		return f.Config.Read32(reg)
	}
	return 0xffffffff
}

func (p *configPorts) Read16(off uintptr) uint16 {
	if f, reg := p.selected(); f != nil && off >= 4 {
		return f.Config.Read16(reg + off - 4)
	}
	return 0xffff
}

func (p *configPorts) Read8(off uintptr) uint8 {
	if f, reg := p.selected(); f != nil && off >= 4 {
		return f.Config.Read8(reg + off - 4)
	}
	return 0xff
}

func (p *configPorts) Write32(off uintptr, v uint32) {
	if off == 0 {
		p.bus.addr = v
		return
	}
	if f, reg := p.selected(); f != nil && off == 4 {
		f.Config.Write32(reg, v)
	}
}

func (p *configPorts) Write16(off uintptr, v uint16) {
	if f, reg := p.selected(); f != nil && off >= 4 {
		f.Config.Write16(reg+off-4, v)
	}
}

func (p *configPorts) Write8(off uintptr, v uint8) {
	if f, reg := p.selected(); f != nil && off >= 4 {
		f.Config.Write8(reg+off-4, v)
	}
}
