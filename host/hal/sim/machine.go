package sim

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/host/pmem"
)

// Physical layout of a simulated machine.
const (
	MemorySize = 64 << 20

	conventionalStart = 0x10000
	conventionalEnd   = 0xa0000
	extendedStart     = 0x100000
	imageEnd          = 0x400000 // Program image, reserved from the heaps

	ioBase   = 0xc000 // First UHCI I/O window
	mmioBase = 0xfe000000
	mmioStep = 0x10000
)

// Controller is a simulated host controller attached to a machine.
type Controller interface {
	Ticker

	// PCI returns the controller's configuration space.
	PCI() *Function

	// Ports returns the root ports.
	Ports() []*usbdev.Port

	// Attach connects dev to root port (numbered from 1).
	Attach(port int, dev *usbdev.Device)
}

// Machine is a PC with physical memory, I/O ports, a PCI bus, a virtual
// clock and any number of USB host controllers.
type Machine struct {
	Mem   *Memory
	IO    *IOSpace
	PCI   *PCIBus
	Clock *Clock

	Map      *pmem.Map
	LowHeap  *pmem.Heap
	HighHeap *pmem.Heap

	// Keyboards lists the keyboards a topology plugged in.
	Keyboards []*usbdev.Keyboard

	controllers []Controller
	nextIO      uint32
	nextMMIO    uint32
}

// NewMachine returns a machine with MemorySize bytes of RAM, an empty
// PCI bus and heaps carved below 1 MiB and 4 GiB.
func NewMachine() *Machine {
	m := &Machine{
		Mem:      NewMemory(),
		IO:       NewIOSpace(),
		PCI:      NewPCIBus(),
		Clock:    NewClock(),
		nextIO:   ioBase,
		nextMMIO: mmioBase,
	}
	m.IO.Map(pci.ConfigAddressPort, 8, m.PCI.Ports())

	m.Map = pmem.NewMap(
		pmem.Range{Start: conventionalStart, End: conventionalEnd},
		pmem.Range{Start: extendedStart, End: MemorySize},
	)
	m.Map.Reserve(pmem.Range{Start: extendedStart, End: imageEnd})

	var err error
	if m.LowHeap, err = pmem.NewHeap(m.Map, pmem.LowLimit); err != nil {
		panic(err)
	}
	if m.HighHeap, err = pmem.NewHeap(m.Map, pmem.HighLimit); err != nil {
		panic(err)
	}
	return m
}

// Platform returns the driver collaborators of m. PCI configuration goes
// through mechanism #1 on the I/O ports.
func (m *Machine) Platform() hal.Platform {
	return hal.Platform{
		Mem:      m.Mem,
		IO:       m.IO,
		PCI:      pci.ConfigMechanism1{IO: m.IO},
		Clock:    m.Clock,
		LowHeap:  m.LowHeap,
		HighHeap: m.HighHeap,
	}
}

// Controllers returns the controllers in the order they were added.
func (m *Machine) Controllers() []Controller {
	return m.controllers
}

func (m *Machine) slot() pci.Address {
	return pci.Address{Dev: 1 + len(m.controllers)}
}

func (m *Machine) add(c Controller) {
	m.PCI.Add(c.PCI())
	m.Clock.Attach(c)
	m.controllers = append(m.controllers, c)
}

func (m *Machine) mmio() uint32 {
	base := m.nextMMIO
	m.nextMMIO += mmioStep
	return base
}

// AddUHCI installs a UHCI controller with numPorts root ports.
func (m *Machine) AddUHCI(numPorts int) *UHCI {
	base := m.nextIO
	m.nextIO += UHCIRegisterSize
	u := NewUHCI(m.Mem, m.slot(), base, numPorts)
	m.IO.Map(uintptr(base), UHCIRegisterSize, u.Registers())
	m.add(u)
	return u
}

// AddOHCI installs an OHCI controller. A zero PowerUpDelay in cfg
// selects 20 ms.
func (m *Machine) AddOHCI(cfg OHCIConfig) *OHCI {
	if cfg.PowerUpDelay == 0 {
		cfg.PowerUpDelay = 10
	}
	base := m.mmio()
	o := NewOHCI(m.Mem, m.slot(), base, cfg)
	m.Mem.Map(uintptr(base), OHCIRegisterSize, o.Registers())
	m.add(o)
	return o
}

// AddEHCI installs an EHCI controller. Add its companion controllers
// separately and link them with SetCompanion.
func (m *Machine) AddEHCI(cfg EHCIConfig) *EHCI {
	base := m.mmio()
	e := NewEHCI(m.Mem, m.slot(), base, cfg)
	m.Mem.Map(uintptr(base), EHCIRegisterSize, e.Registers())
	m.add(e)
	return e
}

// AddXHCI installs an XHCI controller.
func (m *Machine) AddXHCI(cfg XHCIConfig) *XHCI {
	base := m.mmio()
	x := NewXHCI(m.Mem, m.slot(), base, cfg)
	m.Mem.Map(uintptr(base), XHCIRegisterSize, x.Registers())
	m.add(x)
	return x
}

// Describe returns a one-line summary of controller c.
func Describe(c Controller) string {
	f := c.PCI()
	return fmt.Sprintf("%s %04x:%04x, %d ports", f.Address, f.Config.Get16(pci.RegVendorID),
		f.Config.Get16(pci.RegDeviceID), len(c.Ports()))
}
