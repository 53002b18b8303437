package pci

import (
	"fmt"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// Configuration space registers.
const (
	RegVendorID    = 0x00
	RegDeviceID    = 0x02
	RegCommand     = 0x04
	RegStatus      = 0x06
	RegProgIF      = 0x09
	RegClassDevice = 0x0a // Class and subclass as one 16-bit field
	RegHeaderType  = 0x0e
	RegBAR0        = 0x10
	RegBAR4        = 0x20
	RegCapPtr      = 0x34
)

// Command register bits.
const (
	CommandIO        = 0x0001
	CommandMemory    = 0x0002
	CommandBusMaster = 0x0004
)

// Status register bits.
const (
	StatusCapList = 0x0010
)

// Class codes.
const (
	ClassHostBridge    = 0x0600
	ClassUSBController = 0x0c03
)

// Capability IDs.
const (
	CapPowerManagement = 0x01
)

// Bus geometry.
const (
	MaxBus  = 256
	MaxDev  = 32
	MaxFunc = 8

	// MaxControllers bounds the discovery table.
	MaxControllers = 16
)

// ControllerType is the USB host controller interface generation,
// taken from the upper nibble of the programming interface byte.
type ControllerType uint8

// Controller types.
const (
	UHCI ControllerType = iota
	OHCI
	EHCI
	XHCI
	numControllerTypes
)

// String returns the controller interface name.
func (t ControllerType) String() string {
	switch t {
	case UHCI:
		return "UHCI"
	case OHCI:
		return "OHCI"
	case EHCI:
		return "EHCI"
	case XHCI:
		return "XHCI"
	default:
		return fmt.Sprintf("HCI(%d)", uint8(t))
	}
}

// Controller is a USB host controller function found on the bus.
type Controller struct {
	Address
	Type     ControllerType
	VendorID uint16
	DeviceID uint16

	// Set by Prepare.
	Base    uintptr // Register base address (I/O port or physical memory)
	Size    uintptr // Decoded window size
	IOSpace bool    // Base is an I/O port address
}

// FindUSBControllers scans every bus, device and function for USB host
// controllers of a known type. Scanning stops once MaxControllers have
// been found. Functions 1..7 are only probed on multifunction devices.
func FindUSBControllers(cfg hal.Config) []Controller {
	var found []Controller
	for bus := 0; bus < MaxBus; bus++ {
		for dev := 0; dev < MaxDev; dev++ {
			for fn := 0; fn < MaxFunc; fn++ {
				vendor := cfg.Read16(bus, dev, fn, RegVendorID)
				if vendor == 0xffff {
					if fn == 0 {
						break
					}
					continue
				}
				header := cfg.Read8(bus, dev, fn, RegHeaderType)
				if cfg.Read16(bus, dev, fn, RegClassDevice) == ClassUSBController {
					typ := ControllerType(cfg.Read8(bus, dev, fn, RegProgIF) >> 4)
					if typ < numControllerTypes {
						c := Controller{
							Address:  Address{Bus: bus, Dev: dev, Func: fn},
							Type:     typ,
							VendorID: vendor,
							DeviceID: cfg.Read16(bus, dev, fn, RegDeviceID),
						}
						pkg.LogDebug(pkg.ComponentPCI, "found controller",
							"addr", c.Address.String(), "type", typ.String())
						found = append(found, c)
						if len(found) == MaxControllers {
							return found
						}
					}
				}
				if fn == 0 && header&0x80 == 0 {
					break
				}
			}
		}
	}
	return found
}

// Prepare sizes the controller's register BAR, re-enables decoding with
// bus mastering and powers the function up to D0. UHCI must decode I/O
// space and every other type memory space; anything else is rejected
// with pkg.ErrNotSupported.
func (c *Controller) Prepare(cfg hal.Config, clock hal.Clock) error {
	b, d, f := c.Bus, c.Dev, c.Func

	status := cfg.Read16(b, d, f, RegStatus)

	// Disable decoding while the BAR is probed.
	command := cfg.Read16(b, d, f, RegCommand)
	cfg.Write16(b, d, f, RegCommand, command&^(CommandIO|CommandMemory))

	bar := RegBAR0
	if c.Type == UHCI {
		bar = RegBAR4
	}
	base := uint64(cfg.Read32(b, d, f, bar))
	cfg.Write32(b, d, f, bar, 0xffffffff)
	size := uint64(cfg.Read32(b, d, f, bar))
	cfg.Write32(b, d, f, bar, uint32(base))

	c.IOSpace = base&0x1 != 0
	if !c.IOSpace && base&0x4 != 0 {
		hi := cfg.Read32(b, d, f, bar+4)
		cfg.Write32(b, d, f, bar+4, 0xffffffff)
		size |= uint64(cfg.Read32(b, d, f, bar+4)) << 32
		cfg.Write32(b, d, f, bar+4, hi)
		base |= uint64(hi) << 32
	} else {
		size |= 0xffffffff << 32
	}
	base &^= 0xf
	size &^= 0xf
	size = ^size + 1

	enable := uint16(CommandMemory | CommandBusMaster)
	if c.IOSpace {
		enable = CommandIO | CommandBusMaster
	}
	cfg.Write16(b, d, f, RegCommand, command|enable)

	c.Base = uintptr(base)
	c.Size = uintptr(size)

	if c.IOSpace != (c.Type == UHCI) {
		return fmt.Errorf("%s %s in %s space: %w", c.Type, c.Address, c.Space(), pkg.ErrNotSupported)
	}
	if c.Base == 0 {
		return fmt.Errorf("%s %s has no base address: %w", c.Type, c.Address, pkg.ErrNotSupported)
	}

	if status&StatusCapList != 0 {
		c.powerUp(cfg, clock)
	}
	return nil
}

// Space names the address space the controller decodes.
func (c *Controller) Space() string {
	if c.IOSpace {
		return "I/O"
	}
	return "Mem"
}

// powerUp walks the capability list for the power management capability
// and moves the function to D0 if it is in a low power state.
func (c *Controller) powerUp(cfg hal.Config, clock hal.Clock) {
	b, d, f := c.Bus, c.Dev, c.Func
	// Bound the walk in case the list loops.
	ptr := int(cfg.Read8(b, d, f, RegCapPtr) &^ 0x1)
	for i := 0; ptr != 0 && i < 48; i++ {
		if cfg.Read8(b, d, f, ptr) == CapPowerManagement {
			pmcsr := cfg.Read16(b, d, f, ptr+4)
			if pmcsr&0x3 != 0 {
				pkg.LogDebug(pkg.ComponentPCI, "powering up", "addr", c.Address.String(), "state", pmcsr&0x3)
				cfg.Write16(b, d, f, ptr+4, 0x8000)
				clock.Delay(10 * time.Millisecond)
			}
			return
		}
		ptr = int(cfg.Read8(b, d, f, ptr+1) &^ 0x1)
	}
}
