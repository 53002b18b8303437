package pci

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
)

// Configuration mechanism #1 I/O ports.
const (
	ConfigAddressPort = 0xCF8
	ConfigDataPort    = 0xCFC
)

// Address identifies a PCI function.
type Address struct {
	Bus  int
	Dev  int
	Func int
}

// String returns the address in bus:dev.func form.
func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Dev, a.Func)
}

// ConfigAddress returns the value written to the address port to select
// register reg of function (bus, dev, fn). Bits 11:8 of reg select the
// extended configuration space on chipsets that support it.
func ConfigAddress(bus, dev, fn, reg int) uint32 {
	return 0x80000000 |
		uint32(reg&0xf00)<<16 |
		uint32(bus&0xff)<<16 |
		uint32(dev&0x1f)<<11 |
		uint32(fn&0x07)<<8 |
		uint32(reg&0xfc)
}

// ConfigMechanism1 accesses configuration space through the address and
// data I/O ports.
type ConfigMechanism1 struct {
	IO hal.Bus
}

var _ hal.Config = ConfigMechanism1{}

func (c ConfigMechanism1) selectReg(bus, dev, fn, reg int) {
	c.IO.Write32(ConfigAddressPort, ConfigAddress(bus, dev, fn, reg))
}

func (c ConfigMechanism1) Read8(bus, dev, fn, reg int) uint8 {
	c.selectReg(bus, dev, fn, reg)
	return c.IO.Read8(ConfigDataPort + uintptr(reg&3))
}

func (c ConfigMechanism1) Read16(bus, dev, fn, reg int) uint16 {
	c.selectReg(bus, dev, fn, reg)
	return c.IO.Read16(ConfigDataPort + uintptr(reg&2))
}

func (c ConfigMechanism1) Read32(bus, dev, fn, reg int) uint32 {
	c.selectReg(bus, dev, fn, reg)
	return c.IO.Read32(ConfigDataPort)
}

func (c ConfigMechanism1) Write8(bus, dev, fn, reg int, v uint8) {
	c.selectReg(bus, dev, fn, reg)
	c.IO.Write8(ConfigDataPort+uintptr(reg&3), v)
}

func (c ConfigMechanism1) Write16(bus, dev, fn, reg int, v uint16) {
	c.selectReg(bus, dev, fn, reg)
	c.IO.Write16(ConfigDataPort+uintptr(reg&2), v)
}

func (c ConfigMechanism1) Write32(bus, dev, fn, reg int, v uint32) {
	c.selectReg(bus, dev, fn, reg)
	c.IO.Write32(ConfigDataPort, v)
}

// Detect reports whether mechanism #1 is present: the address port must
// latch the enable bit and function 00:00.0 must be a host bridge. The
// previous address port contents are restored.
func (c ConfigMechanism1) Detect() bool {
	saved := c.IO.Read32(ConfigAddressPort)
	defer c.IO.Write32(ConfigAddressPort, saved)

	c.IO.Write32(ConfigAddressPort, 0x80000000)
	if c.IO.Read32(ConfigAddressPort) != 0x80000000 {
		return false
	}
	return c.Read16(0, 0, 0, RegClassDevice) == ClassHostBridge
}
