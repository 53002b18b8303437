package sim

import (
	"errors"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// EHCIRegisterSize is the size of the EHCI register BAR.
const EHCIRegisterSize = 0x400

const (
	ehciCapLength = 0x20

	ehciCmd           = ehciCapLength + 0x00
	ehciSts           = ehciCapLength + 0x04
	ehciFrIndex       = ehciCapLength + 0x0c
	ehciPeriodicBase  = ehciCapLength + 0x14
	ehciAsyncListAddr = ehciCapLength + 0x18
	ehciConfigFlag    = ehciCapLength + 0x40
	ehciPortSC        = ehciCapLength + 0x44
	ehciMaxPort       = 15

	// USBLEGSUP in configuration space.
	ehciLegSup       = 0x68
	ehciLegSupBIOS   = ehciLegSup + 2
	ehciLegSupOS     = ehciLegSup + 3
	ehciHandoffDelay = 5 * time.Millisecond

	ehciCmdRS  = 0x01
	ehciCmdHCR = 0x02
	ehciCmdPSE = 0x10
	ehciCmdASE = 0x20

	ehciStsInt = 0x0001
	ehciStsErr = 0x0002
	ehciStsHCH = 0x1000
	ehciStsPSS = 0x4000
	ehciStsASS = 0x8000

	ehciPortCCS   = 0x0001
	ehciPortCSC   = 0x0002
	ehciPortPED   = 0x0004
	ehciPortPEDC  = 0x0008
	ehciPortPR    = 0x0100
	ehciPortLSK   = 0x0400
	ehciPortLSJ   = 0x0800
	ehciPortPP    = 0x1000
	ehciPortOwner = 0x2000

	ehciLinkT  = 0x1
	ehciLinkQH = 0x2

	ehciQTDXactErr = 0x08
	ehciQTDHalted  = 0x40
	ehciQTDActive  = 0x80
	ehciQTDIOC     = 1 << 15
	ehciQTDToggle  = 1 << 31

	ehciMaxLinks = 64
)

// EHCIConfig describes a simulated EHCI controller.
type EHCIConfig struct {
	NumPorts   int  // Root ports, at most 15
	Companions int  // N_CC reported in HCSPARAMS
	BIOSOwned  bool // BIOS holds the legacy support semaphore
	StuckBIOS  bool // BIOS never releases the semaphore
}

// EHCI models an EHCI controller: capability and operational registers,
// a root hub with port ownership and the periodic and asynchronous
// schedules.
type EHCI struct {
	fn    *Function
	regs  *Registers
	mem   hal.Bus
	ports []*usbdev.Port
	reset []bool
	owner []bool // Port handed to the companion controller

	companion Controller
	handoff   time.Duration
	stuck     bool

	frames Frames
	now    time.Duration

	// Frames counts frames executed while running.
	Frames int
}

var _ Ticker = (*EHCI)(nil)

// NewEHCI returns a halted controller at PCI address addr with its
// registers at physical address base.
func NewEHCI(mem hal.Bus, addr pci.Address, base uint32, cfg EHCIConfig) *EHCI {
	cfg.NumPorts = min(max(cfg.NumPorts, 1), ehciMaxPort)
	e := &EHCI{
		fn:     NewFunction(addr, 0x8086, 0x24cd, pci.ClassUSBController, 0x20),
		regs:   NewRegisters(0x100),
		mem:    mem,
		ports:  make([]*usbdev.Port, cfg.NumPorts),
		reset:  make([]bool, cfg.NumPorts),
		owner:  make([]bool, cfg.NumPorts),
		stuck:  cfg.StuckBIOS,
		frames: NewFrames(time.Millisecond),
	}
	e.fn.SetBAR(0, base, EHCIRegisterSize, false)
	e.fn.Config.Set8(ehciLegSup, 0x01)
	if cfg.BIOSOwned || cfg.StuckBIOS {
		e.fn.Config.Set8(ehciLegSupBIOS, 1)
	}
	e.fn.Write = e.configWrite

	for i := range e.ports {
		e.ports[i] = &usbdev.Port{}
	}

	hcs := uint32(cfg.NumPorts) | 0x10 // PPC
	if cfg.Companions > 0 {
		hcs |= uint32(cfg.Companions&0xf)<<12 | uint32((cfg.NumPorts+cfg.Companions-1)/cfg.Companions)<<8
	}
	e.regs.Set8(0x00, ehciCapLength)
	e.regs.Set16(0x02, 0x0100)
	e.regs.Set(0x04, hcs)
	e.regs.Set(0x08, ehciLegSup<<8)
	e.regs.OnRead = e.read
	e.regs.OnWrite = e.write
	e.hardReset()
	return e
}

// PCI returns the controller's configuration space.
func (e *EHCI) PCI() *Function { return e.fn }

// Registers returns the register window to map at the BAR 0 base.
func (e *EHCI) Registers() hal.Bus { return e.regs }

// Ports returns the root ports.
func (e *EHCI) Ports() []*usbdev.Port { return e.ports }

// Attach connects dev to root port (numbered from 1).
func (e *EHCI) Attach(port int, dev *usbdev.Device) {
	e.ports[port-1].Attach(dev)
}

// SetCompanion routes ports released by the driver to c. Root port i
// maps to companion port i modulo the companion's port count.
func (e *EHCI) SetCompanion(c Controller) {
	e.companion = c
}

// Running reports whether the controller is running.
func (e *EHCI) Running() bool {
	return e.regs.Get(ehciSts)&ehciStsHCH == 0
}

// BIOSOwned reports whether the BIOS semaphore is still set.
func (e *EHCI) BIOSOwned() bool {
	return e.fn.Config.Get8(ehciLegSupBIOS)&1 != 0
}

// Routed reports whether CONFIGFLAG routes ports to this controller.
func (e *EHCI) Routed() bool {
	return e.regs.Get(ehciConfigFlag)&1 != 0
}

// Released reports whether root port (numbered from 1) belongs to the
// companion controller.
func (e *EHCI) Released(port int) bool {
	return e.owner[port-1]
}

func (e *EHCI) configWrite(reg int, size int, old, v uint32) {
	if reg == ehciLegSupOS && size == 1 && v&1 != 0 && e.BIOSOwned() && !e.stuck {
		e.handoff = e.now + ehciHandoffDelay
	}
}

func (e *EHCI) hardReset() {
	for _, off := range []uintptr{ehciCmd, ehciFrIndex, ehciPeriodicBase, ehciAsyncListAddr, ehciConfigFlag} {
		e.regs.Set(off, 0)
	}
	e.regs.Set(ehciSts, ehciStsHCH)
	for i, p := range e.ports {
		p.Disable()
		e.reset[i] = false
	}
}

func (e *EHCI) portIndex(off uintptr) (int, bool) {
	if off < ehciPortSC || off >= ehciPortSC+4*uintptr(len(e.ports)) {
		return 0, false
	}
	return int(off-ehciPortSC) / 4, true
}

func (e *EHCI) portStatus(i int) uint32 {
	p := e.ports[i]
	var status uint32
	if p.Powered {
		status |= ehciPortPP
	}
	if e.owner[i] || !e.Routed() {
		return status | ehciPortOwner
	}
	if p.Powered && p.Connected() {
		status |= ehciPortCCS
		if !p.Enabled && !e.reset[i] {
			if p.Device.Speed() == usb.SpeedLow {
				status |= ehciPortLSK
			} else {
				status |= ehciPortLSJ
			}
		}
	}
	if p.Enabled && p.Connected() {
		status |= ehciPortPED
	}
	if e.reset[i] {
		status |= ehciPortPR
	}
	if p.Change&usbdev.PortChangeConnection != 0 {
		status |= ehciPortCSC
	}
	if p.Change&usbdev.PortChangeEnable != 0 {
		status |= ehciPortPEDC
	}
	return status
}

func (e *EHCI) read(off uintptr, size int) {
	if i, ok := e.portIndex(off &^ 3); ok {
		e.regs.Set(off&^3, e.portStatus(i))
	}
}

func (e *EHCI) write(off uintptr, size int, old, v uint32) {
	switch {
	case off < ehciCapLength:
		e.regs.put(off, size, old)
	case off == ehciCmd:
		e.writeCommand(old, v)
	case off == ehciSts:
		e.regs.Set(off, old&^(v&0x3f))
	default:
		if i, ok := e.portIndex(off); ok {
			e.writePort(i, v)
		}
	}
}

func (e *EHCI) writeCommand(old, v uint32) {
	if v&ehciCmdHCR != 0 {
		pkg.LogDebug(pkg.ComponentSim, "ehci reset")
		e.hardReset()
		return
	}
	status := e.regs.Get(ehciSts) &^ (ehciStsHCH | ehciStsPSS | ehciStsASS)
	if v&ehciCmdRS == 0 {
		status |= ehciStsHCH
	} else if old&ehciCmdRS == 0 {
		e.frames.Sync(e.now)
	}
	if v&ehciCmdPSE != 0 {
		status |= ehciStsPSS
	}
	if v&ehciCmdASE != 0 {
		status |= ehciStsASS
	}
	e.regs.Set(ehciSts, status)
}

func (e *EHCI) writePort(i int, v uint32) {
	p := e.ports[i]
	if v&ehciPortCSC != 0 {
		p.Change &^= usbdev.PortChangeConnection
	}
	if v&ehciPortPEDC != 0 {
		p.Change &^= usbdev.PortChangeEnable
	}
	if v&ehciPortPP != 0 {
		p.PowerOn()
	} else {
		p.PowerOff()
	}
	if !e.Routed() || e.owner[i] {
		return
	}

	if v&ehciPortOwner != 0 {
		e.release(i)
		return
	}

	if v&ehciPortPED == 0 {
		p.Disable()
	}
	switch {
	case v&ehciPortPR != 0 && !e.reset[i]:
		e.reset[i] = true
		p.Disable()
	case v&ehciPortPR == 0 && e.reset[i]:
		e.reset[i] = false
		p.Reset()
		// Only high speed devices answer the chirp.
		if !p.Connected() || p.Device.Speed() < usb.SpeedHigh {
			p.Disable()
		}
	}
}

// release hands the device on root port i to the companion controller.
func (e *EHCI) release(i int) {
	e.owner[i] = true
	p := e.ports[i]
	p.Disable()
	dev := p.Device
	if dev == nil || e.companion == nil {
		return
	}
	p.Device = nil
	ports := e.companion.Ports()
	pkg.LogDebug(pkg.ComponentSim, "ehci port released", "port", i+1, "device", dev.Name)
	e.companion.Attach(i%len(ports)+1, dev)
}

// Advance completes a pending BIOS handoff and runs the schedules for
// every elapsed frame.
func (e *EHCI) Advance(now time.Duration) {
	e.now = now
	if e.handoff != 0 && now >= e.handoff {
		e.handoff = 0
		e.fn.Config.Set8(ehciLegSupBIOS, 0)
		pkg.LogDebug(pkg.ComponentSim, "ehci bios released ownership")
	}
	n := e.frames.Due(now)
	if !e.Running() {
		return
	}
	for ; n > 0; n-- {
		e.runFrame()
	}
}

func (e *EHCI) runFrame() {
	cmd := e.regs.Get(ehciCmd)
	index := e.regs.Get(ehciFrIndex)

	if cmd&ehciCmdPSE != 0 {
		list := uintptr(e.regs.Get(ehciPeriodicBase) &^ 0xfff)
		link := e.mem.Read32(list + 4*uintptr((index>>3)&0x3ff))
		for n := 0; n < ehciMaxLinks && link&ehciLinkT == 0; n++ {
			qh := uintptr(link &^ 0x1f)
			e.runQH(qh, true)
			link = e.mem.Read32(qh)
		}
	}

	if cmd&ehciCmdASE != 0 {
		start := uintptr(e.regs.Get(ehciAsyncListAddr) &^ 0x1f)
		qh := start
		for n := 0; n < ehciMaxLinks; n++ {
			e.runQH(qh, false)
			link := e.mem.Read32(qh)
			if link&ehciLinkT != 0 {
				break
			}
			if qh = uintptr(link &^ 0x1f); qh == start {
				break
			}
		}
	}

	e.regs.Set(ehciFrIndex, (index+8)&0x3fff)
	e.Frames++
}

// runQH executes the qTDs queued on qh. Interrupt queues get at most one
// transaction per frame.
func (e *EHCI) runQH(qh uintptr, periodic bool) {
	for n := 0; n < ehciMaxLinks; n++ {
		if e.mem.Read32(qh+0x18)&ehciQTDHalted != 0 {
			return
		}
		next := e.mem.Read32(qh + 0x10)
		if next&ehciLinkT != 0 {
			return
		}
		qtd := uintptr(next &^ 0x1f)
		if e.mem.Read32(qtd+8)&ehciQTDActive == 0 {
			e.mem.Write32(qh+0x10, e.mem.Read32(qtd))
			continue
		}
		e.mem.Write32(qh+0x0c, uint32(qtd))

		done, short := e.execQTD(qh, qtd)
		if !done {
			return
		}
		token := e.mem.Read32(qtd + 8)
		e.mem.Write32(qh+0x18, token)
		if token&ehciQTDHalted != 0 {
			return
		}
		link := e.mem.Read32(qtd)
		if alt := e.mem.Read32(qtd + 4); short && alt&ehciLinkT == 0 {
			link = alt
		}
		e.mem.Write32(qh+0x10, link)
		if periodic {
			return
		}
	}
}

// bufferAddr returns the address n bytes into the qTD's buffer, following
// its page list.
func (e *EHCI) bufferAddr(qtd uintptr, n int) uintptr {
	first := e.mem.Read32(qtd + 12)
	off := int(first&0xfff) + n
	page := off >> 12
	if page == 0 {
		return uintptr(first&^0xfff) + uintptr(off&0xfff)
	}
	return uintptr(e.mem.Read32(qtd+12+4*uintptr(page))&^0xfff) + uintptr(off&0xfff)
}

func (e *EHCI) readBuffer(qtd uintptr, dst []byte) {
	for i := range dst {
		dst[i] = e.mem.Read8(e.bufferAddr(qtd, i))
	}
}

func (e *EHCI) writeBuffer(qtd uintptr, off int, src []byte) {
	for i, b := range src {
		e.mem.Write8(e.bufferAddr(qtd, off+i), b)
	}
}

// execQTD runs the transactions of one qTD. It reports whether the qTD
// retired and whether an IN ended with a short packet.
func (e *EHCI) execQTD(qh, qtd uintptr) (done, short bool) {
	char := e.mem.Read32(qh + 4)
	token := e.mem.Read32(qtd + 8)
	addr := int(char & 0x7f)
	ep := int(char>>8) & 0xf
	mps := max(int(char>>16)&0x7ff, 1)
	total := int(token>>16) & 0x7fff

	fail := func(bits uint32) (bool, bool) {
		e.mem.Write32(qtd+8, token&^ehciQTDActive|ehciQTDHalted|bits)
		e.regs.Set(ehciSts, e.regs.Get(ehciSts)|ehciStsErr)
		return true, false
	}

	dev := usbdev.Find(e.ports, addr)
	if dev == nil {
		return fail(ehciQTDXactErr)
	}

	n := 0
	switch (token >> 8) & 0x3 {
	case 2: // SETUP
		var raw [usb.SetupPacketSize]byte
		e.readBuffer(qtd, raw[:])
		var setup usb.SetupPacket
		usb.ParseSetupPacket(raw[:], &setup)
		if err := dev.Setup(setup); err != nil {
			return fail(0)
		}
		n = total
	case 0: // OUT
		data := make([]byte, total)
		e.readBuffer(qtd, data)
		if err := dev.Out(ep, data); err != nil {
			return fail(0)
		}
		n = total
	case 1: // IN
		for n < total || n == 0 {
			chunk, err := dev.In(ep, min(mps, total-n))
			if errors.Is(err, usbdev.ErrNAK) {
				if n == 0 {
					return false, false
				}
				break
			}
			if err != nil {
				return fail(0)
			}
			e.writeBuffer(qtd, n, chunk)
			n += len(chunk)
			if len(chunk) < mps {
				break
			}
		}
		short = n < total
	default:
		return fail(0)
	}

	packets := max((n+mps-1)/mps, 1)
	if packets%2 == 1 {
		token ^= ehciQTDToggle
	}
	token = token&^(ehciQTDActive|0x7fff<<16) | uint32(total-n)<<16
	e.mem.Write32(qtd+8, token)
	if token&ehciQTDIOC != 0 {
		e.regs.Set(ehciSts, e.regs.Get(ehciSts)|ehciStsInt)
	}
	return true, short
}
