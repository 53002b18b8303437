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

// UHCIRegisterSize is the size of the UHCI I/O window.
const UHCIRegisterSize = 0x20

const (
	uhciCmd     = 0x00
	uhciSts     = 0x02
	uhciIntr    = 0x04
	uhciFrNum   = 0x06
	uhciFlBase  = 0x08
	uhciSOF     = 0x0c
	uhciPortSC  = 0x10
	uhciMaxPort = 8

	uhciCmdRun   = 0x0001
	uhciCmdReset = 0x0002

	uhciStsInt    = 0x0001
	uhciStsErr    = 0x0002
	uhciStsHalted = 0x0020

	uhciPortCCS   = 0x0001
	uhciPortCSC   = 0x0002
	uhciPortPED   = 0x0004
	uhciPortPEDC  = 0x0008
	uhciPortValid = 0x0080
	uhciPortLS    = 0x0100
	uhciPortPR    = 0x0200

	uhciLinkT  = 0x1
	uhciLinkQH = 0x2

	uhciTDTimeout = 1 << 18
	uhciTDNAK     = 1 << 19
	uhciTDStalled = 1 << 22
	uhciTDActive  = 1 << 23
	uhciTDIOC     = 1 << 24
	uhciTDSPD     = 1 << 29

	uhciPIDOut   = 0xe1
	uhciPIDIn    = 0x69
	uhciPIDSetup = 0x2d

	// Bound on links followed in one frame, in case a schedule loops.
	uhciMaxLinks = 256
)

type tdResult int

const (
	tdRetired tdResult = iota // Completed, move to the next TD
	tdPending                 // NAK, try again next frame
	tdHalted                  // Error or short packet, queue stops
)

// UHCI models a UHCI controller: its I/O registers, root ports and the
// frame list schedule, executed once per simulated millisecond.
type UHCI struct {
	fn    *Function
	regs  *Registers
	mem   hal.Bus
	ports []*usbdev.Port
	reset []bool // Port reset asserted

	frames Frames
	now    time.Duration

	// Frames counts frames executed while running.
	Frames int
}

var _ Ticker = (*UHCI)(nil)

// NewUHCI returns a halted controller at PCI address addr decoding I/O
// ports from base, with numPorts root ports (at most 8). Transfer
// descriptors are read from mem.
func NewUHCI(mem hal.Bus, addr pci.Address, base uint32, numPorts int) *UHCI {
	numPorts = min(max(numPorts, 1), uhciMaxPort)
	u := &UHCI{
		fn:     NewFunction(addr, 0x8086, 0x7112, pci.ClassUSBController, 0x00),
		regs:   NewRegisters(UHCIRegisterSize),
		mem:    mem,
		ports:  make([]*usbdev.Port, numPorts),
		reset:  make([]bool, numPorts),
		frames: NewFrames(time.Millisecond),
	}
	u.fn.SetBAR(4, base, UHCIRegisterSize, true)
	u.fn.Config.Set16(0xc0, 0x2000) // LEGSUP power-on value
	for i := range u.ports {
		u.ports[i] = &usbdev.Port{Powered: true}
	}
	u.regs.OnRead = u.read
	u.regs.OnWrite = u.write
	u.hardReset()
	return u
}

// PCI returns the controller's configuration space.
func (u *UHCI) PCI() *Function { return u.fn }

// Registers returns the I/O window to map at the BAR 4 base.
func (u *UHCI) Registers() hal.Bus { return u.regs }

// Ports returns the root ports.
func (u *UHCI) Ports() []*usbdev.Port { return u.ports }

// Attach connects dev to root port (numbered from 1).
func (u *UHCI) Attach(port int, dev *usbdev.Device) {
	u.ports[port-1].Attach(dev)
}

// LegacySupport returns the LEGSUP configuration register.
func (u *UHCI) LegacySupport() uint16 {
	return u.fn.Config.Get16(0xc0)
}

// Running reports whether the schedule is executing.
func (u *UHCI) Running() bool {
	return u.regs.Get16(uhciCmd)&uhciCmdRun != 0
}

func (u *UHCI) hardReset() {
	u.regs.Set16(uhciCmd, 0)
	u.regs.Set16(uhciSts, uhciStsHalted)
	u.regs.Set16(uhciIntr, 0)
	u.regs.Set16(uhciFrNum, 0)
	u.regs.Set(uhciFlBase, 0)
	u.regs.Set8(uhciSOF, 0x40)
	for i, p := range u.ports {
		p.Disable()
		u.reset[i] = false
	}
}

func (u *UHCI) portIndex(off uintptr) (int, bool) {
	if off < uhciPortSC || off >= uhciPortSC+2*uintptr(len(u.ports)) {
		return 0, false
	}
	return int(off-uhciPortSC) / 2, true
}

func (u *UHCI) portStatus(i int) uint16 {
	p := u.ports[i]
	status := uint16(uhciPortValid)
	if p.Connected() {
		status |= uhciPortCCS
		if p.Device.Speed() == usb.SpeedLow {
			status |= uhciPortLS
		}
	}
	if p.Enabled && p.Connected() {
		status |= uhciPortPED
	}
	if u.reset[i] {
		status |= uhciPortPR
	}
	if p.Change&usbdev.PortChangeConnection != 0 {
		status |= uhciPortCSC
	}
	if p.Change&usbdev.PortChangeEnable != 0 {
		status |= uhciPortPEDC
	}
	return status
}

func (u *UHCI) read(off uintptr, size int) {
	if i, ok := u.portIndex(off &^ 1); ok {
		u.regs.Set16(off&^1, u.portStatus(i))
	}
}

func (u *UHCI) write(off uintptr, size int, old, v uint32) {
	switch {
	case off == uhciCmd:
		u.writeCommand(uint16(old), uint16(v))
	case off == uhciSts:
		u.regs.Set16(uhciSts, uint16(old)&^uint16(v))
	default:
		if i, ok := u.portIndex(off); ok && size == 2 {
			u.writePort(i, uint16(v))
		}
	}
}

func (u *UHCI) writeCommand(old, v uint16) {
	if v&uhciCmdReset != 0 {
		pkg.LogDebug(pkg.ComponentSim, "uhci reset")
		u.hardReset()
		return
	}
	status := u.regs.Get16(uhciSts)
	if v&uhciCmdRun != 0 {
		if old&uhciCmdRun == 0 {
			u.frames.Sync(u.now)
		}
		status &^= uhciStsHalted
	} else {
		status |= uhciStsHalted
	}
	u.regs.Set16(uhciSts, status)
}

func (u *UHCI) writePort(i int, v uint16) {
	p := u.ports[i]
	if v&uhciPortCSC != 0 {
		p.Change &^= usbdev.PortChangeConnection
	}
	if v&uhciPortPEDC != 0 {
		p.Change &^= usbdev.PortChangeEnable
	}

	switch {
	case v&uhciPortPR != 0 && !u.reset[i]:
		u.reset[i] = true
		p.Disable()
	case v&uhciPortPR == 0 && u.reset[i]:
		u.reset[i] = false
		p.Reset()
		p.Disable()
	}

	if v&uhciPortPED != 0 {
		if p.Connected() && !u.reset[i] {
			p.Enabled = true
		}
	} else {
		p.Disable()
	}
}

// Advance runs one pass of the schedule for every frame that has elapsed.
func (u *UHCI) Advance(now time.Duration) {
	u.now = now
	n := u.frames.Due(now)
	if u.regs.Get16(uhciSts)&uhciStsHalted != 0 {
		return
	}
	for ; n > 0; n-- {
		u.runFrame()
	}
}

func (u *UHCI) runFrame() {
	frame := u.regs.Get16(uhciFrNum)
	list := uintptr(u.regs.Get(uhciFlBase) &^ 0xfff)
	link := u.mem.Read32(list + 4*uintptr(frame&0x3ff))

	for n := 0; n < uhciMaxLinks && link&uhciLinkT == 0; n++ {
		addr := uintptr(link &^ 0xf)
		if link&uhciLinkQH == 0 {
			u.execTD(addr)
			link = u.mem.Read32(addr)
			continue
		}
		u.runQueue(addr)
		link = u.mem.Read32(addr)
	}

	u.regs.Set16(uhciFrNum, (frame+1)&0x7ff)
	u.Frames++
}

// runQueue executes the element TDs of the queue head at qh until one
// stays pending or halts the queue.
func (u *UHCI) runQueue(qh uintptr) {
	for n := 0; n < uhciMaxLinks; n++ {
		element := u.mem.Read32(qh + 4)
		if element&uhciLinkT != 0 || element&uhciLinkQH != 0 {
			return
		}
		td := uintptr(element &^ 0xf)
		if u.execTD(td) != tdRetired {
			return
		}
		u.mem.Write32(qh+4, u.mem.Read32(td))
	}
}

func (u *UHCI) status(bits uint16) {
	u.regs.Set16(uhciSts, u.regs.Get16(uhciSts)|bits)
}

func (u *UHCI) execTD(td uintptr) tdResult {
	control := u.mem.Read32(td + 4)
	if control&uhciTDActive == 0 {
		return tdRetired
	}
	token := u.mem.Read32(td + 8)
	buf := uintptr(u.mem.Read32(td + 12))
	pid := token & 0xff
	addr := int(token>>8) & 0x7f
	ep := int(token>>15) & 0xf
	maxLen := int((token>>21)+1) & 0x7ff

	fail := func(bit uint32) tdResult {
		u.mem.Write32(td+4, control&^(uhciTDActive|uhciTDNAK)|bit)
		u.status(uhciStsErr)
		return tdHalted
	}

	dev := usbdev.Find(u.ports, addr)
	if dev == nil {
		return fail(uhciTDTimeout)
	}

	var (
		n   int
		err error
	)
	switch pid {
	case uhciPIDSetup:
		var raw [usb.SetupPacketSize]byte
		hal.ReadBlock(u.mem, buf, raw[:])
		var setup usb.SetupPacket
		usb.ParseSetupPacket(raw[:], &setup)
		err = dev.Setup(setup)
		n = usb.SetupPacketSize
	case uhciPIDIn:
		var data []byte
		data, err = dev.In(ep, maxLen)
		if errors.Is(err, usbdev.ErrNAK) {
			u.mem.Write32(td+4, control|uhciTDNAK)
			return tdPending
		}
		hal.WriteBlock(u.mem, buf, data)
		n = len(data)
	case uhciPIDOut:
		data := make([]byte, maxLen)
		hal.ReadBlock(u.mem, buf, data)
		err = dev.Out(ep, data)
		n = maxLen
	default:
		return fail(uhciTDStalled)
	}
	if err != nil {
		return fail(uhciTDStalled)
	}

	control = control&^(uhciTDActive|uhciTDNAK|0x7ff) | uint32(n-1)&0x7ff
	u.mem.Write32(td+4, control)
	if control&uhciTDIOC != 0 {
		u.status(uhciStsInt)
	}
	if pid == uhciPIDIn && n < maxLen && control&uhciTDSPD != 0 {
		u.status(uhciStsInt)
		return tdHalted
	}
	return tdRetired
}
