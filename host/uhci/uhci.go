package uhci

import (
	"fmt"
	"time"

	"github.com/usbarmory/tamago/bits"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/host/pmem"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

// PCI configuration registers.
const (
	RegLegacySupport   = 0xc0   // LEGSUP
	LegacySupportClear = 0x8f00 // Trap status bits and A20 pass-through
)

// I/O registers.
const (
	regCommand   = 0x00 // USBCMD
	regStatus    = 0x02 // USBSTS
	regInterrupt = 0x04 // USBINTR
	regFrameNum  = 0x06 // FRNUM
	regFrameBase = 0x08 // FLBASEADD
	regSOF       = 0x0c // SOFMOD
	regPortSC    = 0x10 // PORTSC1, 2 bytes per port
)

// USBCMD bits.
const (
	cmdRun       = 0x0001
	cmdReset     = 0x0002
	cmdMaxPacket = 0x0080 // 64 byte bandwidth reclamation packets
)

// USBSTS bits.
const (
	stsInterrupt = 0x0001
	stsError     = 0x0002
	stsHalted    = 0x0020
)

// PORTSC bits.
const (
	portConnected = 0x0001
	portEnabled   = 0x0004
	portValid     = 0x0080 // Reserved, always reads 1
	portLowSpeed  = 0x0100
	portReset     = 0x0200
)

// Link pointer bits.
const (
	linkTerminate  = 0x1
	linkQH         = 0x2
	linkDepthFirst = 0x4
)

// TD control and status bits.
const (
	tdBitstuff   = 1 << 17
	tdTimeout    = 1 << 18
	tdNAK        = 1 << 19
	tdBabble     = 1 << 20
	tdDataBuffer = 1 << 21
	tdStalled    = 1 << 22
	tdActive     = 1 << 23
	tdIOC        = 1 << 24
	tdLowSpeed   = 1 << 26
	tdShortPkt   = 1 << 29

	tdErrorMask = tdStalled | tdDataBuffer | tdBabble | tdTimeout | tdBitstuff
)

// Token packet identifiers.
const (
	pidOut   = 0xe1
	pidIn    = 0x69
	pidSetup = 0x2d
)

const (
	frameListLength = 1024
	sofDefault      = 0x40 // 1 ms frames from a 12 MHz clock
	maxPorts        = 8    // Ports are probed until one reads invalid
	maxPackets      = 32   // Data packets per control transfer

	tdSize = 32
	qhSize = 16

	// Workspace layout. QH 0 is the control queue; QH and TD 1+i serve
	// keyboard i.
	qhOffset     = 0x000
	tdOffset     = 0x100 // 2+maxPackets TDs for control transfers
	kbdTDOffset  = 0x600 // One TD per keyboard
	setupOffset  = 0x700
	reportOffset = 0x740 // Keyboard report buffers
	dataOffset   = 0x800
	wsSize       = dataOffset + host.DataBufferSize
)

// Timing.
const (
	resetRecovery   = 1 * time.Millisecond
	haltTimeout     = 1 * time.Second
	portResetPulse  = 10 * time.Millisecond
	portResetPulses = 5
	portResetSettle = 5 * time.Millisecond
	portEnableWait  = 1 * time.Second
	attachDelay     = 100 * time.Millisecond
	transferTimeout = 1 * time.Second
	transferPoll    = 10 * time.Microsecond
)

// Driver operates one UHCI controller.
type Driver struct {
	hcd   *host.Controller
	regs  hal.Region
	mem   hal.Bus
	clock hal.Clock

	frameList uintptr
	ws        uintptr

	keyboards []host.Endpoint
	prev      [host.MaxKeyboards]hid.KeyboardReport
}

var _ host.Driver = (*Driver)(nil)

func (d *Driver) reg16(off uintptr) hal.Reg16 { return d.regs.Reg16(off) }

func (d *Driver) portSC(index int) hal.Reg16 { return d.regs.Reg16(regPortSC + uintptr(2*index)) }

func (d *Driver) qh(i int) uintptr { return d.ws + qhOffset + uintptr(i*qhSize) }

func (d *Driver) td(i int) uintptr { return d.ws + tdOffset + uintptr(i*tdSize) }

func (d *Driver) kbdTD(i int) uintptr { return d.ws + kbdTDOffset + uintptr(i*tdSize) }

func (d *Driver) report(i int) uintptr { return d.ws + reportOffset + uintptr(i*hid.KeyboardReportSize) }

// waitClr16 and waitSet16 poll a 16-bit I/O register every 8 µs.
func waitClr16(clock hal.Clock, reg hal.Reg16, mask uint16, maxTime time.Duration) bool {
	return hal.PollUntil(clock, maxTime, 0, func() bool { return reg.Read()&mask == 0 })
}

func waitSet16(clock hal.Clock, reg hal.Reg16, mask uint16, maxTime time.Duration) bool {
	return hal.PollUntil(clock, maxTime, 0, func() bool { return reg.Read()&mask == mask })
}

func resetController(regs hal.Region, clock hal.Clock) bool {
	regs.Reg16(regCommand).Set(cmdReset)
	clock.Delay(resetRecovery)
	return waitClr16(clock, regs.Reg16(regCommand), cmdReset, haltTimeout)
}

func startController(regs hal.Region, clock hal.Clock) bool {
	regs.Reg16(regCommand).Write(cmdRun | cmdMaxPacket)
	return waitClr16(clock, regs.Reg16(regStatus), stsHalted, haltTimeout)
}

func haltController(regs hal.Region, clock hal.Clock) bool {
	regs.Reg16(regCommand).Clear(cmdRun)
	return waitSet16(clock, regs.Reg16(regStatus), stsHalted, haltTimeout)
}

// Reset silences the SMM keyboard emulation traps, then halts and resets
// the controller at I/O base.
func Reset(p hal.Platform, addr pci.Address, base uintptr) error {
	p.PCI.Write16(addr.Bus, addr.Dev, addr.Func, RegLegacySupport, LegacySupportClear)

	regs, err := hal.NewRegion(p.IO, base, 0x20)
	if err != nil {
		return err
	}
	if !haltController(regs, p.Clock) {
		return fmt.Errorf("uhci %#x halt: %w", base, pkg.ErrTimeout)
	}
	if !resetController(regs, p.Clock) {
		return fmt.Errorf("uhci %#x reset: %w", base, pkg.ErrTimeout)
	}
	return nil
}

// resetPort holds the port in reset for 50 ms, re-asserting the reset
// every 10 ms, and waits for the reset to be released.
func (d *Driver) resetPort(index int) error {
	sc := d.portSC(index)
	status := sc.Read() &^ portEnabled
	for i := 0; i < portResetPulses; i++ {
		sc.Write(status | portReset)
		d.clock.Delay(portResetPulse)
	}
	sc.Write(status &^ portReset)
	if !waitClr16(d.clock, sc, portReset, portResetSettle) {
		return fmt.Errorf("port %d reset: %w", index+1, pkg.ErrTimeout)
	}
	return nil
}

func (d *Driver) enablePort(index int) error {
	sc := d.portSC(index)
	sc.Write(sc.Read() | portEnabled)
	if !waitSet16(d.clock, sc, portEnabled, portEnableWait) {
		return fmt.Errorf("port %d enable: %w", index+1, pkg.ErrTimeout)
	}
	return nil
}

func (d *Driver) disablePort(index int) {
	sc := d.portSC(index)
	sc.Write(sc.Read() &^ portEnabled)
	waitClr16(d.clock, sc, portEnabled, portEnableWait)
}

// buildTD fills the TD at addr. A TD with interrupt on completion ends
// its chain; any other links depth first to the TD that follows it.
func (d *Driver) buildTD(addr uintptr, ep *host.Endpoint, pid uint32, toggle uint32, options uint32, buf uintptr, length int) {
	link := uint32(linkTerminate)
	if options&tdIOC == 0 {
		link = uint32(addr+tdSize) | linkDepthFirst
	}

	control := options | tdActive
	bits.SetN(&control, 27, 0x3, 3) // Error counter
	if ep.Speed == usb.SpeedLow {
		control |= tdLowSpeed
	}

	token := pid
	bits.SetN(&token, 8, 0x7f, uint32(ep.DeviceID))
	bits.SetN(&token, 15, 0xf, uint32(ep.EndpointNum))
	bits.SetN(&token, 19, 0x1, toggle)
	bits.SetN(&token, 21, 0x7ff, uint32(length-1)&0x7ff)

	d.mem.Write32(addr, link)
	d.mem.Write32(addr+4, control)
	d.mem.Write32(addr+8, token)
	d.mem.Write32(addr+12, uint32(buf))
}

// done returns the interrupt and error status bits, acknowledging them. A
// control queue left pointing at a TD counts as an error.
func (d *Driver) done() uint16 {
	status := d.reg16(regStatus).Read() & (stsInterrupt | stsError)
	if status == 0 {
		return 0
	}
	element := d.mem.Read32(d.qh(0) + 4)
	if status&stsError != 0 || element != linkTerminate {
		td := uintptr(element &^ 0xf)
		pkg.LogDebug(pkg.ComponentUHCI, "transfer failed",
			"td", fmt.Sprintf("%#08x", td),
			"status", fmt.Sprintf("%#08x", d.mem.Read32(td+4)),
			"token", fmt.Sprintf("%#08x", d.mem.Read32(td+8)))
		d.mem.Write32(d.qh(0)+4, linkTerminate)
		status |= stsError
	}
	d.reg16(regStatus).Write(stsInterrupt | stsError)
	return status
}

func (d *Driver) run() error {
	d.mem.Write32(d.qh(0)+4, uint32(d.td(0)))
	var status uint16
	if !hal.PollUntil(d.clock, transferTimeout, transferPoll, func() bool {
		status = d.done()
		return status != 0
	}) {
		d.mem.Write32(d.qh(0)+4, linkTerminate)
		return fmt.Errorf("uhci transfer: %w", pkg.ErrTimeout)
	}
	if status&stsError != 0 {
		return fmt.Errorf("uhci transfer: %w", pkg.ErrTransfer)
	}
	return nil
}

func (d *Driver) writeSetup(setup usb.SetupPacket) uintptr {
	var buf [usb.SetupPacketSize]byte
	setup.MarshalTo(buf[:])
	addr := d.ws + setupOffset
	hal.WriteBlock(d.mem, addr, buf[:])
	return addr
}

// ResetRootHubPort resets root port (numbered from 1).
func (d *Driver) ResetRootHubPort(port int) error {
	return d.resetPort(port - 1)
}

// AssignAddress uses the default address assignment.
func (d *Driver) AssignAddress(hub host.Hub, port int, speed usb.Speed, id int, ep0 *host.Endpoint) error {
	return d.hcd.AssignUSBAddress(hub, port, speed, id, ep0)
}

// SetupRequest issues a control request without a data stage.
func (d *Driver) SetupRequest(ep *host.Endpoint, setup usb.SetupPacket) error {
	d.mem.Write32(d.qh(0)+4, linkTerminate)
	d.buildTD(d.td(0), ep, pidSetup, 0, 0, d.writeSetup(setup), usb.SetupPacketSize)
	d.buildTD(d.td(1), ep, pidIn, 1, tdIOC, 0, 0)
	return d.run()
}

// GetDataRequest issues a control request with an IN data stage of
// len(dst) bytes.
func (d *Driver) GetDataRequest(ep *host.Endpoint, setup usb.SetupPacket, dst []byte) error {
	length := len(dst)
	size := ep.MaxPacketSize
	if size <= 0 || length > maxPackets*size || length > host.DataBufferSize {
		return fmt.Errorf("uhci data stage of %d bytes: %w", length, pkg.ErrBufferTooSmall)
	}

	d.mem.Write32(d.qh(0)+4, linkTerminate)
	pkt := 0
	d.buildTD(d.td(pkt), ep, pidSetup, 0, 0, d.writeSetup(setup), usb.SetupPacketSize)
	pkt++
	buf := d.ws + dataOffset
	for ; length > size; length -= size {
		d.buildTD(d.td(pkt), ep, pidIn, uint32(pkt&1), tdShortPkt, buf, size)
		buf += uintptr(size)
		pkt++
	}
	d.buildTD(d.td(pkt), ep, pidIn, uint32(pkt&1), 0, buf, length)
	pkt++
	d.buildTD(d.td(pkt), ep, pidOut, 1, tdIOC, 0, 0)

	if err := d.run(); err != nil {
		return err
	}
	hal.ReadBlock(d.mem, d.ws+dataOffset, dst)
	return nil
}

// PollKeyboards processes every completed keyboard TD and re-arms it.
func (d *Driver) PollKeyboards() {
	if d.reg16(regStatus).Read()&(stsInterrupt|stsError) == 0 {
		return
	}
	d.reg16(regStatus).Write(stsInterrupt | stsError)

	for i := range d.keyboards {
		td := d.kbdTD(i)
		control := d.mem.Read32(td + 4)
		if control&tdActive != 0 {
			continue
		}
		if control&tdErrorMask == 0 {
			var buf [hid.KeyboardReportSize]byte
			hal.ReadBlock(d.mem, d.report(i), buf[:])
			var report hid.KeyboardReport
			hid.ParseKeyboardReport(buf[:], &report)
			if d.hcd.ProcessKeyboardReport(&report, &d.prev[i]) {
				d.prev[i] = report
			}
			d.mem.Write32(td+8, d.mem.Read32(td+8)^1<<19)
		} else {
			pkg.LogDebug(pkg.ComponentUHCI, "keyboard transfer error",
				"keyboard", i, "status", fmt.Sprintf("%#08x", control))
		}
		d.mem.Write32(td+4, d.mem.Read32(td+16))
		d.mem.Write32(d.qh(1+i)+4, uint32(td))
	}
}

// Probe starts the controller at I/O base and enumerates its root ports.
// If no keyboard is found the controller is halted, its memory is
// returned to the heap and pkg.ErrNoKeyboard is returned.
func Probe(p hal.Platform, base uintptr, opts host.Options, console *host.Console) (*host.Controller, []host.Endpoint, error) {
	regs, err := hal.NewRegion(p.IO, base, 0x20)
	if err != nil {
		return nil, nil, err
	}
	mark := p.LowHeap.Mark()
	fail := func(err error) (*host.Controller, []host.Endpoint, error) {
		p.LowHeap.Rewind(mark)
		return nil, nil, err
	}

	frameList, err := p.LowHeap.Alloc(frameListLength*4, pmem.PageSize)
	if err != nil {
		return fail(err)
	}
	ws, err := p.LowHeap.Alloc(wsSize, pmem.PageSize)
	if err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, ws, wsSize)

	d := &Driver{regs: regs, mem: p.Mem, clock: p.Clock, frameList: frameList, ws: ws}
	d.hcd = host.NewController("UHCI", d, p.Clock, opts, console)

	d.mem.Write32(d.qh(0), linkTerminate)
	d.mem.Write32(d.qh(0)+4, linkTerminate)
	for i := 0; i < frameListLength; i++ {
		d.mem.Write32(frameList+uintptr(4*i), uint32(d.qh(0))|linkQH)
	}

	d.reg16(regInterrupt).Write(0)
	d.reg16(regFrameNum).Write(0)
	regs.Reg32(regFrameBase).Write(uint32(frameList))
	regs.Reg8(regSOF).Write(sofDefault)
	if !startController(regs, p.Clock) {
		return fail(fmt.Errorf("uhci %#x start: %w", base, pkg.ErrTimeout))
	}

	root := host.Hub{NumPorts: maxPorts}
	p.Clock.Delay(attachDelay)

	scan := host.NewScan(host.MaxKeyboards)
	for index := 0; index < root.NumPorts; index++ {
		if scan.Full() {
			break
		}
		status := d.portSC(index).Read()
		if status&portValid == 0 || status == 0xffff {
			root.NumPorts = index
			break
		}
		if status&portConnected == 0 {
			continue
		}
		if err := d.hcd.ResetHubPort(root, index+1); err != nil {
			pkg.LogDebug(pkg.ComponentUHCI, "port reset failed", "port", index+1, "error", err)
			continue
		}
		if err := d.enablePort(index); err != nil {
			continue
		}
		status = d.portSC(index).Read()
		if status&portEnabled == 0 {
			continue
		}

		scan.NumDevices++
		speed := usb.SpeedFull
		if status&portLowSpeed != 0 {
			speed = usb.SpeedLow
		}
		if d.hcd.FindAttachedKeyboards(scan, root, index+1, speed, scan.NumDevices) {
			continue
		}
		d.disablePort(index)
	}

	console.Printf("%s", scan.Summary())
	pkg.LogInfo(pkg.ComponentUHCI, "scan complete",
		"base", fmt.Sprintf("%#x", base), "ports", root.NumPorts,
		"devices", scan.NumDevices, "keyboards", len(scan.Keyboards))

	if len(scan.Keyboards) == 0 {
		haltController(regs, p.Clock)
		return fail(pkg.ErrNoKeyboard)
	}
	d.keyboards = scan.Keyboards
	d.schedule()
	return d.hcd, d.keyboards, nil
}

// schedule builds one interrupt QH and TD per keyboard, chains the QHs
// together and places the chain in the frame list at the shortest
// keyboard polling interval.
func (d *Driver) schedule() {
	minInterval := frameListLength
	first := uint32(linkTerminate)
	for i := range d.keyboards {
		kbd := &d.keyboards[i]
		qh, td := d.qh(1+i), d.kbdTD(i)

		d.buildTD(td, kbd, pidIn, 0, tdIOC, d.report(i), hid.KeyboardReportSize)
		d.mem.Write32(td+16, d.mem.Read32(td+4)) // Saved for re-arming

		d.mem.Write32(qh+4, uint32(td))
		d.mem.Write32(qh, first)
		first = uint32(qh) | linkQH

		if kbd.Interval > 0 && kbd.Interval < minInterval {
			minInterval = kbd.Interval
		}
	}

	for i := 0; i < frameListLength; i++ {
		d.mem.Write32(d.frameList+uintptr(4*i), linkTerminate)
	}
	for i := 0; i < frameListLength; i += minInterval {
		d.mem.Write32(d.frameList+uintptr(4*i), first)
	}
}
