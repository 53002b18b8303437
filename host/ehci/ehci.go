package ehci

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

// Capability registers.
const (
	capLength     = 0x00 // CAPLENGTH, 8 bits
	capHCIVersion = 0x02 // HCIVERSION, 16 bits
	capHCSParams  = 0x04 // HCSPARAMS
	capHCCParams  = 0x08 // HCCPARAMS
)

// Operational registers, relative to CAPLENGTH.
const (
	regUSBCmd           = 0x00
	regUSBSts           = 0x04
	regUSBIntr          = 0x08
	regFrIndex          = 0x0c
	regCtrlDSSegment    = 0x10
	regPeriodicListBase = 0x14
	regAsyncListAddr    = 0x18
	regConfigFlag       = 0x40
	regPortSC           = 0x44 // 4 bytes per port
)

// RegisterSize is the size of the register window.
const RegisterSize = 0x100

// ExtCapLegacySupport is the extended capability ID of USBLEGSUP.
const ExtCapLegacySupport = 0x01

const (
	hcsPPC = 0x00000010 // Port power control

	cmdRS       = 0x00000001
	cmdHCR      = 0x00000002
	cmdPSE      = 0x00000010
	cmdASE      = 0x00000020
	cmdFLS1024  = 0x00000000
	cmdITCShift = 16

	stsHCH = 0x00001000 // Halted
	stsASS = 0x00008000 // Asynchronous schedule status
)

// PORTSC bits.
const (
	portCCS     = 0x00000001
	portPED     = 0x00000004
	portPR      = 0x00000100
	portLS      = 0x00000c00 // Line status
	portLSK     = 0x00000400
	portPP      = 0x00001000
	portOwner   = 0x00002000 // Companion controller owns the port
	portChanges = 0x0000002a // Write-1-to-clear change bits
)

const (
	linkTerminate = 0x1
	linkQH        = 0x2
)

// qTD token bits.
const (
	qtdPing    = 0x01
	qtdMMF     = 0x04
	qtdXactErr = 0x08
	qtdBabble  = 0x10
	qtdDBErr   = 0x20
	qtdHalted  = 0x40
	qtdActive  = 0x80

	qtdPIDOut   = 0 << 8
	qtdPIDIn    = 1 << 8
	qtdPIDSetup = 2 << 8
	qtdCErr3    = 3 << 10
	qtdToggle   = 1 << 31

	qtdErrorMask = qtdHalted | qtdDBErr | qtdBabble | qtdXactErr | qtdMMF | qtdPing
)

// Queue head endpoint characteristics and capabilities.
const (
	qhHRL      = 0x00008000 // Head of reclamation list
	qhDTC      = 0x00004000 // Data toggle from the qTD
	qhCtrlEP   = 0x08000000
	qhMult1    = 0x40000000
	qhSMask    = 0x00000001
	qhCMaskLow = 0x00001c00
)

// Endpoint speed encoding.
const (
	speedFull = 0
	speedLow  = 1
	speedHigh = 2
)

const (
	frameListLength = 1024

	// Queue head field offsets.
	qhLink       = 0x00
	qhEPChar     = 0x04
	qhEPCaps     = 0x08
	qhNextQTD    = 0x10
	qhAltNextQTD = 0x14
	qhToken      = 0x18

	qhSize  = 0x60
	qtdSize = 0x40

	// Workspace layout. QH 0 is the control queue; QH 1+i and qTD 3+i
	// serve keyboard i.
	qhOffset     = 0x000
	qtdOffset    = 0x380
	setupOffset  = 0x640
	reportOffset = 0x660
	dataOffset   = 0x700
	wsSize       = dataOffset + host.DataBufferSize
)

// Timing.
const (
	handoffTimeout  = 1 * time.Second
	handoffPoll     = 1 * time.Millisecond
	haltTimeout     = 1 * time.Second
	resetRecovery   = 1 * time.Millisecond
	resetTimeout    = 1 * time.Second
	portPowerUp     = 20 * time.Millisecond
	portResetTime   = 50 * time.Millisecond
	portResetEnd    = 5 * time.Millisecond
	portDisableWait = 1 * time.Second
	attachDelay     = 100 * time.Millisecond
	transferTimeout = 1 * time.Second
	transferPoll    = 10 * time.Microsecond

	// Root hub power-up delay, 2 ms units.
	rootPowerUpDelay = 10

	maxExtCaps = 48
)

// Driver operates one EHCI controller.
type Driver struct {
	hcd       *host.Controller
	caps      hal.Region
	op        hal.Region
	mem       hal.Bus
	clock     hal.Clock
	frameList uintptr
	ws        uintptr

	keyboards []host.Endpoint
	prev      [host.MaxKeyboards]hid.KeyboardReport
}

var _ host.Driver = (*Driver)(nil)

func (d *Driver) reg(off uintptr) hal.Reg32 { return d.op.Reg32(off) }

func (d *Driver) portSC(index int) hal.Reg32 { return d.op.Reg32(regPortSC + uintptr(4*index)) }

func (d *Driver) qh(i int) uintptr { return d.ws + qhOffset + uintptr(i*qhSize) }

func (d *Driver) qtd(i int) uintptr { return d.ws + qtdOffset + uintptr(i*qtdSize) }

func (d *Driver) report(i int) uintptr { return d.ws + reportOffset + uintptr(i*hid.KeyboardReportSize) }

func opRegion(caps hal.Region) hal.Region {
	return caps.Sub(uintptr(caps.Reg8(capLength).Read()))
}

func halt(op hal.Region, clock hal.Clock) error {
	op.Reg32(regUSBCmd).Clear(cmdRS)
	if !hal.WaitUntilSet(clock, op.Reg32(regUSBSts), stsHCH, haltTimeout) {
		return fmt.Errorf("ehci halt: %w", pkg.ErrTimeout)
	}
	return nil
}

func resetController(op hal.Region, clock hal.Clock) error {
	op.Reg32(regUSBCmd).Set(cmdHCR)
	clock.Delay(resetRecovery)
	if !hal.WaitUntilClr(clock, op.Reg32(regUSBCmd), cmdHCR, resetTimeout) {
		return fmt.Errorf("ehci reset: %w", pkg.ErrTimeout)
	}
	return nil
}

// Reset takes the controller from the BIOS through the legacy support
// extended capability, then halts and resets it.
func Reset(p hal.Platform, addr pci.Address, base uintptr) error {
	caps, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return err
	}

	ptr := int(caps.Reg32(capHCCParams).Read()>>8) & 0xff
	for n := 0; ptr != 0 && n < maxExtCaps; n++ {
		id := p.PCI.Read8(addr.Bus, addr.Dev, addr.Func, ptr)
		if id == ExtCapLegacySupport {
			pkg.LogDebug(pkg.ComponentEHCI, "requesting ownership", "addr", addr.String(), "cap", ptr)
			p.PCI.Write8(addr.Bus, addr.Dev, addr.Func, ptr+3, 1)
			owned := hal.PollUntil(p.Clock, handoffTimeout, handoffPoll, func() bool {
				return p.PCI.Read8(addr.Bus, addr.Dev, addr.Func, ptr+2)&1 == 0
			})
			if !owned {
				return fmt.Errorf("ehci %s: %w", addr, pkg.ErrHandoff)
			}
		}
		ptr = int(p.PCI.Read8(addr.Bus, addr.Dev, addr.Func, ptr+1))
	}

	op := opRegion(caps)
	if err := halt(op, p.Clock); err != nil {
		return err
	}
	return resetController(op, p.Clock)
}

func ehciSpeed(speed usb.Speed) uint32 {
	switch speed {
	case usb.SpeedLow:
		return speedLow
	case usb.SpeedHigh:
		return speedHigh
	default:
		return speedFull
	}
}

// buildQTD fills qTD i. A qTD other than final links to the next one and
// falls through to final on a short packet.
func (d *Driver) buildQTD(i, final int, pid, toggle uint32, buf uintptr, length int) {
	qtd := d.qtd(i)
	hal.Zero(d.mem, qtd, qtdSize)
	if i != final {
		d.mem.Write32(qtd, uint32(d.qtd(i+1)))
		d.mem.Write32(qtd+4, uint32(d.qtd(final)))
	} else {
		d.mem.Write32(qtd, linkTerminate)
		d.mem.Write32(qtd+4, linkTerminate)
	}
	token := qtdActive | qtdCErr3 | pid | toggle
	bits.SetN(&token, 16, 0x7fff, uint32(length)&0x7fff)
	d.mem.Write32(qtd+8, token)
	d.mem.Write32(qtd+12, uint32(buf))
}

// buildQH fills queue head i for ep, pointing it at qTD first. The hub
// address and port of the transaction translator travel in
// ep.DriverData.
func (d *Driver) buildQH(i int, ep *host.Endpoint, first int, interrupt bool) {
	qh := d.qh(i)
	hal.Zero(d.mem, qh, qhSize)

	var char uint32
	bits.SetN(&char, 16, 0x7ff, uint32(ep.MaxPacketSize)&0x7ff)
	bits.SetN(&char, 12, 0x3, ehciSpeed(ep.Speed))
	bits.SetN(&char, 8, 0xf, uint32(ep.EndpointNum)&0xf)
	bits.SetN(&char, 0, 0x7f, uint32(ep.DeviceID)&0x7f)
	char |= qhDTC

	caps := uint32(qhMult1)
	bits.SetN(&caps, 23, 0x7f, uint32(ep.DriverData>>8)&0x7f)
	bits.SetN(&caps, 16, 0x7f, uint32(ep.DriverData)&0x7f)

	if ep.Speed < usb.SpeedHigh && ep.EndpointNum == 0 {
		char |= qhCtrlEP
	}
	if interrupt {
		caps |= qhSMask
		if ep.Speed < usb.SpeedHigh {
			caps |= qhCMaskLow
		}
	} else {
		char |= qhHRL
	}

	d.mem.Write32(qh+qhLink, uint32(qh)|linkQH)
	d.mem.Write32(qh+qhEPChar, char)
	d.mem.Write32(qh+qhEPCaps, caps)
	d.mem.Write32(qh+qhNextQTD, uint32(d.qtd(first)))
}

// asyncTransfer runs the control queue until qTDs 0 to n-1 have retired
// or one of them has failed.
func (d *Driver) asyncTransfer(n int) error {
	d.reg(regUSBCmd).Set(cmdASE)
	defer func() {
		d.reg(regUSBCmd).Clear(cmdASE)
		hal.WaitUntilClr(d.clock, d.reg(regUSBSts), stsASS, haltTimeout)
	}()

	for i := 0; i < n; i++ {
		qtd := d.qtd(i)
		retired := hal.PollUntil(d.clock, transferTimeout, transferPoll, func() bool {
			return d.mem.Read32(qtd+8)&qtdActive == 0
		})
		if !retired {
			return fmt.Errorf("ehci transfer: %w", pkg.ErrTimeout)
		}
		if status := d.mem.Read32(qtd+8) & 0xff; status&qtdErrorMask != 0 {
			return fmt.Errorf("ehci transfer status %#02x: %w", status, pkg.ErrTransfer)
		}
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

func (d *Driver) resetPort(index int) error {
	sc := d.portSC(index)
	status := sc.Read() &^ (portPED | portChanges)
	sc.Flush(status | portPR)
	d.clock.Delay(portResetTime)
	sc.Write(status &^ portPR)
	if !hal.WaitUntilClr(d.clock, sc, portPR, portResetEnd) {
		return fmt.Errorf("port %d reset: %w", index+1, pkg.ErrTimeout)
	}
	return nil
}

func (d *Driver) disablePort(index int) {
	sc := d.portSC(index)
	sc.Write(sc.Read() &^ (portPED | portChanges))
	hal.WaitUntilClr(d.clock, sc, portPED, portDisableWait)
}

// releasePort hands the port to a companion controller.
func (d *Driver) releasePort(index int) {
	sc := d.portSC(index)
	sc.Write(sc.Read()&^portChanges | portOwner)
}

// ResetRootHubPort resets root port (numbered from 1).
func (d *Driver) ResetRootHubPort(port int) error {
	return d.resetPort(port - 1)
}

// AssignAddress records the transaction translator serving the device
// before the default address assignment.
func (d *Driver) AssignAddress(hub host.Hub, port int, speed usb.Speed, id int, ep0 *host.Endpoint) error {
	parent := host.HSParent(hub, port, speed)
	ep0.DriverData = uintptr(parent.Port<<8 | parent.DeviceID)
	return d.hcd.AssignUSBAddress(hub, port, speed, id, ep0)
}

// SetupRequest issues a control request without a data stage.
func (d *Driver) SetupRequest(ep *host.Endpoint, setup usb.SetupPacket) error {
	d.buildQTD(0, 1, qtdPIDSetup, 0, d.writeSetup(setup), usb.SetupPacketSize)
	d.buildQTD(1, 1, qtdPIDIn, qtdToggle, 0, 0)
	d.buildQH(0, ep, 0, false)
	return d.asyncTransfer(2)
}

// GetDataRequest issues a control request with an IN data stage of
// len(dst) bytes.
func (d *Driver) GetDataRequest(ep *host.Endpoint, setup usb.SetupPacket, dst []byte) error {
	if len(dst) > host.DataBufferSize {
		return fmt.Errorf("ehci data stage of %d bytes: %w", len(dst), pkg.ErrBufferTooSmall)
	}
	d.buildQTD(0, 2, qtdPIDSetup, 0, d.writeSetup(setup), usb.SetupPacketSize)
	d.buildQTD(1, 2, qtdPIDIn, qtdToggle, d.ws+dataOffset, len(dst))
	d.buildQTD(2, 2, qtdPIDOut, qtdToggle, 0, 0)
	d.buildQH(0, ep, 0, false)
	if err := d.asyncTransfer(3); err != nil {
		return err
	}
	hal.ReadBlock(d.mem, d.ws+dataOffset, dst)
	return nil
}

// PollKeyboards processes every retired keyboard qTD and re-arms it with
// the data toggle the queue head carried forward.
func (d *Driver) PollKeyboards() {
	for i := range d.keyboards {
		qtd := d.qtd(3 + i)
		token := d.mem.Read32(qtd + 8)
		if token&qtdActive != 0 {
			continue
		}

		if token&qtdErrorMask == 0 {
			var buf [hid.KeyboardReportSize]byte
			hal.ReadBlock(d.mem, d.report(i), buf[:])
			var report hid.KeyboardReport
			hid.ParseKeyboardReport(buf[:], &report)
			if d.hcd.ProcessKeyboardReport(&report, &d.prev[i]) {
				d.prev[i] = report
			}
		} else {
			pkg.LogDebug(pkg.ComponentEHCI, "keyboard transfer error",
				"keyboard", i, "status", fmt.Sprintf("%#02x", token&0xff))
		}

		qh := d.qh(1 + i)
		toggle := d.mem.Read32(qh+qhToken) & qtdToggle
		d.buildQTD(3+i, 3+i, qtdPIDIn, toggle, d.report(i), hid.KeyboardReportSize)
		d.mem.Write32(qh+qhToken, toggle)
		d.mem.Write32(qh+qhNextQTD, uint32(qtd))
	}
}

// Probe starts the controller at base and enumerates its high speed root
// ports, handing low and full speed devices to the companion controllers.
// If no keyboard is found the controller is halted, its memory is
// returned to the heap and pkg.ErrNoKeyboard is returned.
func Probe(p hal.Platform, base uintptr, opts host.Options, console *host.Console) (*host.Controller, []host.Endpoint, error) {
	caps, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return nil, nil, err
	}

	mark := p.LowHeap.Mark()
	fail := func(err error) (*host.Controller, []host.Endpoint, error) {
		p.LowHeap.Rewind(mark)
		return nil, nil, err
	}

	// Not every controller supports a programmable list length, so the
	// default 1024 entries are used.
	frameList, err := p.LowHeap.Alloc(frameListLength*4, pmem.PageSize)
	if err != nil {
		return fail(err)
	}
	for i := 0; i < frameListLength; i++ {
		p.Mem.Write32(frameList+uintptr(4*i), linkTerminate)
	}

	ws, err := p.LowHeap.Alloc(wsSize, pmem.PageSize)
	if err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, ws, wsSize)

	d := &Driver{
		caps:      caps,
		op:        opRegion(caps),
		mem:       p.Mem,
		clock:     p.Clock,
		frameList: frameList,
		ws:        ws,
	}
	d.hcd = host.NewController("EHCI", d, p.Clock, opts, console)

	d.reg(regFrIndex).Write(0)
	d.reg(regCtrlDSSegment).Write(0)
	d.reg(regPeriodicListBase).Write(uint32(frameList))
	d.reg(regAsyncListAddr).Write(uint32(d.qh(0)))
	d.reg(regUSBCmd).Write(cmdRS | cmdFLS1024 | 8<<cmdITCShift)
	if !hal.WaitUntilClr(p.Clock, d.reg(regUSBSts), stsHCH, haltTimeout) {
		return fail(fmt.Errorf("ehci start: %w", pkg.ErrTimeout))
	}
	d.reg(regConfigFlag).Flush(1)

	hcs := caps.Reg32(capHCSParams).Read()
	root := host.Hub{
		NumPorts:     int(hcs & 0xf),
		PowerUpDelay: rootPowerUpDelay,
	}
	companions := int(hcs>>12) & 0xf

	if hcs&hcsPPC != 0 {
		powered := false
		for index := 0; index < root.NumPorts; index++ {
			sc := d.portSC(index)
			if status := sc.Read(); status&portPP == 0 {
				sc.Flush(status&^portChanges | portPP)
				powered = true
			}
		}
		if powered {
			p.Clock.Delay(portPowerUp)
		}
	}
	p.Clock.Delay(attachDelay)

	scan := host.NewScan(host.MaxKeyboards)
	slow := 0
	for index := 0; index < root.NumPorts; index++ {
		if scan.Full() {
			break
		}
		status := d.portSC(index).Read()
		if status&portPP == 0 || status&portCCS == 0 {
			continue
		}

		if status&portLS == portLSK {
			if companions > 0 {
				d.releasePort(index)
			}
			slow++
			continue
		}

		if err := d.hcd.ResetHubPort(root, index+1); err != nil {
			pkg.LogDebug(pkg.ComponentEHCI, "port reset failed", "port", index+1, "error", err)
			continue
		}
		if d.portSC(index).Read()&portPED == 0 {
			// Full speed devices don't complete the high speed chirp.
			if companions > 0 {
				d.releasePort(index)
			}
			slow++
			continue
		}

		scan.NumDevices++
		if d.hcd.FindAttachedKeyboards(scan, root, index+1, usb.SpeedHigh, scan.NumDevices) {
			continue
		}
		d.disablePort(index)
	}

	console.Printf(" Found %d low/full speed device%s, %d high speed device%s, %d keyboard%s",
		slow, plural(slow), scan.NumDevices, plural(scan.NumDevices),
		len(scan.Keyboards), plural(len(scan.Keyboards)))
	if slow > 0 && companions > 0 {
		console.Printf(" Handed over low/full speed devices to companion controllers")
	}
	pkg.LogInfo(pkg.ComponentEHCI, "scan complete",
		"base", fmt.Sprintf("%#x", base), "ports", root.NumPorts, "companions", companions,
		"released", slow, "devices", scan.NumDevices, "keyboards", len(scan.Keyboards))

	if len(scan.Keyboards) == 0 {
		if err := halt(d.op, p.Clock); err != nil {
			pkg.LogWarn(pkg.ComponentEHCI, "halt failed", "error", err)
		}
		return fail(pkg.ErrNoKeyboard)
	}
	d.keyboards = scan.Keyboards
	d.schedule()
	return d.hcd, d.keyboards, nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// schedule gives each keyboard an interrupt queue head holding one qTD,
// chains the queue heads and installs the chain in the frame list at the
// shortest polling interval, then enables the periodic schedule.
func (d *Driver) schedule() {
	minInterval := frameListLength
	head := uint32(linkTerminate)
	for i := range d.keyboards {
		kbd := &d.keyboards[i]
		d.buildQTD(3+i, 3+i, qtdPIDIn, 0, d.report(i), hid.KeyboardReportSize)
		d.buildQH(1+i, kbd, 3+i, true)
		d.mem.Write32(d.qh(1+i)+qhLink, head)
		head = uint32(d.qh(1+i)) | linkQH

		if kbd.Interval > 0 && kbd.Interval < minInterval {
			minInterval = kbd.Interval
		}
	}

	for i := 0; i < frameListLength; i += minInterval {
		d.mem.Write32(d.frameList+uintptr(4*i), head)
	}
	d.reg(regUSBCmd).Set(cmdPSE)
}
