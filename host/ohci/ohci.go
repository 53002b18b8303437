package ohci

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

// Operational registers.
const (
	regRevision      = 0x00 // HcRevision
	regControl       = 0x04 // HcControl
	regCommandStatus = 0x08 // HcCommandStatus
	regIntrStatus    = 0x0c // HcInterruptStatus
	regIntrEnable    = 0x10 // HcInterruptEnable
	regIntrDisable   = 0x14 // HcInterruptDisable
	regHCCA          = 0x18 // HcHCCA
	regCtrlHeadED    = 0x20 // HcControlHeadED
	regCtrlCurrentED = 0x24 // HcControlCurrentED
	regBulkHeadED    = 0x28 // HcBulkHeadED
	regBulkCurrentED = 0x2c // HcBulkCurrentED
	regFmInterval    = 0x34 // HcFmInterval
	regPeriodicStart = 0x40 // HcPeriodicStart
	regRhDescriptorA = 0x48 // HcRhDescriptorA
	regRhDescriptorB = 0x4c // HcRhDescriptorB
	regRhStatus      = 0x50 // HcRhStatus
	regRhPortStatus  = 0x54 // HcRhPortStatus[1], 4 bytes per port

	// RegisterSize is the size of the register window.
	RegisterSize = 0x1000

	// Revision is the only interface revision supported.
	Revision = 0x10
)

// HcControl bits.
const (
	ctrlCBSR0   = 0x00000000
	ctrlPLE     = 0x00000004 // Periodic list enable
	ctrlCLE     = 0x00000010 // Control list enable
	ctrlHCFS    = 0x000000c0 // Functional state
	ctrlHCFSRst = 0x00000000
	ctrlHCFSRes = 0x00000040
	ctrlHCFSRun = 0x00000080
	ctrlHCFSSus = 0x000000c0
	ctrlIR      = 0x00000100 // Interrupt routing, set while the SMM owns the controller
)

// HcCommandStatus bits.
const (
	cmdHCR = 0x00000001 // Host controller reset
	cmdCLF = 0x00000002 // Control list filled
	cmdOCR = 0x00000008 // Ownership change request
)

// HcInterruptStatus bits.
const (
	intrWDH = 0x00000002 // Writeback done head
	intrOC  = 0x40000000 // Ownership change
)

const (
	fmIntervalToggle  = 0x80000000
	fmIntervalDefault = 0x2edf
	fmIntervalFI      = 0x3fff

	rhaPSM = 0x00000100 // Power switching mode
	rhaNPS = 0x00000200 // No power switching
	rhbDR  = 0x0000ffff // Device removable

	rhsSetGlobalPower = 0x00010000
)

// HcRhPortStatus bit positions.
const (
	portCCS  = 0 // Current connect status
	portPES  = 1 // Port enable status
	portPPS  = 8 // Port power status
	portLSDA = 9 // Low speed device attached
)

// HcRhPortStatus write bits.
const (
	portConnectChg  = 0x00010000
	portResetChg    = 0x00100000
	portClearEnable = 0x00000001
	portSetReset    = 0x00000010
)

// Endpoint descriptor bits.
const (
	edLowSpeed = 0x00002000
	edSkip     = 0x00004000
)

// Transfer descriptor bits.
const (
	tdSetup     = 0x00000000
	tdOut       = 0x00080000
	tdIn        = 0x00100000
	tdRound     = 0x00040000 // Short packets are not an error
	tdNoDelay   = 0x00000000
	tdNoIntr    = 0x00e00000
	tdToggle0   = 0x00000000
	tdToggle1   = 0x01000000
	tdToggleTD  = 0x02000000 // Toggle from the TD rather than the ED
	tdCC        = 0xf0000000
	tdCCNoError = 0x00000000
	tdCCNew     = 0xe0000000 // Not accessed
)

const (
	maxInterval = 32 // Interrupt table entries

	edSize = 16
	tdSize = 16

	// Workspace layout. ED 0 is the control ED; ED 1+i and TD 3+i serve
	// keyboard i. The TD after the last one in use is the tail.
	hccaOffset   = 0x000
	hccaDoneHead = 0x84
	edOffset     = 0x100
	tdOffset     = 0x200
	numTDs       = 4 + host.MaxKeyboards
	setupOffset  = 0x300
	reportOffset = 0x340
	dataOffset   = 0x400
	wsSize       = dataOffset + host.DataBufferSize
)

// Timing.
const (
	resetSettle     = 50 * time.Millisecond
	resumeSettle    = 20 * time.Millisecond
	resetTimeout    = 30 * time.Microsecond
	handoffTimeout  = 1 * time.Second
	portResetPulses = 5
	portResetWait   = 1 * time.Second
	attachDelay     = 100 * time.Millisecond
	shutdownDelay   = 10 * time.Microsecond
	transferTimeout = 1 * time.Second
	transferPoll    = 10 * time.Microsecond
)

// Driver operates one OHCI controller.
type Driver struct {
	hcd   *host.Controller
	regs  hal.Region
	mem   hal.Bus
	clock hal.Clock
	ws    uintptr

	keyboards []host.Endpoint
	prev      [host.MaxKeyboards]hid.KeyboardReport
}

var _ host.Driver = (*Driver)(nil)

func (d *Driver) reg(off uintptr) hal.Reg32 { return d.regs.Reg32(off) }

func (d *Driver) portStatus(index int) hal.Reg32 {
	return d.regs.Reg32(regRhPortStatus + uintptr(4*index))
}

func (d *Driver) hcca() uintptr { return d.ws + hccaOffset }

func (d *Driver) ed(i int) uintptr { return d.ws + edOffset + uintptr(i*edSize) }

func (d *Driver) td(i int) uintptr { return d.ws + tdOffset + uintptr(i*tdSize) }

func (d *Driver) report(i int) uintptr { return d.ws + reportOffset + uintptr(i*hid.KeyboardReportSize) }

// resetController moves the controller to the suspend state through a
// software reset, waiting out the state it was found in first.
func resetController(regs hal.Region, clock hal.Clock) error {
	control := regs.Reg32(regControl)
	switch control.Read() & ctrlHCFS {
	case ctrlHCFSRst:
		clock.Delay(resetSettle)
	case ctrlHCFSSus, ctrlHCFSRes:
		control.Flush(ctrlHCFSRes)
		clock.Delay(resumeSettle)
	}

	regs.Reg32(regCommandStatus).Write(cmdHCR)
	if !hal.WaitUntilClr(clock, regs.Reg32(regCommandStatus), cmdHCR, resetTimeout) {
		return fmt.Errorf("ohci reset: %w", pkg.ErrTimeout)
	}
	if state := control.Read() & ctrlHCFS; state != ctrlHCFSSus {
		return fmt.Errorf("ohci reset left state %#x: %w", state, pkg.ErrNotSupported)
	}
	return nil
}

// Reset checks the interface revision, takes the controller from the SMM
// if it owns it and resets it, keeping the frame interval programmed by
// the firmware.
func Reset(p hal.Platform, addr pci.Address, base uintptr) error {
	regs, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return err
	}
	if rev := regs.Reg32(regRevision).Read() & 0xff; rev != Revision {
		return fmt.Errorf("ohci %s revision %#x: %w", addr, rev, pkg.ErrNotSupported)
	}

	if regs.Reg32(regControl).Read()&ctrlIR != 0 {
		pkg.LogDebug(pkg.ComponentOHCI, "taking ownership from SMM", "addr", addr.String())
		regs.Reg32(regIntrEnable).Write(intrOC)
		regs.Reg32(regCommandStatus).Flush(cmdOCR)
		if !hal.WaitUntilClr(p.Clock, regs.Reg32(regControl), ctrlIR, handoffTimeout) {
			return fmt.Errorf("ohci %s: %w", addr, pkg.ErrHandoff)
		}
	}

	interval := regs.Reg32(regFmInterval).Read()
	if err := resetController(regs, p.Clock); err != nil {
		return err
	}
	regs.Reg32(regFmInterval).Write(interval)
	return nil
}

// buildTD fills TD i. Every TD links to the one after it.
func (d *Driver) buildTD(i int, control uint32, buf uintptr, length int) {
	td := d.td(i)
	d.mem.Write32(td, tdCCNew|control)
	if length == 0 {
		buf = 0
	}
	d.mem.Write32(td+4, uint32(buf))
	d.mem.Write32(td+8, uint32(d.td(i+1)))
	d.mem.Write32(td+12, uint32(buf)+uint32(length)-1)
}

// buildED points ED i at the TDs [head, tail). The ED is skipped while
// its pointers change in case the controller is walking it.
func (d *Driver) buildED(i int, control uint32, head, tail int) {
	ed := d.ed(i)
	d.mem.Write32(ed, edSkip)
	d.mem.Write32(ed+8, uint32(d.td(head)))
	d.mem.Write32(ed+4, uint32(d.td(tail)))
	d.mem.Write32(ed, control)
}

func edControl(ep *host.Endpoint) uint32 {
	var control uint32
	if ep.Speed == usb.SpeedLow {
		control |= edLowSpeed
	}
	bits.SetN(&control, 16, 0x7ff, uint32(ep.MaxPacketSize)&0x7ff)
	bits.SetN(&control, 7, 0xf, uint32(ep.EndpointNum)&0xf)
	bits.SetN(&control, 0, 0x7f, uint32(ep.DeviceID)&0x7f)
	return control
}

// doneHead returns the head of the done queue, acknowledging it, or 0 if
// the controller has not written one back.
func (d *Driver) doneHead() uintptr {
	if d.reg(regIntrStatus).Read()&intrWDH == 0 {
		return 0
	}
	head := uintptr(d.mem.Read32(d.hcca()+hccaDoneHead) &^ 1)
	d.reg(regIntrStatus).Write(intrWDH)
	return head
}

// wait waits for expected TDs to be retired to the done queue.
func (d *Driver) wait(expected int) error {
	completed := 0
	var failed error
	ok := hal.PollUntil(d.clock, transferTimeout, transferPoll, func() bool {
		for td := d.doneHead(); td != 0; td = uintptr(d.mem.Read32(td + 8)) {
			completed++
			if cc := d.mem.Read32(td) & tdCC; cc != tdCCNoError {
				failed = fmt.Errorf("ohci transfer condition %d: %w", cc>>28, pkg.ErrTransfer)
				return true
			}
		}
		return completed >= expected
	})
	if failed != nil {
		return failed
	}
	if !ok {
		return fmt.Errorf("ohci transfer: %w", pkg.ErrTimeout)
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
	sc := d.portStatus(index)
	// A root port reset lasts 10 ms, so repeat it to cover the 50 ms the
	// USB specification asks for.
	for i := 0; i < portResetPulses; i++ {
		sc.Write(portConnectChg | portResetChg)
		sc.Write(portSetReset)
		if !hal.WaitUntilSet(d.clock, sc, portResetChg, portResetWait) {
			return fmt.Errorf("port %d reset: %w", index+1, pkg.ErrTimeout)
		}
	}
	sc.Write(portResetChg)
	return nil
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
	d.buildTD(0, tdSetup|tdToggleTD|tdToggle0|tdNoIntr, d.writeSetup(setup), usb.SetupPacketSize)
	d.buildTD(1, tdIn|tdToggleTD|tdToggle1|tdNoDelay, 0, 0)
	d.buildED(0, edControl(ep), 0, 2)
	d.reg(regCommandStatus).Write(cmdCLF)
	return d.wait(2)
}

// GetDataRequest issues a control request with an IN data stage of
// len(dst) bytes.
func (d *Driver) GetDataRequest(ep *host.Endpoint, setup usb.SetupPacket, dst []byte) error {
	if len(dst) > host.DataBufferSize {
		return fmt.Errorf("ohci data stage of %d bytes: %w", len(dst), pkg.ErrBufferTooSmall)
	}
	d.buildTD(0, tdSetup|tdToggleTD|tdToggle0|tdNoIntr, d.writeSetup(setup), usb.SetupPacketSize)
	d.buildTD(1, tdIn|tdRound|tdToggleTD|tdToggle1|tdNoIntr, d.ws+dataOffset, len(dst))
	d.buildTD(2, tdOut|tdToggleTD|tdToggle1|tdNoDelay, 0, 0)
	d.buildED(0, edControl(ep), 0, 3)
	d.reg(regCommandStatus).Write(cmdCLF)
	if err := d.wait(3); err != nil {
		return err
	}
	hal.ReadBlock(d.mem, d.ws+dataOffset, dst)
	return nil
}

// PollKeyboards processes the keyboard TDs on the done queue and puts
// each back on its ED.
func (d *Driver) PollKeyboards() {
	for td := d.doneHead(); td != 0; {
		index := int(td-d.td(3)) / tdSize
		next := uintptr(d.mem.Read32(td + 8))
		if td < d.td(3) || index >= len(d.keyboards) {
			pkg.LogDebug(pkg.ComponentOHCI, "unexpected TD on done queue", "td", fmt.Sprintf("%#x", td))
			td = next
			continue
		}

		control := d.mem.Read32(td)
		if control&tdCC == tdCCNoError {
			var buf [hid.KeyboardReportSize]byte
			hal.ReadBlock(d.mem, d.report(index), buf[:])
			var report hid.KeyboardReport
			hid.ParseKeyboardReport(buf[:], &report)
			if d.hcd.ProcessKeyboardReport(&report, &d.prev[index]) {
				d.prev[index] = report
			}
		} else {
			pkg.LogDebug(pkg.ComponentOHCI, "keyboard transfer error",
				"keyboard", index, "condition", control>>28)
		}

		// The controller keeps the data toggle in the TD.
		d.buildTD(3+index, control&^tdCC, d.report(index), hid.KeyboardReportSize)
		d.buildED(1+index, d.mem.Read32(d.ed(1+index)), 3+index, 4+index)
		td = next
	}
}

// Probe starts the controller at base and enumerates its root ports. If
// no keyboard is found the controller is put back in reset, its memory is
// returned to the heap and pkg.ErrNoKeyboard is returned.
func Probe(p hal.Platform, base uintptr, opts host.Options, console *host.Console) (*host.Controller, []host.Endpoint, error) {
	regs, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return nil, nil, err
	}

	interval := regs.Reg32(regFmInterval).Get(0, fmIntervalFI)
	if interval == 0 {
		interval = fmIntervalDefault
	}

	// The controller must go from suspend to operational within 2 ms,
	// which can't be guaranteed since the reset during discovery.
	if err := resetController(regs, p.Clock); err != nil {
		return nil, nil, err
	}

	mark := p.LowHeap.Mark()
	fail := func(err error) (*host.Controller, []host.Endpoint, error) {
		p.LowHeap.Rewind(mark)
		return nil, nil, err
	}

	ws, err := p.LowHeap.Alloc(wsSize, pmem.PageSize)
	if err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, ws, wsSize)

	d := &Driver{regs: regs, mem: p.Mem, clock: p.Clock, ws: ws}
	d.hcd = host.NewController("OHCI", d, p.Clock, opts, console)

	d.mem.Write32(d.ed(0), edSkip)
	d.mem.Write32(d.ed(0)+12, 0)

	d.reg(regHCCA).Write(uint32(d.hcca()))
	d.reg(regCtrlHeadED).Write(uint32(d.ed(0)))
	d.reg(regBulkHeadED).Write(0)
	d.reg(regCtrlCurrentED).Write(0)
	d.reg(regBulkCurrentED).Write(0)
	d.reg(regControl).Write(ctrlHCFSRun | ctrlCLE | ctrlCBSR0)
	d.reg(regIntrStatus).Flush(0xffffffff)

	// Some controllers ignore these while suspended.
	maxPacket := ((interval - 210) * 6) / 7
	toggle := (d.reg(regFmInterval).Read() & fmIntervalToggle) ^ fmIntervalToggle
	d.reg(regFmInterval).Write(toggle | maxPacket<<16 | interval)
	d.reg(regPeriodicStart).Write((interval * 9) / 10)

	rha := d.reg(regRhDescriptorA).Read()
	rhb := d.reg(regRhDescriptorB).Read()
	root := host.Hub{
		NumPorts:     int(rha & 0xf),
		PowerUpDelay: int(rha >> 24),
	}

	if rha&rhaNPS == 0 {
		// Clear the per-port power control mask so that the global power
		// switch reaches every port.
		if rha&rhaPSM != 0 {
			d.reg(regRhDescriptorB).Write(rhb & rhbDR)
		}
		d.reg(regRhStatus).Flush(rhsSetGlobalPower)
		p.Clock.Delay(time.Duration(root.PowerUpDelay) * host.HubPowerUnit)
	}
	p.Clock.Delay(attachDelay)

	scan := host.NewScan(host.MaxKeyboards)
	for index := 0; index < root.NumPorts; index++ {
		if scan.Full() {
			break
		}
		sc := d.portStatus(index)
		if !sc.IsSet(portPPS) || !sc.IsSet(portCCS) {
			continue
		}
		if err := d.hcd.ResetHubPort(root, index+1); err != nil {
			pkg.LogDebug(pkg.ComponentOHCI, "port reset failed", "port", index+1, "error", err)
			continue
		}
		if !sc.IsSet(portCCS) || !sc.IsSet(portPES) {
			continue
		}

		speed := usb.SpeedFull
		if sc.IsSet(portLSDA) {
			speed = usb.SpeedLow
		}
		scan.NumDevices++
		if d.hcd.FindAttachedKeyboards(scan, root, index+1, speed, scan.NumDevices) {
			continue
		}
		sc.Write(portClearEnable)
	}

	console.Printf("%s", scan.Summary())
	pkg.LogInfo(pkg.ComponentOHCI, "scan complete",
		"base", fmt.Sprintf("%#x", base), "ports", root.NumPorts,
		"devices", scan.NumDevices, "keyboards", len(scan.Keyboards))

	if len(scan.Keyboards) == 0 {
		d.reg(regControl).Flush(ctrlHCFSRst)
		p.Clock.Delay(shutdownDelay)
		return fail(pkg.ErrNoKeyboard)
	}
	d.keyboards = scan.Keyboards
	d.schedule()
	return d.hcd, d.keyboards, nil
}

// schedule gives each keyboard an interrupt ED holding one IN TD, chains
// the EDs and installs the chain in the interrupt table at the shortest
// polling interval, then enables the periodic list.
func (d *Driver) schedule() {
	minInterval := maxInterval
	var head uint32
	for i := range d.keyboards {
		kbd := &d.keyboards[i]
		d.buildTD(3+i, tdIn|tdToggleTD|tdToggle0|tdNoDelay, d.report(i), hid.KeyboardReportSize)
		d.buildED(1+i, edControl(kbd), 3+i, 4+i)
		d.mem.Write32(d.ed(1+i)+12, head)
		head = uint32(d.ed(1 + i))

		if kbd.Interval > 0 && kbd.Interval < minInterval {
			minInterval = kbd.Interval
		}
	}

	for i := 0; i < maxInterval; i += minInterval {
		d.mem.Write32(d.hcca()+uintptr(4*i), head)
	}
	d.reg(regControl).Write(ctrlHCFSRun | ctrlCLE | ctrlPLE | ctrlCBSR0)
	d.reg(regIntrStatus).Flush(0xffffffff)
}
