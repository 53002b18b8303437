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

// OHCIRegisterSize is the size of the OHCI register BAR.
const OHCIRegisterSize = 0x1000

const (
	ohciRevision      = 0x00
	ohciControl       = 0x04
	ohciCommandStatus = 0x08
	ohciIntrStatus    = 0x0c
	ohciIntrEnable    = 0x10
	ohciIntrDisable   = 0x14
	ohciHCCA          = 0x18
	ohciCtrlHeadED    = 0x20
	ohciFmInterval    = 0x34
	ohciFmNumber      = 0x3c
	ohciRhDescA       = 0x48
	ohciRhDescB       = 0x4c
	ohciRhStatus      = 0x50
	ohciRhPortStatus  = 0x54
	ohciMaxPort       = 15

	ohciCtrlPLE  = 0x0004
	ohciCtrlCLE  = 0x0010
	ohciCtrlHCFS = 0x00c0
	ohciCtrlRst  = 0x0000
	ohciCtrlRun  = 0x0080
	ohciCtrlSus  = 0x00c0
	ohciCtrlIR   = 0x0100

	ohciCmdHCR = 0x01
	ohciCmdCLF = 0x02
	ohciCmdOCR = 0x08

	ohciIntrWDH = 0x00000002
	ohciIntrOC  = 0x40000000

	ohciRhaPSM       = 0x0100
	ohciRhsClrGlobal = 0x00000001
	ohciRhsSetGlobal = 0x00010000

	ohciPortCCS  = 0x00000001
	ohciPortPES  = 0x00000002
	ohciPortPRS  = 0x00000010
	ohciPortPPS  = 0x00000100
	ohciPortLSDA = 0x00000200
	ohciPortCSC  = 0x00010000
	ohciPortPESC = 0x00020000
	ohciPortPRSC = 0x00100000

	ohciEDSkip   = 0x00004000
	ohciEDHalted = 0x1
	ohciEDCarry  = 0x2

	ohciTDRound    = 0x00040000
	ohciTDToggle   = 0x01000000
	ohciTDToggleTD = 0x02000000

	// Condition codes.
	ohciCCNoError   = 0x0
	ohciCCStall     = 0x4
	ohciCCNoDevice  = 0x5
	ohciCCUnderrun  = 0x9
	ohciMaxInterval = 32

	ohciPortResetTime = 10 * time.Millisecond
)

// OHCIConfig describes a simulated OHCI controller.
type OHCIConfig struct {
	NumPorts      int    // Root ports, at most 15
	PowerUpDelay  uint8  // POTPGT, 2 ms units
	FrameInterval uint32 // Firmware-programmed FI; zero selects 0x2edf
	SMM           bool   // Start owned by the SMM (InterruptRouting set)
}

// OHCI models an OHCI controller: operational registers, root hub with
// per-port power switching, and the control and periodic ED lists.
type OHCI struct {
	fn    *Function
	regs  *Registers
	mem   hal.Bus
	ports []*usbdev.Port
	reset []time.Duration // Port reset completion time, zero when idle

	frames   Frames
	now      time.Duration
	doneHead uint32

	// Frames counts frames executed while operational.
	Frames int
}

var _ Ticker = (*OHCI)(nil)

// NewOHCI returns a controller in the reset state at PCI address addr
// with its registers at physical address base.
func NewOHCI(mem hal.Bus, addr pci.Address, base uint32, cfg OHCIConfig) *OHCI {
	cfg.NumPorts = min(max(cfg.NumPorts, 1), ohciMaxPort)
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 0x2edf
	}
	o := &OHCI{
		fn:     NewFunction(addr, 0x1022, 0x7464, pci.ClassUSBController, 0x10),
		regs:   NewRegisters(0x100),
		mem:    mem,
		ports:  make([]*usbdev.Port, cfg.NumPorts),
		reset:  make([]time.Duration, cfg.NumPorts),
		frames: NewFrames(time.Millisecond),
	}
	o.fn.SetBAR(0, base, OHCIRegisterSize, false)
	for i := range o.ports {
		o.ports[i] = &usbdev.Port{}
	}

	o.regs.Set(ohciRevision, 0x10)
	o.regs.Set(ohciFmInterval, cfg.FrameInterval)
	o.regs.Set(ohciRhDescA, uint32(cfg.NumPorts)|ohciRhaPSM|uint32(cfg.PowerUpDelay)<<24)
	o.regs.Set(ohciRhDescB, (1<<(cfg.NumPorts+1)-2)<<16) // Every port under per-port control
	if cfg.SMM {
		o.regs.Set(ohciControl, ohciCtrlIR|ohciCtrlRun)
	}
	o.regs.OnRead = o.read
	o.regs.OnWrite = o.write
	return o
}

// PCI returns the controller's configuration space.
func (o *OHCI) PCI() *Function { return o.fn }

// Registers returns the register window to map at the BAR 0 base.
func (o *OHCI) Registers() hal.Bus { return o.regs }

// Ports returns the root ports.
func (o *OHCI) Ports() []*usbdev.Port { return o.ports }

// Attach connects dev to root port (numbered from 1).
func (o *OHCI) Attach(port int, dev *usbdev.Device) {
	o.ports[port-1].Attach(dev)
}

// State returns the HcControl functional state field.
func (o *OHCI) State() uint32 {
	return o.regs.Get(ohciControl) & ohciCtrlHCFS
}

// FrameInterval returns the FI field of HcFmInterval.
func (o *OHCI) FrameInterval() uint32 {
	return o.regs.Get(ohciFmInterval) & 0x3fff
}

// OwnedBySMM reports whether InterruptRouting is set.
func (o *OHCI) OwnedBySMM() bool {
	return o.regs.Get(ohciControl)&ohciCtrlIR != 0
}

func (o *OHCI) softReset() {
	pkg.LogDebug(pkg.ComponentSim, "ohci reset")
	for _, off := range []uintptr{ohciCommandStatus, ohciIntrStatus, ohciIntrEnable, ohciHCCA, ohciCtrlHeadED, ohciFmNumber} {
		o.regs.Set(off, 0)
	}
	o.regs.Set(ohciControl, ohciCtrlSus)
	o.regs.Set(ohciFmInterval, 0x2edf)
	o.doneHead = 0
}

func (o *OHCI) portIndex(off uintptr) (int, bool) {
	if off < ohciRhPortStatus || off >= ohciRhPortStatus+4*uintptr(len(o.ports)) {
		return 0, false
	}
	return int(off-ohciRhPortStatus) / 4, true
}

func (o *OHCI) portStatus(i int) uint32 {
	p := o.ports[i]
	var status uint32
	if p.Powered && p.Connected() {
		status |= ohciPortCCS
		if p.Device.Speed() == usb.SpeedLow {
			status |= ohciPortLSDA
		}
	}
	if p.Enabled && p.Connected() {
		status |= ohciPortPES
	}
	if o.reset[i] != 0 {
		status |= ohciPortPRS
	}
	if p.Powered {
		status |= ohciPortPPS
	}
	if p.Change&usbdev.PortChangeConnection != 0 {
		status |= ohciPortCSC
	}
	if p.Change&usbdev.PortChangeEnable != 0 {
		status |= ohciPortPESC
	}
	if p.Change&usbdev.PortChangeReset != 0 {
		status |= ohciPortPRSC
	}
	return status
}

func (o *OHCI) read(off uintptr, size int) {
	if i, ok := o.portIndex(off &^ 3); ok {
		o.regs.Set(off&^3, o.portStatus(i))
	}
}

func (o *OHCI) write(off uintptr, size int, old, v uint32) {
	switch off {
	case ohciControl:
		o.writeControl(old, v)
	case ohciCommandStatus:
		o.regs.Set(off, old|v&^ohciCmdHCR)
		if v&ohciCmdHCR != 0 {
			o.softReset()
		}
		if v&ohciCmdOCR != 0 && old&ohciCmdOCR == 0 {
			o.ownershipChange()
		}
	case ohciIntrStatus:
		o.regs.Set(off, old&^v)
	case ohciIntrEnable:
		o.regs.Set(off, old|v)
	case ohciIntrDisable:
		o.regs.Set(ohciIntrEnable, o.regs.Get(ohciIntrEnable)&^v)
		o.regs.Set(off, 0)
	case ohciRhStatus:
		o.regs.Set(off, 0)
		o.writeRootHub(v)
	case ohciRevision, ohciFmNumber, ohciRhDescA:
		o.regs.Set(off, old)
	default:
		if i, ok := o.portIndex(off); ok {
			o.writePort(i, v)
		}
	}
}

// ownershipChange hands the controller from the SMM to the OS.
func (o *OHCI) ownershipChange() {
	if o.regs.Get(ohciControl)&ohciCtrlIR == 0 {
		return
	}
	o.regs.Set(ohciControl, o.regs.Get(ohciControl)&^ohciCtrlIR)
	o.regs.Set(ohciCommandStatus, o.regs.Get(ohciCommandStatus)&^ohciCmdOCR)
	o.regs.Set(ohciIntrStatus, o.regs.Get(ohciIntrStatus)|ohciIntrOC)
	pkg.LogDebug(pkg.ComponentSim, "ohci ownership change")
}

func (o *OHCI) writeControl(old, v uint32) {
	// InterruptRouting belongs to the SMM.
	o.regs.Set(ohciControl, v&^ohciCtrlIR|old&ohciCtrlIR)
	switch v & ohciCtrlHCFS {
	case ohciCtrlRun:
		if old&ohciCtrlHCFS != ohciCtrlRun {
			o.frames.Sync(o.now)
		}
	case ohciCtrlRst:
		for i, p := range o.ports {
			p.PowerOff()
			o.reset[i] = 0
		}
	}
}

func (o *OHCI) writeRootHub(v uint32) {
	mask := o.regs.Get(ohciRhDescB) >> 16
	for i, p := range o.ports {
		if mask&(1<<(i+1)) != 0 {
			continue
		}
		if v&ohciRhsSetGlobal != 0 {
			p.PowerOn()
		}
		if v&ohciRhsClrGlobal != 0 {
			p.PowerOff()
		}
	}
}

func (o *OHCI) writePort(i int, v uint32) {
	p := o.ports[i]
	if v&0xffff0000 != 0 {
		if v&ohciPortCSC != 0 {
			p.Change &^= usbdev.PortChangeConnection
		}
		if v&ohciPortPESC != 0 {
			p.Change &^= usbdev.PortChangeEnable
		}
		if v&ohciPortPRSC != 0 {
			p.Change &^= usbdev.PortChangeReset
		}
	}
	switch {
	case v&0x1 != 0: // ClearPortEnable
		p.Disable()
	case v&0x2 != 0: // SetPortEnable
		if p.Connected() && p.Powered {
			p.Enabled = true
		}
	}
	if v&0x10 != 0 { // SetPortReset
		if !p.Powered || !p.Connected() {
			p.Change |= usbdev.PortChangeConnection
		} else if o.reset[i] == 0 {
			o.reset[i] = o.now + ohciPortResetTime
			p.Disable()
		}
	}
	if v&0x100 != 0 { // SetPortPower
		p.PowerOn()
	}
	if v&0x200 != 0 { // ClearPortPower
		p.PowerOff()
	}
}

// Advance completes port resets and runs every elapsed frame.
func (o *OHCI) Advance(now time.Duration) {
	o.now = now
	for i, done := range o.reset {
		if done != 0 && now >= done {
			o.reset[i] = 0
			o.ports[i].Reset()
		}
	}
	n := o.frames.Due(now)
	if o.State() != ohciCtrlRun {
		return
	}
	for ; n > 0; n-- {
		o.runFrame()
	}
}

func (o *OHCI) runFrame() {
	hcca := uintptr(o.regs.Get(ohciHCCA) &^ 0xff)
	frame := o.regs.Get(ohciFmNumber) & 0xffff
	control := o.regs.Get(ohciControl)

	if control&ohciCtrlPLE != 0 {
		o.runList(o.mem.Read32(hcca+4*uintptr(frame%ohciMaxInterval)), true)
	}
	if control&ohciCtrlCLE != 0 && o.regs.Get(ohciCommandStatus)&ohciCmdCLF != 0 {
		if !o.runList(o.regs.Get(ohciCtrlHeadED), false) {
			o.regs.Set(ohciCommandStatus, o.regs.Get(ohciCommandStatus)&^ohciCmdCLF)
		}
	}

	frame = (frame + 1) & 0xffff
	o.regs.Set(ohciFmNumber, frame)
	o.mem.Write16(hcca+0x80, uint16(frame))

	if o.doneHead != 0 && o.regs.Get(ohciIntrStatus)&ohciIntrWDH == 0 {
		o.mem.Write32(hcca+0x84, o.doneHead)
		o.regs.Set(ohciIntrStatus, o.regs.Get(ohciIntrStatus)|ohciIntrWDH)
		o.doneHead = 0
	}
	o.Frames++
}

// runList services the ED list starting at ed. Periodic EDs get one
// transaction per frame. It reports whether any ED had work queued.
func (o *OHCI) runList(ed uint32, periodic bool) bool {
	busy := false
	for n := 0; n < 64 && ed != 0; n++ {
		addr := uintptr(ed &^ 0xf)
		if o.runED(addr, periodic) {
			busy = true
		}
		ed = o.mem.Read32(addr + 12)
	}
	return busy
}

func (o *OHCI) runED(ed uintptr, periodic bool) bool {
	control := o.mem.Read32(ed)
	head := o.mem.Read32(ed + 8)
	tail := o.mem.Read32(ed+4) &^ 0xf
	if control&ohciEDSkip != 0 || head&ohciEDHalted != 0 || head&^0xf == tail {
		return false
	}

	for n := 0; n < 64; n++ {
		td := uintptr(head &^ 0xf)
		if uint32(td) == tail {
			break
		}
		cc, pending := o.execTD(control, td)
		if pending {
			break
		}
		next := o.mem.Read32(td+8) &^ 0xf
		o.mem.Write32(td, o.mem.Read32(td)&^0xf0000000|cc<<28)
		o.mem.Write32(td+8, o.doneHead)
		o.doneHead = uint32(td)

		head = next | head&ohciEDCarry
		if cc != ohciCCNoError {
			head |= ohciEDHalted
		}
		o.mem.Write32(ed+8, head)
		if cc != ohciCCNoError || periodic {
			break
		}
	}
	return true
}

// execTD runs the transactions of one general TD. It returns the
// condition code, or pending if the device NAKed.
func (o *OHCI) execTD(edControl uint32, td uintptr) (cc uint32, pending bool) {
	control := o.mem.Read32(td)
	cbp := uintptr(o.mem.Read32(td + 4))
	be := uintptr(o.mem.Read32(td + 12))
	addr := int(edControl & 0x7f)
	ep := int(edControl>>7) & 0xf
	mps := int(edControl>>16) & 0x7ff
	length := 0
	if cbp != 0 {
		length = int(be-cbp) + 1
	}

	dev := usbdev.Find(o.ports, addr)
	if dev == nil {
		return ohciCCNoDevice, false
	}

	switch (control >> 19) & 0x3 {
	case 0: // SETUP
		var raw [usb.SetupPacketSize]byte
		hal.ReadBlock(o.mem, cbp, raw[:])
		var setup usb.SetupPacket
		usb.ParseSetupPacket(raw[:], &setup)
		if err := dev.Setup(setup); err != nil {
			return ohciCCStall, false
		}
	case 1: // OUT
		data := make([]byte, length)
		hal.ReadBlock(o.mem, cbp, data)
		if err := dev.Out(ep, data); err != nil {
			return ohciCCStall, false
		}
	case 2: // IN
		total := 0
		for {
			chunk, err := dev.In(ep, min(mps, length-total))
			if errors.Is(err, usbdev.ErrNAK) {
				if total > 0 {
					o.mem.Write32(td+4, uint32(cbp)+uint32(total))
				}
				return 0, true
			}
			if err != nil {
				return ohciCCStall, false
			}
			hal.WriteBlock(o.mem, cbp+uintptr(total), chunk)
			total += len(chunk)
			if len(chunk) < mps || total >= length {
				break
			}
		}
		if total < length && control&ohciTDRound == 0 {
			return ohciCCUnderrun, false
		}
	default:
		return ohciCCStall, false
	}

	if control&ohciTDToggleTD != 0 {
		control ^= ohciTDToggle
		o.mem.Write32(td, control)
	}
	o.mem.Write32(td+4, 0)
	return ohciCCNoError, false
}
