package sim

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// XHCIRegisterSize is the size of the XHCI register BAR.
const XHCIRegisterSize = 0x1000

const (
	xhciCapLength = 0x20

	xhciCmd      = xhciCapLength + 0x00
	xhciSts      = xhciCapLength + 0x04
	xhciPageSize = xhciCapLength + 0x08
	xhciCRCR     = xhciCapLength + 0x18
	xhciDCBAAP   = xhciCapLength + 0x30
	xhciConfig   = xhciCapLength + 0x38
	xhciPortSC   = xhciCapLength + 0x400
	xhciMaxPort  = 15

	xhciRuntime = 0x600
	xhciMFIndex = xhciRuntime + 0x00
	xhciERSTSZ  = xhciRuntime + 0x28
	xhciERSTBA  = xhciRuntime + 0x30
	xhciERDP    = xhciRuntime + 0x38

	xhciDoorbell = 0x800
	xhciMaxSlots = 32

	xhciLegSup    = 0xc00
	xhciProtoUSB2 = 0xc10
	xhciProtoUSB3 = 0xc20

	xhciHandoffDelay = 5 * time.Millisecond
	xhciPortReset    = 10 * time.Millisecond
	xhciMicroframe   = 125 * time.Microsecond

	xhciCmdRS    = 0x01
	xhciCmdHCRST = 0x02

	xhciStsHCH = 0x001
	xhciStsHSE = 0x004
	xhciStsCNR = 0x800

	xhciPortCCS = 0x00000001
	xhciPortPED = 0x00000002
	xhciPortPR  = 0x00000010
	xhciPortPP  = 0x00000200
	xhciPortCSC = 0x00020000
	xhciPortPEC = 0x00040000
	xhciPortPRC = 0x00200000

	xhciTRBCycle = 1 << 0
	xhciTRBTC    = 1 << 1
	xhciTRBISP   = 1 << 2
	xhciTRBIOC   = 1 << 5
	xhciTRBBSR   = 1 << 9
	xhciDirIn    = 1 << 16

	xhciTRBNormal        = 1
	xhciTRBSetup         = 2
	xhciTRBData          = 3
	xhciTRBStatus        = 4
	xhciTRBLink          = 6
	xhciTRBEnableSlot    = 9
	xhciTRBDisableSlot   = 10
	xhciTRBAddressDevice = 11
	xhciTRBConfigureEP   = 12
	xhciTRBEvaluate      = 13
	xhciTRBNoop          = 23
	xhciTRBTransferEvent = 32
	xhciTRBCommandEvent  = 33
	xhciTRBPortEvent     = 34

	xhciEPControl     = 4
	xhciEPInterruptIn = 7

	xhciSlotDefault    = 1
	xhciSlotAddressed  = 2
	xhciSlotConfigured = 3

	// Bound on TRBs processed per doorbell or service interval.
	xhciMaxTRBs = 64
)

// XHCIConfig describes a simulated XHCI controller.
type XHCIConfig struct {
	USB2Ports   int  // Root ports of the USB 2 protocol, numbered first
	USB3Ports   int  // Root ports of the USB 3 protocol
	MaxSlots    int  // Device slots, at most 32
	Scratchpads int  // Scratchpad buffers requested in HCSPARAMS2
	Context64   bool // 64-byte contexts
	BIOSOwned   bool // BIOS holds the legacy support semaphore
	StuckBIOS   bool // BIOS never releases the semaphore
}

type xhciEndpoint struct {
	kind     int
	mps      int
	interval uint8
	dequeue  uintptr
	cycle    uint32
	halted   bool
	armed    bool
}

type xhciSlot struct {
	enabled bool
	state   int
	port    *usbdev.Port
	eps     [32]xhciEndpoint // By device context index
}

// XHCI models an XHCI controller: capability, operational, runtime and
// doorbell registers, the extended capabilities, a command ring, one
// event ring segment and the transfer rings of control and interrupt IN
// endpoints. Commands and control transfers run when their doorbell is
// rung; interrupt endpoints are serviced once per microframe interval.
type XHCI struct {
	fn    *Function
	regs  *Registers
	mem   hal.Bus
	ports []*usbdev.Port
	usb3  int // First USB 3 port index
	reset []time.Duration

	maxSlots    int
	scratchpads int
	ctxSize     uintptr
	slots       []xhciSlot

	cmdRing  uintptr
	cmdCycle uint32

	evtBase  uintptr
	evtSize  int
	evtIndex int
	evtCycle uint32

	handoff time.Duration
	stuck   bool

	frames Frames
	now    time.Duration

	// Events counts events posted; Dropped counts events lost to a full
	// event ring.
	Events  int
	Dropped int
}

var _ Ticker = (*XHCI)(nil)

// NewXHCI returns a halted controller at PCI address addr with its
// registers at physical address base.
func NewXHCI(mem hal.Bus, addr pci.Address, base uint32, cfg XHCIConfig) *XHCI {
	cfg.USB2Ports = min(max(cfg.USB2Ports, 0), xhciMaxPort)
	cfg.USB3Ports = min(max(cfg.USB3Ports, 0), xhciMaxPort-cfg.USB2Ports)
	if cfg.USB2Ports+cfg.USB3Ports == 0 {
		cfg.USB2Ports = 1
	}
	if cfg.MaxSlots <= 0 || cfg.MaxSlots > xhciMaxSlots {
		cfg.MaxSlots = xhciMaxSlots
	}
	n := cfg.USB2Ports + cfg.USB3Ports

	x := &XHCI{
		fn:          NewFunction(addr, 0x8086, 0x1e31, pci.ClassUSBController, 0x30),
		regs:        NewRegisters(XHCIRegisterSize),
		mem:         mem,
		ports:       make([]*usbdev.Port, n),
		usb3:        cfg.USB2Ports,
		reset:       make([]time.Duration, n),
		maxSlots:    cfg.MaxSlots,
		scratchpads: cfg.Scratchpads & 0x3ff,
		ctxSize:     32,
		slots:       make([]xhciSlot, cfg.MaxSlots+1),
		stuck:       cfg.StuckBIOS,
		frames:      NewFrames(xhciMicroframe),
	}
	x.fn.SetBAR(0, base, XHCIRegisterSize, false)
	for i := range x.ports {
		x.ports[i] = &usbdev.Port{Powered: true}
	}

	hcc := uint32(xhciLegSup/4) << 16
	if cfg.Context64 {
		hcc |= 0x4
		x.ctxSize = 64
	}
	x.regs.Set8(0x00, xhciCapLength)
	x.regs.Set16(0x02, 0x0100)
	x.regs.Set(0x04, uint32(cfg.MaxSlots)|1<<8|uint32(n)<<24)
	x.regs.Set(0x08, uint32(x.scratchpads>>5)<<21|uint32(x.scratchpads&0x1f)<<27)
	x.regs.Set(0x10, hcc)
	x.regs.Set(0x14, xhciDoorbell)
	x.regs.Set(0x18, xhciRuntime)

	x.regs.Set(xhciLegSup, 0x01|4<<8)
	if cfg.BIOSOwned || cfg.StuckBIOS {
		x.regs.Set8(xhciLegSup+2, 1)
	}
	next := uint32(0)
	if cfg.USB3Ports > 0 {
		next = 4
	}
	x.protocol(xhciProtoUSB2, next, 2, 1, cfg.USB2Ports)
	if cfg.USB3Ports > 0 {
		x.protocol(xhciProtoUSB3, 0, 3, cfg.USB2Ports+1, cfg.USB3Ports)
	}

	x.regs.OnRead = x.read
	x.regs.OnWrite = x.write
	x.hardReset()
	return x
}

func (x *XHCI) protocol(off uintptr, next uint32, major uint8, first, count int) {
	x.regs.Set(off, 0x02|next<<8|uint32(major)<<24)
	x.regs.Set(off+4, 0x20425355) // "USB "
	x.regs.Set(off+8, uint32(first)|uint32(count)<<8)
	x.regs.Set(off+12, 0)
}

// PCI returns the controller's configuration space.
func (x *XHCI) PCI() *Function { return x.fn }

// Registers returns the register window to map at the BAR 0 base.
func (x *XHCI) Registers() hal.Bus { return x.regs }

// Ports returns the root ports, USB 2 ports first.
func (x *XHCI) Ports() []*usbdev.Port { return x.ports }

// Attach connects dev to root port (numbered from 1).
func (x *XHCI) Attach(port int, dev *usbdev.Device) {
	x.ports[port-1].Attach(dev)
}

// Running reports whether the controller is running.
func (x *XHCI) Running() bool {
	return x.regs.Get(xhciSts)&xhciStsHCH == 0
}

// BIOSOwned reports whether the BIOS semaphore is still set.
func (x *XHCI) BIOSOwned() bool {
	return x.regs.Get8(xhciLegSup+2)&1 != 0
}

// EnabledSlots returns the IDs of the enabled device slots.
func (x *XHCI) EnabledSlots() []int {
	var ids []int
	for id := 1; id < len(x.slots); id++ {
		if x.slots[id].enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// SlotState returns the slot state of slot id: 0 disabled or enabled, 1
// default, 2 addressed, 3 configured.
func (x *XHCI) SlotState(id int) int {
	if id <= 0 || id >= len(x.slots) {
		return 0
	}
	return x.slots[id].state
}

// EndpointInterval returns the Interval field configured for device
// context index dci of slot id.
func (x *XHCI) EndpointInterval(id, dci int) uint8 {
	return x.slots[id].eps[dci].interval
}

func (x *XHCI) hardReset() {
	for _, off := range []uintptr{xhciCmd, xhciCRCR, xhciCRCR + 4, xhciDCBAAP, xhciDCBAAP + 4, xhciConfig,
		xhciERSTSZ, xhciERSTBA, xhciERSTBA + 4, xhciERDP, xhciERDP + 4} {
		x.regs.Set(off, 0)
	}
	x.regs.Set(xhciSts, xhciStsHCH)
	x.regs.Set(xhciPageSize, 1) // 4 KiB
	for i, p := range x.ports {
		p.Disable()
		x.reset[i] = 0
	}
	for id := range x.slots {
		x.slots[id] = xhciSlot{}
	}
	x.cmdRing, x.cmdCycle = 0, 0
	x.evtBase, x.evtSize, x.evtIndex, x.evtCycle = 0, 0, 0, 1
}

func (x *XHCI) portIndex(off uintptr) (int, bool) {
	if off < xhciPortSC || off >= xhciPortSC+0x10*uintptr(len(x.ports)) || off&0xf != 0 {
		return 0, false
	}
	return int(off-xhciPortSC) / 0x10, true
}

func (x *XHCI) portStatus(i int) uint32 {
	p := x.ports[i]
	var status uint32
	if p.Powered {
		status |= xhciPortPP
		if p.Connected() {
			status |= xhciPortCCS
			status |= x.portSpeed(i) << 10
		}
	}
	if p.Enabled && p.Connected() {
		status |= xhciPortPED
	}
	if x.reset[i] != 0 {
		status |= xhciPortPR
	}
	if p.Change&usbdev.PortChangeConnection != 0 {
		status |= xhciPortCSC
	}
	if p.Change&usbdev.PortChangeEnable != 0 {
		status |= xhciPortPEC
	}
	if p.Change&usbdev.PortChangeReset != 0 {
		status |= xhciPortPRC
	}
	return status
}

func (x *XHCI) portSpeed(i int) uint32 {
	if i >= x.usb3 {
		return 4 // SuperSpeed
	}
	switch x.ports[i].Device.Speed() {
	case usb.SpeedLow:
		return 2
	case usb.SpeedHigh:
		return 3
	default:
		return 1
	}
}

func (x *XHCI) read(off uintptr, size int) {
	switch {
	case off&^3 == xhciCRCR || off&^3 == xhciCRCR+4:
		x.regs.Set(off&^3, 0)
	case off&^3 == xhciMFIndex:
		x.regs.Set(xhciMFIndex, uint32(x.now/xhciMicroframe)&0x3fff)
	default:
		if i, ok := x.portIndex(off &^ 3); ok {
			x.regs.Set(off&^3, x.portStatus(i))
		}
	}
}

func (x *XHCI) write(off uintptr, size int, old, v uint32) {
	switch {
	case off < xhciCapLength:
		x.regs.put(off, size, old)
	case off >= xhciLegSup && off < xhciLegSup+4:
		for b := off; b < off+uintptr(size) && b < xhciLegSup+3; b++ {
			x.regs.Set8(b, uint8(old>>(8*(b-off)))) // ID, next and BIOS bytes are not ours
		}
		if x.regs.Get8(xhciLegSup+3)&1 != 0 && x.BIOSOwned() && !x.stuck && x.handoff == 0 {
			x.handoff = x.now + xhciHandoffDelay
		}
	case off >= xhciProtoUSB2:
		x.regs.put(off, size, old)
	case off == xhciCmd:
		x.writeCommand(old, v)
	case off == xhciSts:
		x.regs.Set(off, old&^(v&0x41c))
	case off == xhciCRCR:
		if !x.Running() {
			x.cmdRing = uintptr(v &^ 0x3f)
			x.cmdCycle = v & 1
		}
	case off == xhciERSTBA:
		x.setupEventRing()
	case off >= xhciDoorbell && off < xhciDoorbell+4*uintptr(len(x.slots)):
		x.doorbell(int(off-xhciDoorbell)/4, int(v&0xff))
	default:
		if i, ok := x.portIndex(off); ok {
			x.writePort(i, v)
		}
	}
}

func (x *XHCI) writeCommand(old, v uint32) {
	if v&xhciCmdHCRST != 0 {
		pkg.LogDebug(pkg.ComponentSim, "xhci reset")
		x.hardReset()
		return
	}
	status := x.regs.Get(xhciSts)
	switch {
	case v&xhciCmdRS != 0 && old&xhciCmdRS == 0:
		if x.scratchpads > 0 && (x.dcbaa() == 0 || hal.Read64(x.mem, x.dcbaa()) == 0) {
			pkg.LogDebug(pkg.ComponentSim, "xhci started without scratchpad buffers")
			x.regs.Set(xhciSts, status|xhciStsHSE)
			x.regs.Set(xhciCmd, old)
			return
		}
		x.regs.Set(xhciSts, status&^xhciStsHCH)
		x.frames.Sync(x.now)
	case v&xhciCmdRS == 0:
		x.regs.Set(xhciSts, status|xhciStsHCH)
	}
}

func (x *XHCI) writePort(i int, v uint32) {
	p := x.ports[i]
	if v&xhciPortCSC != 0 {
		p.Change &^= usbdev.PortChangeConnection
	}
	if v&xhciPortPEC != 0 {
		p.Change &^= usbdev.PortChangeEnable
	}
	if v&xhciPortPRC != 0 {
		p.Change &^= usbdev.PortChangeReset
	}
	if v&xhciPortPP == 0 {
		p.PowerOff()
		x.reset[i] = 0
		return
	}
	p.PowerOn()
	if v&xhciPortPED != 0 {
		p.Disable()
	}
	if v&xhciPortPR != 0 && x.reset[i] == 0 {
		p.Disable()
		x.reset[i] = x.now + xhciPortReset
	}
}

func (x *XHCI) dcbaa() uintptr {
	return uintptr(hal.Read64(x.regs, xhciDCBAAP) &^ 0x3f)
}

// deviceContext returns the output device context of slot id.
func (x *XHCI) deviceContext(id int) uintptr {
	if x.dcbaa() == 0 {
		return 0
	}
	return uintptr(hal.Read64(x.mem, x.dcbaa()+8*uintptr(id)) &^ 0x3f)
}

func (x *XHCI) setupEventRing() {
	erst := uintptr(hal.Read64(x.regs, xhciERSTBA) &^ 0x3f)
	if erst == 0 || x.regs.Get(xhciERSTSZ) == 0 {
		return
	}
	x.evtBase = uintptr(hal.Read64(x.mem, erst) &^ 0x3f)
	x.evtSize = int(x.mem.Read32(erst+8) & 0xffff)
	x.evtIndex = 0
	x.evtCycle = 1
}

// post writes an event to the event ring. The ring is full when the
// next slot is the one the dequeue pointer names.
func (x *XHCI) post(params1 uint64, params2, control uint32) {
	if x.evtBase == 0 || x.evtSize == 0 {
		x.Dropped++
		return
	}
	erdp := uintptr(hal.Read64(x.regs, xhciERDP) &^ 0xf)
	if next := (x.evtIndex + 1) % x.evtSize; x.evtBase+uintptr(next)*16 == erdp {
		pkg.LogDebug(pkg.ComponentSim, "xhci event ring full")
		x.Dropped++
		return
	}
	addr := x.evtBase + uintptr(x.evtIndex)*16
	hal.Write64(x.mem, addr, params1)
	x.mem.Write32(addr+8, params2)
	x.mem.Write32(addr+12, control|x.evtCycle)
	x.Events++
	if x.evtIndex++; x.evtIndex == x.evtSize {
		x.evtIndex = 0
		x.evtCycle ^= 1
	}
}

func (x *XHCI) complete(trb uintptr, code pkg.CompletionCode, slot int) {
	x.post(uint64(trb), uint32(code)<<24, xhciTRBCommandEvent<<10|uint32(slot)<<24)
}

func (x *XHCI) transferEvent(trb uintptr, code pkg.CompletionCode, residual int, slot, dci int) {
	x.post(uint64(trb), uint32(code)<<24|uint32(residual)&0xffffff,
		xhciTRBTransferEvent<<10|uint32(dci)<<16|uint32(slot)<<24)
}

// Advance completes pending handoffs and port resets and services the
// armed interrupt endpoints for every elapsed microframe.
func (x *XHCI) Advance(now time.Duration) {
	x.now = now
	if x.handoff != 0 && now >= x.handoff {
		x.handoff = 0
		x.regs.Set8(xhciLegSup+2, 0)
		pkg.LogDebug(pkg.ComponentSim, "xhci bios released ownership")
	}
	for i, done := range x.reset {
		if done != 0 && now >= done {
			x.reset[i] = 0
			p := x.ports[i]
			p.Reset()
			p.Change |= usbdev.PortChangeReset
			if x.Running() {
				x.post(uint64(i+1)<<24, uint32(pkg.CompletionSuccess)<<24, xhciTRBPortEvent<<10)
			}
		}
	}

	n := x.frames.Due(now)
	if !x.Running() {
		return
	}
	start := uint32(now/xhciMicroframe) - uint32(n)
	for f := uint32(1); f <= uint32(n); f++ {
		x.serviceInterrupts(start + f)
	}
}

func (x *XHCI) serviceInterrupts(mf uint32) {
	for id := 1; id < len(x.slots); id++ {
		s := &x.slots[id]
		if !s.enabled {
			continue
		}
		for dci := 3; dci < len(s.eps); dci += 2 {
			ep := &s.eps[dci]
			if ep.kind != xhciEPInterruptIn || !ep.armed || ep.halted {
				continue
			}
			if period := uint32(1) << min(ep.interval, 15); mf%period != 0 {
				continue
			}
			x.runRing(id, dci, true)
		}
	}
}

func (x *XHCI) doorbell(target, value int) {
	if !x.Running() {
		return
	}
	if target == 0 {
		x.runCommands()
		return
	}
	if target >= len(x.slots) || !x.slots[target].enabled || value < 1 || value > 31 {
		return
	}
	ep := &x.slots[target].eps[value]
	switch ep.kind {
	case xhciEPControl:
		x.runRing(target, value, false)
	case xhciEPInterruptIn:
		ep.armed = true
	}
}

// nextTRB returns the address of the next TRB owned by the controller
// on the ring at *dequeue, following link TRBs.
func (x *XHCI) nextTRB(dequeue *uintptr, cycle *uint32) (uintptr, bool) {
	for n := 0; n < xhciMaxTRBs; n++ {
		addr := *dequeue
		control := x.mem.Read32(addr + 12)
		if control&xhciTRBCycle != *cycle {
			return 0, false
		}
		if (control>>10)&0x3f != xhciTRBLink {
			return addr, true
		}
		*dequeue = uintptr(hal.Read64(x.mem, addr) &^ 0xf)
		if control&xhciTRBTC != 0 {
			*cycle ^= 1
		}
	}
	return 0, false
}

func (x *XHCI) runCommands() {
	for n := 0; n < xhciMaxTRBs && x.cmdRing != 0; n++ {
		addr, ok := x.nextTRB(&x.cmdRing, &x.cmdCycle)
		if !ok {
			return
		}
		x.cmdRing = addr + 16
		control := x.mem.Read32(addr + 12)
		params1 := uintptr(hal.Read64(x.mem, addr))
		id := int(control >> 24)

		switch (control >> 10) & 0x3f {
		case xhciTRBEnableSlot:
			x.enableSlot(addr)
		case xhciTRBDisableSlot:
			if !x.slotValid(id) {
				x.complete(addr, pkg.CompletionSlotNotEnabled, id)
				continue
			}
			x.slots[id] = xhciSlot{}
			x.complete(addr, pkg.CompletionSuccess, id)
		case xhciTRBAddressDevice:
			x.addressDevice(addr, id, params1, control&xhciTRBBSR != 0)
		case xhciTRBConfigureEP:
			x.configureEndpoints(addr, id, params1)
		case xhciTRBEvaluate, xhciTRBNoop:
			x.complete(addr, pkg.CompletionSuccess, id)
		default:
			x.complete(addr, pkg.CompletionTRB, id)
		}
	}
}

func (x *XHCI) slotValid(id int) bool {
	return id > 0 && id < len(x.slots) && x.slots[id].enabled
}

func (x *XHCI) enableSlot(trb uintptr) {
	enabled := int(x.regs.Get(xhciConfig) & 0xff)
	for id := 1; id <= min(enabled, x.maxSlots); id++ {
		if !x.slots[id].enabled {
			x.slots[id] = xhciSlot{enabled: true}
			x.complete(trb, pkg.CompletionSuccess, id)
			return
		}
	}
	x.complete(trb, pkg.CompletionNoSlots, 0)
}

// addressDevice binds slot id to the port named by the input slot
// context and, unless blocked, gives the device the slot ID as its USB
// address.
func (x *XHCI) addressDevice(trb uintptr, id int, input uintptr, bsr bool) {
	if !x.slotValid(id) {
		x.complete(trb, pkg.CompletionSlotNotEnabled, id)
		return
	}
	s := &x.slots[id]
	if s.state > xhciSlotDefault || (s.state == xhciSlotDefault && bsr) {
		x.complete(trb, pkg.CompletionContextState, id)
		return
	}
	if x.mem.Read32(input+4)&0x3 != 0x3 {
		x.complete(trb, pkg.CompletionTRB, id)
		return
	}

	slotCtx := input + x.ctxSize
	info := x.mem.Read32(slotCtx)
	rootPort := int(x.mem.Read8(slotCtx + 6))
	if rootPort < 1 || rootPort > len(x.ports) {
		x.complete(trb, pkg.CompletionTRB, id)
		return
	}
	p := usbdev.FindRoute(x.ports[rootPort-1], info&0xfffff)
	if p == nil || !p.Enabled || !p.Connected() {
		x.complete(trb, pkg.CompletionUSBTransaction, id)
		return
	}

	epCtx := input + 2*x.ctxSize
	dequeue := hal.Read64(x.mem, epCtx+8)
	s.port = p
	s.eps[1] = xhciEndpoint{
		kind:    int(x.mem.Read8(epCtx+4)>>3) & 0x7,
		mps:     int(x.mem.Read16(epCtx + 6)),
		dequeue: uintptr(dequeue &^ 0xf),
		cycle:   uint32(dequeue & 1),
	}

	s.state = xhciSlotDefault
	if !bsr {
		setup := usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, uint16(id), 0, 0)
		if _, err := p.Device.Control(setup, nil); err != nil {
			x.complete(trb, pkg.CompletionUSBTransaction, id)
			return
		}
		s.state = xhciSlotAddressed
	}
	if out := x.deviceContext(id); out != 0 {
		x.copyContext(out, slotCtx)
		x.copyContext(out+x.ctxSize, epCtx)
		x.mem.Write8(out+0xc, uint8(p.Device.Address()))
		x.mem.Write8(out+0xf, uint8(s.state)<<3)
	}
	x.complete(trb, pkg.CompletionSuccess, id)
}

// configureEndpoints adds the endpoints flagged in the input control
// context.
func (x *XHCI) configureEndpoints(trb uintptr, id int, input uintptr) {
	if !x.slotValid(id) {
		x.complete(trb, pkg.CompletionSlotNotEnabled, id)
		return
	}
	s := &x.slots[id]
	if s.state < xhciSlotAddressed {
		x.complete(trb, pkg.CompletionContextState, id)
		return
	}
	add := x.mem.Read32(input + 4)
	out := x.deviceContext(id)
	for dci := 2; dci < 32; dci++ {
		if add&(1<<dci) == 0 {
			continue
		}
		epCtx := input + uintptr(1+dci)*x.ctxSize
		dequeue := hal.Read64(x.mem, epCtx+8)
		s.eps[dci] = xhciEndpoint{
			kind:     int(x.mem.Read8(epCtx+4)>>3) & 0x7,
			mps:      int(x.mem.Read16(epCtx + 6)),
			interval: x.mem.Read8(epCtx + 2),
			dequeue:  uintptr(dequeue &^ 0xf),
			cycle:    uint32(dequeue & 1),
		}
		if out != 0 {
			x.copyContext(out+uintptr(dci)*x.ctxSize, epCtx)
		}
	}
	s.state = xhciSlotConfigured
	if out != 0 {
		x.copyContext(out, input+x.ctxSize)
		x.mem.Write8(out+0xf, uint8(s.state)<<3)
	}
	x.complete(trb, pkg.CompletionSuccess, id)
}

func (x *XHCI) copyContext(dst, src uintptr) {
	for off := uintptr(0); off < x.ctxSize; off += 4 {
		x.mem.Write32(dst+off, x.mem.Read32(src+off))
	}
}

// runRing executes the TRBs queued on endpoint dci of slot id. An
// interrupt endpoint performs at most one transaction per call.
func (x *XHCI) runRing(id, dci int, periodic bool) {
	s := &x.slots[id]
	ep := &s.eps[dci]
	for n := 0; n < xhciMaxTRBs && !ep.halted; n++ {
		addr, ok := x.nextTRB(&ep.dequeue, &ep.cycle)
		if !ok {
			ep.armed = false
			return
		}
		var dev *usbdev.Device
		if s.port != nil && s.port.Enabled {
			dev = s.port.Device
		}
		if dev == nil {
			ep.halted = true
			x.transferEvent(addr, pkg.CompletionUSBTransaction, 0, id, dci)
			return
		}
		done := x.execTRB(dev, id, dci, addr)
		if !done {
			return
		}
		ep.dequeue = addr + 16
		if periodic {
			return
		}
	}
}

// execTRB performs the transaction described by the TRB at addr and
// reports whether it retired. Only IN endpoints can NAK.
func (x *XHCI) execTRB(dev *usbdev.Device, id, dci int, addr uintptr) bool {
	ep := &x.slots[id].eps[dci]
	params1 := hal.Read64(x.mem, addr)
	length := int(x.mem.Read32(addr+8) & 0x1ffff)
	control := x.mem.Read32(addr + 12)
	num := dci / 2
	mps := max(ep.mps, 8)

	fail := func(code pkg.CompletionCode) bool {
		ep.halted = true
		x.transferEvent(addr, code, length, id, dci)
		return true
	}

	residual := 0
	switch (control >> 10) & 0x3f {
	case xhciTRBSetup:
		var raw [usb.SetupPacketSize]byte
		binary.LittleEndian.PutUint64(raw[:], params1)
		var setup usb.SetupPacket
		usb.ParseSetupPacket(raw[:], &setup)
		if err := dev.Setup(setup); err != nil {
			return fail(pkg.CompletionStall)
		}
	case xhciTRBData, xhciTRBNormal:
		if control&xhciDirIn == 0 && (control>>10)&0x3f == xhciTRBData {
			data := make([]byte, length)
			hal.ReadBlock(x.mem, uintptr(params1), data)
			if err := dev.Out(num, data); err != nil {
				return fail(pkg.CompletionStall)
			}
			break
		}
		n := 0
		for n < length {
			chunk, err := dev.In(num, min(mps, length-n))
			if errors.Is(err, usbdev.ErrNAK) {
				if n == 0 {
					return false
				}
				break
			}
			if err != nil {
				return fail(pkg.CompletionStall)
			}
			hal.WriteBlock(x.mem, uintptr(params1)+uintptr(n), chunk)
			n += len(chunk)
			if len(chunk) < mps {
				break
			}
		}
		residual = length - n
	case xhciTRBStatus:
		var err error
		if control&xhciDirIn != 0 {
			_, err = dev.In(0, 0)
		} else {
			err = dev.Out(0, nil)
		}
		if err != nil {
			return fail(pkg.CompletionStall)
		}
	default:
		return fail(pkg.CompletionTRB)
	}

	switch {
	case residual > 0 && control&(xhciTRBISP|xhciTRBIOC) != 0:
		x.transferEvent(addr, pkg.CompletionShortPacket, residual, id, dci)
	case control&xhciTRBIOC != 0:
		x.transferEvent(addr, pkg.CompletionSuccess, 0, id, dci)
	}
	return true
}
