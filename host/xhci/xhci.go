package xhci

import (
	"encoding/binary"
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
	capHCSParams1 = 0x04
	capHCSParams2 = 0x08
	capHCSParams3 = 0x0c
	capHCCParams1 = 0x10
	capDBOff      = 0x14
	capRTSOff     = 0x18
	capHCCParams2 = 0x1c
)

// Operational registers, relative to CAPLENGTH.
const (
	regUSBCmd   = 0x00
	regUSBSts   = 0x04
	regPageSize = 0x08
	regDNCtrl   = 0x14
	regCRCR     = 0x18 // 64 bits
	regDCBAAP   = 0x30 // 64 bits
	regConfig   = 0x38
	regPortSC   = 0x400 // 16 bytes per port
	portRegSize = 0x10
)

// Primary interrupter registers, relative to RTSOFF.
const (
	regIMAN   = 0x20
	regIMOD   = 0x24
	regERSTSZ = 0x28
	regERSTBA = 0x30 // 64 bits
	regERDP   = 0x38 // 64 bits
)

// RegisterSize is the size of the register window.
const RegisterSize = 0x10000

// Extended capability IDs.
const (
	ExtCapLegacySupport     = 0x01
	ExtCapSupportedProtocol = 0x02
)

const (
	hccCSZ = 0x00000004 // 64-byte contexts

	cmdRS    = 0x00000001
	cmdHCRST = 0x00000002

	stsHCH = 0x00000001
	stsCNR = 0x00000800 // Controller not ready
)

// PORTSC bits.
const (
	portCCS = 0x00000001
	portPED = 0x00000002
	portPR  = 0x00000010
	portPP  = 0x00000200
	portPRC = 0x00200000
)

// TRB control word.
const (
	trbCycle = 1 << 0
	trbTC    = 1 << 1 // Toggle cycle (link)
	trbISP   = 1 << 2
	trbCH    = 1 << 4
	trbIOC   = 1 << 5
	trbIDT   = 1 << 6
	trbBSR   = 1 << 9 // Block SET_ADDRESS (address device)

	trbTypeMask          = 0x3f << 10
	trbNormal            = 1 << 10
	trbSetupStage        = 2 << 10
	trbDataStage         = 3 << 10
	trbStatusStage       = 4 << 10
	trbLink              = 6 << 10
	trbEnableSlot        = 9 << 10
	trbDisableSlot       = 10 << 10
	trbAddressDevice     = 11 << 10
	trbConfigureEndpoint = 12 << 10
	trbEvaluateContext   = 13 << 10
	trbNoop              = 23 << 10
	trbTransferEvent     = 32 << 10
	trbCommandComplete   = 33 << 10
	trbPortStatusChange  = 34 << 10

	trtNoData = 0 << 16
	trtOut    = 2 << 16
	trtIn     = 3 << 16

	dirOut = 0 << 16
	dirIn  = 1 << 16

	trbSize = 16
)

// Port speed IDs.
const (
	speedFull = 1
	speedLow  = 2
	speedHigh = 3
)

// Endpoint types.
const (
	epTypeControl     = 4
	epTypeInterruptIn = 7
)

// Protocol classes recorded per root port.
const (
	portTypePST  = 0x1f // Protocol slot type
	portTypeUSB2 = 0x40
	portTypeUSB3 = 0x80
)

// Context field offsets.
const (
	ctrlDrop = 0x00
	ctrlAdd  = 0x04

	slotInfo       = 0x00 // Route, speed, hub flag, context entries
	slotRootPort   = 0x06
	slotNumPorts   = 0x07
	slotParentSlot = 0x08
	slotParentPort = 0x09
	slotTTThink    = 0x0a
	slotAddress    = 0x0c
	slotState      = 0x0f
	slotHub        = 1 << 26

	epState        = 0x00
	epInfo         = 0x01
	epInterval     = 0x02
	epMaxESITHi    = 0x03
	epInfo2        = 0x04 // CErr, EP type
	epMaxBurst     = 0x05
	epMaxPacket    = 0x06
	epDequeue      = 0x08 // 64 bits
	epAvgTRBLength = 0x10
	epMaxESITLo    = 0x12

	maxContextSize   = 64
	inputContextSize = 33 * maxContextSize
	outContextSize   = 32 * maxContextSize
)

const (
	cmdRingSize = 8  // TRBs, link included
	evtRingSize = 16 // TRBs
	erstEntries = 4
	epRingSize  = 8 // TRBs, link included

	// An endpoint ring is followed by its enqueue state.
	ringState  = epRingSize * trbSize
	ringStride = 0xc0

	// Controller workspace layout.
	cmdRingOffset = 0x000
	evtRingOffset = 0x080
	erstOffset    = 0x180
	kbdRingOffset = 0x1c0
	reportOffset  = kbdRingOffset + host.MaxKeyboards*ringStride
	dataOffset    = 0x800
	wsSize        = dataOffset + host.DataBufferSize

	// Device workspace layout: output context, then the control and
	// interrupt rings.
	controlRingOffset   = outContextSize
	interruptRingOffset = controlRingOffset + ringStride
	devWSSize           = interruptRingOffset + ringStride
)

// Timing.
const (
	handoffTimeout  = 1 * time.Second
	handoffPoll     = 1 * time.Millisecond
	haltTimeout     = 1 * time.Second
	resetRecovery   = 1 * time.Millisecond
	resetTimeout    = 1 * time.Second
	portTimeout     = 1 * time.Second
	attachDelay     = 100 * time.Millisecond
	commandTimeout  = 100 * time.Millisecond
	addressTimeout  = 5 * time.Second
	transferTimeout = 5 * time.Second
	eventPoll       = 8 * time.Microsecond

	maxExtCaps = 48
	maxPorts   = 255
)

// trb is a transfer request block or event as read back from a ring.
type trb struct {
	params1 uint64
	params2 uint32
	control uint32
}

func (t trb) kind() uint32 { return t.control & trbTypeMask }

func (t trb) code() pkg.CompletionCode { return pkg.CompletionCode(t.params2 >> 24) }

func (t trb) slotID() int { return int(t.control >> 24) }

func (t trb) endpointID() int { return int(t.control>>16) & 0x1f }

func (t trb) String() string {
	return fmt.Sprintf("%#x/%#x/%#x", t.params1, t.params2, t.control)
}

func readTRB(mem hal.Bus, addr uintptr) trb {
	return trb{
		params1: hal.Read64(mem, addr),
		params2: mem.Read32(addr + 8),
		control: mem.Read32(addr + 12),
	}
}

// writeTRB stores t with the control word last, so the cycle bit hands
// over a complete TRB.
func writeTRB(mem hal.Bus, addr uintptr, t trb) {
	hal.Write64(mem, addr, t.params1)
	mem.Write32(addr+8, t.params2)
	mem.Write32(addr+12, t.control)
}

// enqueue writes t into the ring of size TRBs at base and returns the new
// enqueue state. The state packs the producer cycle and the next free
// index as cycle*size + index. The last slot of the ring is reserved for
// a link back to the first; it is written with the current cycle as soon
// as the cursor reaches it, and the producer cycle flips.
func enqueue(mem hal.Bus, base uintptr, size, state uint32, t trb) uint32 {
	cycle := state / size
	index := state % size

	t.control = t.control&^trbCycle | cycle
	writeTRB(mem, base+uintptr(index)*trbSize, t)
	index++

	if index == size-1 {
		writeTRB(mem, base+uintptr(index)*trbSize, trb{
			params1: uint64(base),
			control: trbLink | trbTC | cycle,
		})
		cycle ^= 1
		index = 0
	}
	return cycle*size + index
}

// dequeuePointer returns the TR dequeue pointer matching state: the
// address of the next free slot with the producer cycle in bit 0.
func dequeuePointer(base uintptr, size, state uint32) uint64 {
	return uint64(base) + uint64(state%size)*trbSize | uint64(state/size)
}

func xhciSpeed(speed usb.Speed) uint32 {
	switch speed {
	case usb.SpeedLow:
		return speedLow
	case usb.SpeedFull:
		return speedFull
	case usb.SpeedHigh:
		return speedHigh
	default:
		return 0
	}
}

func usbSpeed(id uint32) usb.Speed {
	switch id {
	case speedLow:
		return usb.SpeedLow
	case speedFull:
		return usb.SpeedFull
	case speedHigh:
		return usb.SpeedHigh
	default:
		return usb.SpeedUnknown
	}
}

// encodeInterval converts bInterval to the endpoint context Interval, the
// exponent of the service period in 125 µs units. Low and full speed
// devices give the period in frames; high speed devices give the
// exponent plus one.
func encodeInterval(bInterval int, speed usb.Speed) uint8 {
	if speed < usb.SpeedHigh {
		exp := 7
		for exp > 0 && 1<<exp > bInterval {
			exp--
		}
		return uint8(3 + exp)
	}
	if bInterval >= 1 && bInterval <= 16 {
		return uint8(bInterval - 1)
	}
	return 3
}

// slot is a device slot enabled by the controller.
type slot struct {
	mark uintptr // Heap state before the device workspace was allocated
	ws   uintptr // Device workspace
}

// Driver operates one XHCI controller.
type Driver struct {
	hcd   *host.Controller
	caps  hal.Region
	op    hal.Region
	rt    hal.Region
	db    hal.Region
	mem   hal.Bus
	clock hal.Clock
	heap  hal.Allocator // Device workspaces

	ws      uintptr
	dcbaa   uintptr
	input   uintptr // Input context
	ctxSize uintptr

	cmdState uint32 // Command ring enqueue state
	evtState uint32 // Event ring dequeue state

	slots map[int]slot

	keyboards []host.Endpoint
	kbdSlot   [host.MaxKeyboards]int
	kbdEP     [host.MaxKeyboards]int
	prev      [host.MaxKeyboards]hid.KeyboardReport
}

var (
	_ host.Driver                     = (*Driver)(nil)
	_ host.SlotAllocator              = (*Driver)(nil)
	_ host.HubEndpointConfigurer      = (*Driver)(nil)
	_ host.KeyboardEndpointConfigurer = (*Driver)(nil)
)

func (d *Driver) reg(off uintptr) hal.Reg32 { return d.op.Reg32(off) }

func (d *Driver) portSC(index int) hal.Reg32 {
	return d.op.Reg32(regPortSC + uintptr(index*portRegSize))
}

func (d *Driver) kbdRing(i int) uintptr { return d.ws + kbdRingOffset + uintptr(i*ringStride) }

func (d *Driver) report(i int) uintptr { return d.ws + reportOffset + uintptr(i*hid.KeyboardReportSize) }

func opRegion(caps hal.Region) hal.Region {
	return caps.Sub(uintptr(caps.Reg8(capLength).Read()))
}

// walkExtCaps calls fn with the offset and ID of each extended capability
// in the register window.
func walkExtCaps(caps hal.Region, fn func(off uintptr, id uint8) error) error {
	off := uintptr(caps.Reg32(capHCCParams1).Read()>>16) * 4
	for n := 0; off != 0 && n < maxExtCaps; n++ {
		hdr := caps.Reg32(off).Read()
		if err := fn(off, uint8(hdr)); err != nil {
			return err
		}
		next := uintptr(hdr>>8) & 0xff
		if next == 0 {
			break
		}
		off += next * 4
	}
	return nil
}

func halt(op hal.Region, clock hal.Clock) error {
	op.Reg32(regUSBCmd).Clear(cmdRS)
	if !hal.WaitUntilSet(clock, op.Reg32(regUSBSts), stsHCH, haltTimeout) {
		return fmt.Errorf("xhci halt: %w", pkg.ErrTimeout)
	}
	return nil
}

func resetController(op hal.Region, clock hal.Clock) error {
	op.Reg32(regUSBCmd).Set(cmdHCRST)
	clock.Delay(resetRecovery)
	if !hal.WaitUntilClr(clock, op.Reg32(regUSBCmd), cmdHCRST, resetTimeout) ||
		!hal.WaitUntilClr(clock, op.Reg32(regUSBSts), stsCNR, resetTimeout) {
		return fmt.Errorf("xhci reset: %w", pkg.ErrTimeout)
	}
	return nil
}

// Reset takes the controller from the BIOS through the USB legacy
// support capability, then halts and resets it.
func Reset(p hal.Platform, addr pci.Address, base uintptr) error {
	caps, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return err
	}

	err = walkExtCaps(caps, func(off uintptr, id uint8) error {
		if id != ExtCapLegacySupport {
			return nil
		}
		pkg.LogDebug(pkg.ComponentXHCI, "requesting ownership", "addr", addr.String(), "cap", off)
		own := caps.Reg8(off + 3)
		own.Write(own.Read() | 1)
		bios := caps.Reg8(off + 2)
		if !hal.PollUntil(p.Clock, handoffTimeout, handoffPoll, func() bool { return bios.Read()&1 == 0 }) {
			return fmt.Errorf("xhci %s: %w", addr, pkg.ErrHandoff)
		}
		return nil
	})
	if err != nil {
		return err
	}

	op := opRegion(caps)
	if err := halt(op, p.Clock); err != nil {
		return err
	}
	return resetController(op, p.Clock)
}

// portTypes records the protocol of each root port from the supported
// protocol capabilities.
func portTypes(caps hal.Region, numPorts int) []uint8 {
	types := make([]uint8, numPorts)
	_ = walkExtCaps(caps, func(off uintptr, id uint8) error {
		if id != ExtCapSupportedProtocol {
			return nil
		}
		major := caps.Reg8(off + 3).Read()
		ports := caps.Reg32(off + 8).Read()
		first := int(ports & 0xff)
		count := int(ports>>8) & 0xff

		pt := uint8(caps.Reg32(off+12).Read() & portTypePST)
		switch major {
		case 0x02:
			pt |= portTypeUSB2
		case 0x03:
			pt |= portTypeUSB3
		}
		pkg.LogDebug(pkg.ComponentXHCI, "supported protocol",
			"major", major, "first", first, "count", count, "type", pt)
		for i := 0; i < count; i++ {
			if index := first + i - 1; index >= 0 && index < numPorts {
				types[index] = pt
			}
		}
		return nil
	})
	return types
}

// nextEvent dequeues the next event, if the controller has written one.
func (d *Driver) nextEvent() (trb, bool) {
	cycle := d.evtState / evtRingSize
	index := d.evtState % evtRingSize

	addr := d.ws + evtRingOffset + uintptr(index)*trbSize
	ev := readTRB(d.mem, addr)
	if ev.control&trbCycle != cycle {
		return trb{}, false
	}
	hal.Write64(d.mem, d.rt.Base+regERDP, uint64(addr))

	if index++; index == evtRingSize {
		cycle ^= 1
		index = 0
	}
	d.evtState = cycle*evtRingSize + index
	return ev, true
}

// waitEvent discards events until one of the given kind arrives and
// returns it with its completion code as an error.
func (d *Driver) waitEvent(kind uint32, timeout time.Duration) (trb, error) {
	var ev trb
	ok := hal.PollUntil(d.clock, timeout, eventPoll, func() bool {
		var ready bool
		for {
			if ev, ready = d.nextEvent(); !ready || ev.kind() == kind {
				return ready
			}
			pkg.LogDebug(pkg.ComponentXHCI, "event skipped", "trb", ev)
		}
	})
	if !ok {
		return ev, pkg.CompletionTimeout.Error()
	}
	if err := ev.code().Error(); err != nil {
		return ev, fmt.Errorf("completion code %d (%v): %w", ev.code(), ev.code(), err)
	}
	return ev, nil
}

// command runs one command on the command ring.
func (d *Driver) command(control uint32, params1 uint64, timeout time.Duration) (trb, error) {
	d.cmdState = enqueue(d.mem, d.ws+cmdRingOffset, cmdRingSize, d.cmdState,
		trb{params1: params1, control: control})
	d.db.Reg32(0).Write(0)
	return d.waitEvent(trbCommandComplete, timeout)
}

func (d *Driver) issue(ring uintptr, t trb) {
	state := d.mem.Read32(ring + ringState)
	d.mem.Write32(ring+ringState, enqueue(d.mem, ring, epRingSize, state, t))
}

func (d *Driver) resetRing(ring uintptr) {
	d.mem.Write32(ring+ringState, epRingSize) // cycle 1, index 0
}

func (d *Driver) ringDoorbell(slotID, target int) {
	d.db.Reg32(uintptr(4 * slotID)).Write(uint32(target))
}

func (d *Driver) issueSetup(ring uintptr, setup usb.SetupPacket, trt uint32) {
	var buf [usb.SetupPacketSize]byte
	setup.MarshalTo(buf[:])
	d.issue(ring, trb{
		params1: binary.LittleEndian.Uint64(buf[:]),
		params2: usb.SetupPacketSize,
		control: trbSetupStage | trt | trbIDT,
	})
}

func (d *Driver) issueNormal(ring uintptr, buf uintptr, length int) {
	d.issue(ring, trb{params1: uint64(buf), params2: uint32(length), control: trbNormal | dirIn | trbIOC})
}

func (d *Driver) resetPort(index int) error {
	sc := d.portSC(index)
	sc.Write(portPP | portPR | portPRC)
	if !hal.WaitUntilSet(d.clock, sc, portPRC, portTimeout) {
		return fmt.Errorf("port %d reset: %w", index+1, pkg.ErrTimeout)
	}
	return nil
}

func (d *Driver) disablePort(index int) {
	sc := d.portSC(index)
	sc.Write(portPP | portPED)
	hal.WaitUntilClr(d.clock, sc, portPED, portTimeout)
}

// ResetRootHubPort resets root port (numbered from 1).
func (d *Driver) ResetRootHubPort(port int) error {
	return d.resetPort(port - 1)
}

// AllocateSlot enables a device slot and gives it a device workspace.
func (d *Driver) AllocateSlot() (int, error) {
	mark := d.heap.Mark()
	ws, err := d.heap.Alloc(devWSSize, pmem.PageSize)
	if err != nil {
		return 0, err
	}
	hal.Zero(d.mem, ws, devWSSize)

	ev, err := d.command(trbEnableSlot, 0, commandTimeout)
	if err != nil {
		d.heap.Rewind(mark)
		return 0, fmt.Errorf("enable slot: %w", err)
	}
	id := ev.slotID()
	hal.Write64(d.mem, d.dcbaa+uintptr(8*id), uint64(ws))
	d.slots[id] = slot{mark: mark, ws: ws}
	pkg.LogDebug(pkg.ComponentXHCI, "slot enabled", "slot", id, "ws", fmt.Sprintf("%#x", ws))
	return id, nil
}

// ReleaseSlot disables slot id and returns its device workspace to the
// heap.
func (d *Driver) ReleaseSlot(id int) error {
	s, ok := d.slots[id]
	if !ok {
		return fmt.Errorf("slot %d: %w", id, pkg.ErrInvalidParameter)
	}
	if _, err := d.command(trbDisableSlot|uint32(id)<<24, 0, commandTimeout); err != nil {
		return fmt.Errorf("disable slot %d: %w", id, err)
	}
	hal.Write64(d.mem, d.dcbaa+uintptr(8*id), 0)
	d.heap.Rewind(s.mark)
	delete(d.slots, id)
	pkg.LogDebug(pkg.ComponentXHCI, "slot disabled", "slot", id)
	return nil
}

// AssignAddress addresses the device through the controller. The
// enumeration never learns the USB address: ep0.DeviceID holds the slot
// ID. Low and full speed devices (and every device under TwoStepInit)
// first have the address request blocked, so 8 bytes of their device
// descriptor can be read at the default address to learn the control
// packet size.
func (d *Driver) AssignAddress(hub host.Hub, port int, speed usb.Speed, id int, ep0 *host.Endpoint) error {
	s, ok := d.slots[id]
	if !ok {
		return fmt.Errorf("slot %d: %w", id, pkg.ErrInvalidParameter)
	}
	ring := s.ws + controlRingOffset
	d.resetRing(ring)
	*ep0 = host.Endpoint{
		DriverData:    ring,
		Speed:         speed,
		DeviceID:      id,
		MaxPacketSize: int(speed.DefaultMaxPacketSize()),
	}

	in := d.input
	hal.Zero(d.mem, in, inputContextSize)
	d.mem.Write32(in+ctrlAdd, 1<<0|1<<1)

	slotCtx := in + d.ctxSize
	var info uint32
	bits.SetN(&info, 27, 0x1f, 1)
	bits.SetN(&info, 20, 0xf, xhciSpeed(speed))
	rootPort := port
	if !hub.IsRoot() {
		route := host.Route(hub, port)
		bits.SetN(&info, 0, 0xfffff, host.RouteString(route))
		rootPort = host.RootPort(route)
		parent := host.HSParent(hub, port, speed)
		d.mem.Write8(slotCtx+slotParentSlot, uint8(parent.DeviceID))
		d.mem.Write8(slotCtx+slotParentPort, uint8(parent.Port))
	}
	d.mem.Write32(slotCtx+slotInfo, info)
	d.mem.Write8(slotCtx+slotRootPort, uint8(rootPort))

	epCtx := in + 2*d.ctxSize
	d.mem.Write8(epCtx+epInfo2, epTypeControl<<3|3<<1)
	d.mem.Write16(epCtx+epMaxPacket, uint16(ep0.MaxPacketSize))
	hal.Write64(d.mem, epCtx+epDequeue, dequeuePointer(ring, epRingSize, epRingSize))
	d.mem.Write16(epCtx+epAvgTRBLength, 8)

	fetch := usb.DeviceDescriptorSize
	var flags uint32
	if speed < usb.SpeedHigh || d.hcd.Options.Has(host.TwoStepInit) {
		fetch, flags = 8, trbBSR
	}
	data := d.hcd.Workspace.Data[:]
	for {
		if _, err := d.command(trbAddressDevice|flags|uint32(id)<<24, uint64(in), addressTimeout); err != nil {
			return fmt.Errorf("address device slot %d: %w", id, err)
		}
		if flags == 0 {
			d.clock.Delay(host.SetAddressRecovery)
		}

		setup := usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetDescriptor,
			usb.DescriptorTypeDevice<<8, 0, uint16(fetch))
		if err := d.GetDataRequest(ep0, setup, data[:fetch]); err != nil {
			return fmt.Errorf("get device descriptor: %w", err)
		}
		if err := usb.ValidDeviceDescriptor(data[:fetch]); err != nil {
			return err
		}
		if flags == 0 {
			break
		}

		mps := int(data[7])
		if !usb.ValidMaxPacketSize(mps, speed) {
			return fmt.Errorf("control packet size %d at %v: %w", mps, speed, pkg.ErrInvalidDescriptor)
		}
		ep0.MaxPacketSize = mps
		if d.hcd.Options.Has(host.ExtraReset) {
			if err := d.hcd.ResetHubPort(hub, port); err != nil {
				return err
			}
		}
		// The second command picks the ring up where the first transfer
		// left it.
		d.mem.Write16(epCtx+epMaxPacket, uint16(mps))
		hal.Write64(d.mem, epCtx+epDequeue, dequeuePointer(ring, epRingSize, d.mem.Read32(ring+ringState)))
		fetch, flags = usb.DeviceDescriptorSize, 0
	}
	d.hcd.Workspace.DataLength = fetch

	pkg.LogDebug(pkg.ComponentXHCI, "device addressed",
		"slot", id, "port", port, "root", rootPort, "speed", speed, "maxp", ep0.MaxPacketSize)
	return nil
}

// configureInterrupt adds the IN interrupt endpoint ep to its slot,
// served by the transfer ring at ring. The input context still holds the
// slot context from the device's address assignment.
func (d *Driver) configureInterrupt(ep *host.Endpoint, hub bool, numPorts, ttThink int, ring uintptr, avgLen int) error {
	dci := 2*ep.EndpointNum + 1 // EP n IN

	in := d.input
	d.mem.Write32(in+ctrlDrop, 0)
	d.mem.Write32(in+ctrlAdd, 1<<0|1<<uint(dci))

	slotCtx := in + d.ctxSize
	info := d.mem.Read32(slotCtx + slotInfo)
	entries := max(int(info>>27), dci)
	info &= 0x00ffffff
	bits.SetN(&info, 27, 0x1f, uint32(entries))
	if hub {
		info |= slotHub
	}
	d.mem.Write32(slotCtx+slotInfo, info)
	d.mem.Write8(slotCtx+slotNumPorts, uint8(numPorts))
	tt := 0
	if ep.Speed == usb.SpeedHigh {
		tt = ttThink
	}
	d.mem.Write16(slotCtx+slotTTThink, uint16(tt))

	d.resetRing(ring)
	epCtx := in + uintptr(1+dci)*d.ctxSize
	hal.Zero(d.mem, epCtx, int(d.ctxSize))
	d.mem.Write8(epCtx+epInfo2, epTypeInterruptIn<<3|3<<1)
	d.mem.Write8(epCtx+epInterval, encodeInterval(ep.Interval, ep.Speed))
	d.mem.Write16(epCtx+epMaxPacket, uint16(ep.MaxPacketSize))
	hal.Write64(d.mem, epCtx+epDequeue, dequeuePointer(ring, epRingSize, epRingSize))
	d.mem.Write16(epCtx+epAvgTRBLength, uint16(avgLen))
	d.mem.Write16(epCtx+epMaxESITLo, uint16(ep.MaxPacketSize))

	if _, err := d.command(trbConfigureEndpoint|uint32(ep.DeviceID)<<24, uint64(in), commandTimeout); err != nil {
		return fmt.Errorf("configure endpoint %d slot %d: %w", ep.EndpointNum, ep.DeviceID, err)
	}
	return nil
}

// ConfigureHubEndpoint marks the slot as a hub and adds its status change
// endpoint.
func (d *Driver) ConfigureHubEndpoint(ep *host.Endpoint, hub host.Hub) error {
	s, ok := d.slots[ep.DeviceID]
	if !ok {
		return fmt.Errorf("slot %d: %w", ep.DeviceID, pkg.ErrInvalidParameter)
	}
	return d.configureInterrupt(ep, true, hub.NumPorts, hub.TTThinkTime,
		s.ws+interruptRingOffset, (hub.NumPorts+7)/8)
}

// ConfigureKeyboardEndpoint adds the report endpoint of keyboard index
// and records which (slot, endpoint) pair its events carry.
func (d *Driver) ConfigureKeyboardEndpoint(ep *host.Endpoint, index int) error {
	if index < 0 || index >= host.MaxKeyboards {
		return fmt.Errorf("keyboard %d: %w", index, pkg.ErrTableFull)
	}
	d.kbdSlot[index] = ep.DeviceID
	d.kbdEP[index] = 2*ep.EndpointNum + 1
	return d.configureInterrupt(ep, false, 0, 0, d.kbdRing(index), hid.KeyboardReportSize)
}

// SetupRequest issues a control request without a data stage.
func (d *Driver) SetupRequest(ep *host.Endpoint, setup usb.SetupPacket) error {
	ring := ep.DriverData
	d.issueSetup(ring, setup, trtNoData)
	d.issue(ring, trb{control: trbStatusStage | dirIn | trbIOC})
	d.ringDoorbell(ep.DeviceID, 1)
	if _, err := d.waitEvent(trbTransferEvent, transferTimeout); err != nil {
		return fmt.Errorf("xhci control slot %d: %w", ep.DeviceID, err)
	}
	return nil
}

// GetDataRequest issues a control request with an IN data stage of
// len(dst) bytes.
func (d *Driver) GetDataRequest(ep *host.Endpoint, setup usb.SetupPacket, dst []byte) error {
	if len(dst) > host.DataBufferSize {
		return fmt.Errorf("xhci data stage of %d bytes: %w", len(dst), pkg.ErrBufferTooSmall)
	}
	ring := ep.DriverData
	d.issueSetup(ring, setup, trtIn)
	d.issue(ring, trb{params1: uint64(d.ws + dataOffset), params2: uint32(len(dst)), control: trbDataStage | dirIn})
	d.issue(ring, trb{control: trbStatusStage | dirOut | trbIOC})
	d.ringDoorbell(ep.DeviceID, 1)
	if _, err := d.waitEvent(trbTransferEvent, transferTimeout); err != nil {
		return fmt.Errorf("xhci control slot %d: %w", ep.DeviceID, err)
	}
	hal.ReadBlock(d.mem, d.ws+dataOffset, dst)
	return nil
}

func (d *Driver) identifyKeyboard(slotID, epID int) int {
	for i := range d.keyboards {
		if d.kbdSlot[i] == slotID && d.kbdEP[i] == epID {
			return i
		}
	}
	return -1
}

// PollKeyboards drains the event ring. Each keyboard transfer event is
// matched to its keyboard by slot and endpoint, its report processed and
// the next report requested.
func (d *Driver) PollKeyboards() {
	for {
		ev, ok := d.nextEvent()
		if !ok {
			return
		}
		if ev.kind() != trbTransferEvent {
			continue
		}
		code := ev.code()
		if code != pkg.CompletionSuccess && code != pkg.CompletionShortPacket {
			pkg.LogDebug(pkg.ComponentXHCI, "keyboard transfer error",
				"slot", ev.slotID(), "endpoint", ev.endpointID(), "code", code)
			continue
		}
		i := d.identifyKeyboard(ev.slotID(), ev.endpointID())
		if i < 0 {
			continue
		}

		if code == pkg.CompletionSuccess {
			var buf [hid.KeyboardReportSize]byte
			hal.ReadBlock(d.mem, d.report(i), buf[:])
			var report hid.KeyboardReport
			hid.ParseKeyboardReport(buf[:], &report)
			if d.hcd.ProcessKeyboardReport(&report, &d.prev[i]) {
				d.prev[i] = report
			}
		}

		d.issueNormal(d.kbdRing(i), d.report(i), hid.KeyboardReportSize)
		d.ringDoorbell(d.kbdSlot[i], d.kbdEP[i])
	}
}

// Probe starts the controller at base and enumerates the devices on its
// USB 2 root ports. USB 3 ports are skipped. If no keyboard is found the
// controller is halted, its memory is returned to the heaps and
// pkg.ErrNoKeyboard is returned.
func Probe(p hal.Platform, base uintptr, opts host.Options, console *host.Console) (*host.Controller, []host.Endpoint, error) {
	caps, err := hal.NewRegion(p.Mem, base, RegisterSize)
	if err != nil {
		return nil, nil, err
	}

	hcs1 := caps.Reg32(capHCSParams1).Read()
	hcs2 := caps.Reg32(capHCSParams2).Read()
	hcc1 := caps.Reg32(capHCCParams1).Read()
	maxSlots := int(hcs1 & 0xff)
	numPorts := min(int(hcs1>>24), maxPorts)
	types := portTypes(caps, numPorts)

	d := &Driver{
		caps:  caps,
		op:    opRegion(caps),
		rt:    caps.Sub(uintptr(caps.Reg32(capRTSOff).Read() &^ 0x1f)),
		db:    caps.Sub(uintptr(caps.Reg32(capDBOff).Read() &^ 0x3)),
		mem:   p.Mem,
		clock: p.Clock,
		heap:  p.LowHeap,
		slots: make(map[int]slot),
	}

	lowMark := p.LowHeap.Mark()
	highMark := p.HighHeap.Mark()
	fail := func(err error) (*host.Controller, []host.Endpoint, error) {
		p.LowHeap.Rewind(lowMark)
		p.HighHeap.Rewind(highMark)
		return nil, nil, err
	}

	pageSize := uintptr(d.reg(regPageSize).Read()&0xffff) << 12
	if pageSize == 0 {
		return fail(fmt.Errorf("xhci page size: %w", pkg.ErrNotSupported))
	}

	numScratch := uintptr(hcs2>>21)&0x1f<<5 | uintptr(hcs2>>27)&0x1f
	var scratch uintptr
	if numScratch > 0 {
		if scratch, err = p.HighHeap.Alloc(numScratch*pageSize, pageSize); err != nil {
			return fail(err)
		}
		hal.Zero(p.Mem, scratch, int(numScratch*pageSize))
	}

	dcbaaSize := (uintptr(1+maxSlots)*8 + 63) &^ 63
	if d.dcbaa, err = p.HighHeap.Alloc(dcbaaSize+numScratch*8, 64); err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, d.dcbaa, int(dcbaaSize))
	if numScratch > 0 {
		index := d.dcbaa + dcbaaSize
		hal.Write64(p.Mem, d.dcbaa, uint64(index))
		for i := uintptr(0); i < numScratch; i++ {
			hal.Write64(p.Mem, index+8*i, uint64(scratch+i*pageSize))
		}
	}

	if d.ws, err = p.LowHeap.Alloc(wsSize, pmem.PageSize); err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, d.ws, wsSize)
	if d.input, err = p.LowHeap.Alloc(inputContextSize, pmem.PageSize); err != nil {
		return fail(err)
	}
	hal.Zero(p.Mem, d.input, inputContextSize)

	d.ctxSize = 32
	if hcc1&hccCSZ != 0 {
		d.ctxSize = 64
	}
	d.cmdState = cmdRingSize
	d.evtState = evtRingSize
	d.hcd = host.NewController("XHCI", d, p.Clock, opts, console)

	erst := d.ws + erstOffset
	hal.Write64(p.Mem, erst, uint64(d.ws+evtRingOffset))
	p.Mem.Write32(erst+8, evtRingSize)
	hal.Write64(p.Mem, d.rt.Base+regERDP, uint64(d.ws+evtRingOffset))
	d.rt.Reg32(regERSTSZ).Write(1)
	hal.Write64(p.Mem, d.rt.Base+regERSTBA, uint64(erst))

	crcr := hal.Read64(p.Mem, d.op.Base+regCRCR)&0x30 | uint64(d.ws+cmdRingOffset) | 1
	hal.Write64(p.Mem, d.op.Base+regCRCR, crcr)
	hal.Write64(p.Mem, d.op.Base+regDCBAAP, uint64(d.dcbaa))
	d.reg(regConfig).SetN(0, 0x3ff, uint32(maxSlots))

	d.reg(regUSBCmd).Set(cmdRS)
	if !hal.WaitUntilClr(p.Clock, d.reg(regUSBSts), stsHCH, haltTimeout) {
		return fail(fmt.Errorf("xhci start: %w", pkg.ErrNotRunning))
	}

	root := host.Hub{NumPorts: numPorts}
	p.Clock.Delay(attachDelay)

	scan := host.NewScan(host.MaxKeyboards)
	for index := 0; index < root.NumPorts; index++ {
		if scan.Full() {
			break
		}
		// Keyboards only appear on USB 2 ports.
		if types[index]&portTypeUSB2 == 0 {
			continue
		}
		if d.portSC(index).Read()&portCCS == 0 {
			continue
		}
		if err := d.hcd.ResetHubPort(root, index+1); err != nil {
			pkg.LogDebug(pkg.ComponentXHCI, "port reset failed", "port", index+1, "error", err)
			continue
		}
		status := d.portSC(index).Read()
		if status&portCCS == 0 || status&portPED == 0 {
			continue
		}
		speed := usbSpeed(status>>10&0xf)
		if speed == usb.SpeedUnknown {
			pkg.LogDebug(pkg.ComponentXHCI, "unsupported port speed", "port", index+1, "status", status)
			continue
		}

		scan.NumDevices++
		id, err := d.AllocateSlot()
		if err != nil {
			pkg.LogDebug(pkg.ComponentXHCI, "slot allocation failed", "port", index+1, "error", err)
			break
		}
		if d.hcd.FindAttachedKeyboards(scan, root, index+1, speed, id) {
			continue
		}
		d.disablePort(index)
		if err := d.ReleaseSlot(id); err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "slot release failed", "slot", id, "error", err)
		}
	}

	console.Printf("%s", scan.Summary())
	pkg.LogInfo(pkg.ComponentXHCI, "scan complete",
		"base", fmt.Sprintf("%#x", base), "ports", root.NumPorts, "slots", maxSlots,
		"scratchpads", numScratch, "devices", scan.NumDevices, "keyboards", len(scan.Keyboards))

	if len(scan.Keyboards) == 0 {
		if err := halt(d.op, p.Clock); err != nil {
			pkg.LogWarn(pkg.ComponentXHCI, "halt failed", "error", err)
		}
		return fail(pkg.ErrNoKeyboard)
	}

	d.keyboards = scan.Keyboards
	for i := range d.keyboards {
		d.issueNormal(d.kbdRing(i), d.report(i), hid.KeyboardReportSize)
		d.ringDoorbell(d.kbdSlot[i], d.kbdEP[i])
	}
	return d.hcd, d.keyboards, nil
}
