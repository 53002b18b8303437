package usbdev

import (
	"errors"
	"fmt"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// ErrNAK is returned by In when the endpoint has no data to send.
var ErrNAK = errors.New("nak")

// State is the USB device state as seen by the device.
type State uint8

// Device states.
const (
	StateAttached   State = iota // Powered, not yet reset
	StateDefault                 // Reset, answering at address 0
	StateAddress                 // Address assigned
	StateConfigured              // Configuration selected
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDefault:
		return "default"
	case StateAddress:
		return "address"
	case StateConfigured:
		return "configured"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Function implements the behaviour of a device beyond the standard
// requests.
type Function interface {
	// HandleSetup handles a request the standard handler does not
	// recognise. It reports whether the request was handled.
	HandleSetup(setup usb.SetupPacket) ([]byte, bool, error)

	// InterruptIn returns the next packet of IN endpoint ep, or false if
	// the endpoint has nothing to send (NAK).
	InterruptIn(ep int) ([]byte, bool)

	// BusReset returns the function to its power-on state.
	BusReset()
}

// Device models a USB device's default control pipe and state machine.
type Device struct {
	Name       string
	Descriptor usb.DeviceDescriptor
	Config     []byte // Complete descriptor set of configuration 1

	speed      usb.Speed
	fn         Function
	hub        *Hub
	state      State
	address    int
	newAddress int
	config     uint8

	// Control transfer in progress.
	active   bool
	setupIn  bool
	response []byte

	// Requests logs every SETUP packet received, in order.
	Requests []usb.SetupPacket

	// Fail, if set, is consulted before every request; a non-nil result
	// is returned as a STALL.
	Fail func(setup usb.SetupPacket) error
}

// NewDevice returns a device in the Attached state.
func NewDevice(name string, speed usb.Speed, desc usb.DeviceDescriptor, config []byte, fn Function) *Device {
	if desc.MaxPacketSize0 == 0 {
		desc.MaxPacketSize0 = uint8(speed.DefaultMaxPacketSize())
	}
	desc.Length = usb.DeviceDescriptorSize
	desc.DescriptorType = usb.DescriptorTypeDevice
	if desc.NumConfigurations == 0 {
		desc.NumConfigurations = 1
	}
	return &Device{
		Name:       name,
		Descriptor: desc,
		Config:     config,
		speed:      speed,
		fn:         fn,
		newAddress: -1,
	}
}

// Speed returns the device speed.
func (d *Device) Speed() usb.Speed { return d.speed }

// State returns the current device state.
func (d *Device) State() State { return d.state }

// Address returns the current device address.
func (d *Device) Address() int { return d.address }

// Configuration returns the selected configuration value.
func (d *Device) Configuration() uint8 { return d.config }

// Function returns the device's function, or nil.
func (d *Device) Function() Function { return d.fn }

// Hub returns the hub function of d, or nil if d is not a hub.
func (d *Device) Hub() *Hub { return d.hub }

// Reset moves the device to the Default state, as a bus reset does.
func (d *Device) Reset() {
	d.state = StateDefault
	d.address = 0
	d.newAddress = -1
	d.config = 0
	d.active = false
	d.response = nil
	if d.fn != nil {
		d.fn.BusReset()
	}
	pkg.LogDebug(pkg.ComponentSim, "device reset", "device", d.Name)
}

// Detach returns the device to the Attached state.
func (d *Device) Detach() {
	d.Reset()
	d.state = StateAttached
}

// Responds reports whether the device answers packets sent to addr.
func (d *Device) Responds(addr int) bool {
	return d.state != StateAttached && d.address == addr
}

// Setup starts a control transfer. Requests without a data stage take
// effect here, except SET_ADDRESS which takes effect at the status stage.
func (d *Device) Setup(setup usb.SetupPacket) error {
	d.Requests = append(d.Requests, setup)
	d.active = false
	d.response = nil
	if d.state == StateAttached {
		return pkg.ErrNoDevice
	}
	if d.Fail != nil {
		if err := d.Fail(setup); err != nil {
			return err
		}
	}
	resp, err := d.handleSetup(setup)
	if err != nil {
		pkg.LogDebug(pkg.ComponentSim, "request stalled",
			"device", d.Name, "type", setup.RequestType, "request", setup.Request, "error", err)
		return fmt.Errorf("%s: %w", d.Name, pkg.ErrStall)
	}
	if setup.IsIn() && len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	d.active = true
	d.setupIn = setup.IsIn()
	d.response = resp
	return nil
}

// DataIn returns up to max bytes of the data stage. An empty result ends
// the data stage with a short packet.
func (d *Device) DataIn(max int) ([]byte, error) {
	if !d.active {
		return nil, pkg.ErrProtocol
	}
	n := min(max, len(d.response))
	chunk := d.response[:n]
	d.response = d.response[n:]
	return chunk, nil
}

// Status completes the control transfer.
func (d *Device) Status() error {
	if !d.active {
		return pkg.ErrProtocol
	}
	d.active = false
	d.response = nil
	if d.newAddress >= 0 {
		d.address = d.newAddress
		d.newAddress = -1
		if d.address == 0 {
			d.state = StateDefault
		} else {
			d.state = StateAddress
		}
		pkg.LogDebug(pkg.ComponentSim, "address set", "device", d.Name, "address", d.address)
	}
	return nil
}

// Control performs a complete control transfer, copying the IN data stage
// into dst.
func (d *Device) Control(setup usb.SetupPacket, dst []byte) (int, error) {
	if err := d.Setup(setup); err != nil {
		return 0, err
	}
	n := 0
	if setup.IsIn() {
		chunk, err := d.DataIn(min(len(dst), int(setup.Length)))
		if err != nil {
			return 0, err
		}
		n = copy(dst, chunk)
	}
	return n, d.Status()
}

// In performs an IN transaction on endpoint ep. On the control endpoint
// it is the data stage of an IN request or the status stage of any other.
// Other endpoints return ErrNAK while they have nothing to send.
func (d *Device) In(ep int, max int) ([]byte, error) {
	if ep == 0 {
		if d.active && d.setupIn {
			return d.DataIn(max)
		}
		return nil, d.Status()
	}
	data, ok := d.Interrupt(ep)
	if !ok {
		return nil, ErrNAK
	}
	if len(data) > max {
		data = data[:max]
	}
	return data, nil
}

// Out performs an OUT transaction on endpoint ep. On the control endpoint
// it is the status stage of an IN request; OUT data stages are accepted
// and discarded.
func (d *Device) Out(ep int, data []byte) error {
	if ep != 0 {
		return pkg.ErrNotSupported
	}
	if d.active && d.setupIn {
		return d.Status()
	}
	if !d.active {
		return pkg.ErrProtocol
	}
	return nil
}

// Interrupt returns the next packet of IN endpoint ep.
func (d *Device) Interrupt(ep int) ([]byte, bool) {
	if d.state != StateConfigured || d.fn == nil {
		return nil, false
	}
	return d.fn.InterruptIn(ep)
}
