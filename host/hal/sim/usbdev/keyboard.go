package usbdev

import (
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

// KeyboardConfig describes a simulated boot keyboard.
type KeyboardConfig struct {
	Name           string
	Speed          usb.Speed
	VendorID       uint16
	ProductID      uint16
	MaxPacketSize0 uint8 // Zero selects the speed's default
	Interval       uint8 // Zero selects 10
	WithMouse      bool  // Add a boot mouse interface after the keyboard
}

// Endpoint numbers of the simulated keyboard.
const (
	KeyboardEndpoint = 1
	MouseEndpoint    = 2
)

// Keyboard is a HID boot keyboard. Reports queued with Press, Release or
// Type are returned one per interrupt poll.
type Keyboard struct {
	*Device

	protocol uint8
	idleRate uint8
	queue    [][]byte
	current  hid.KeyboardReport
}

var _ Function = (*Keyboard)(nil)

// NewKeyboard returns a keyboard in the Attached state.
func NewKeyboard(cfg KeyboardConfig) *Keyboard {
	if cfg.Interval == 0 {
		cfg.Interval = 10
	}
	ifaces := []InterfaceSpec{{
		Class:     usb.ClassHID,
		SubClass:  usb.SubclassBoot,
		Protocol:  usb.ProtocolKeyboard,
		Extra:     [][]byte{hidDescriptor(len(hid.KeyboardReportDescriptor))},
		Endpoints: []usb.EndpointDescriptor{InterruptIn(KeyboardEndpoint, hid.KeyboardReportSize, cfg.Interval)},
	}}
	if cfg.WithMouse {
		ifaces = append(ifaces, InterfaceSpec{
			Class:     usb.ClassHID,
			SubClass:  usb.SubclassBoot,
			Protocol:  usb.ProtocolMouse,
			Extra:     [][]byte{hidDescriptor(50)},
			Endpoints: []usb.EndpointDescriptor{InterruptIn(MouseEndpoint, 4, cfg.Interval)},
		})
	}
	desc := usb.DeviceDescriptor{
		USBVersion:     0x0200,
		MaxPacketSize0: cfg.MaxPacketSize0,
		VendorID:       cfg.VendorID,
		ProductID:      cfg.ProductID,
		DeviceVersion:  0x0100,
	}
	k := &Keyboard{protocol: usb.HIDProtocolReport}
	k.Device = NewDevice(cfg.Name, cfg.Speed, desc, BuildConfig(1, ifaces...), k)
	return k
}

// Protocol returns the protocol selected by the host.
func (k *Keyboard) Protocol() uint8 { return k.protocol }

// IdleRate returns the idle rate selected by the host, in 4 ms units.
func (k *Keyboard) IdleRate() uint8 { return k.idleRate }

// Pending returns the number of queued reports.
func (k *Keyboard) Pending() int { return len(k.queue) }

// Press adds keys to the held set and queues the resulting report.
func (k *Keyboard) Press(keys ...uint8) {
	for _, key := range keys {
		k.current.SetKey(key)
	}
	k.push()
}

// Release removes keys from the held set, or every key if none are
// given, and queues the resulting report.
func (k *Keyboard) Release(keys ...uint8) {
	if len(keys) == 0 {
		k.current.Clear()
	}
	for _, key := range keys {
		k.current.ClearKey(key)
	}
	k.push()
}

// Phantom queues a report with every key slot set to the rollover error.
func (k *Keyboard) Phantom() {
	var r hid.KeyboardReport
	for i := range r.Keys {
		r.Keys[i] = hid.KeyErrorRollOver
	}
	k.pushReport(&r)
}

// Type queues a press and a release for every character of text that has
// a usage code. It returns the number of characters queued.
func (k *Keyboard) Type(text string) int {
	n := 0
	for i := 0; i < len(text); i++ {
		code, ok := hid.Usage(text[i])
		if !ok {
			continue
		}
		k.Press(code)
		k.Release(code)
		n++
	}
	return n
}

func (k *Keyboard) push() {
	k.pushReport(&k.current)
}

func (k *Keyboard) pushReport(r *hid.KeyboardReport) {
	buf := make([]byte, hid.KeyboardReportSize)
	r.MarshalTo(buf)
	k.queue = append(k.queue, buf)
}

// HandleSetup processes the HID class requests and the HID descriptor
// requests.
func (k *Keyboard) HandleSetup(setup usb.SetupPacket) ([]byte, bool, error) {
	if setup.RequestType == usb.RequestFromInterface && setup.Request == usb.RequestGetDescriptor {
		switch uint8(setup.Value >> 8) {
		case usb.DescriptorTypeHIDReport:
			return append([]byte(nil), hid.KeyboardReportDescriptor...), true, nil
		case usb.DescriptorTypeHID:
			return hidDescriptor(len(hid.KeyboardReportDescriptor)), true, nil
		}
		return nil, true, pkg.ErrNotSupported
	}
	if setup.RequestType&requestTypeMask != usb.RequestTypeClass {
		return nil, false, nil
	}

	switch setup.Request {
	case usb.RequestHIDSetIdle:
		k.idleRate = uint8(setup.Value >> 8)
		return nil, true, nil
	case usb.RequestHIDGetIdle:
		return []byte{k.idleRate}, true, nil
	case usb.RequestHIDSetProtocol:
		k.protocol = uint8(setup.Value)
		pkg.LogDebug(pkg.ComponentSim, "keyboard protocol", "device", k.Name, "protocol", k.protocol)
		return nil, true, nil
	case usb.RequestHIDGetProtocol:
		return []byte{k.protocol}, true, nil
	case usb.RequestHIDGetReport:
		buf := make([]byte, hid.KeyboardReportSize)
		k.current.MarshalTo(buf)
		return buf, true, nil
	case usb.RequestHIDSetReport:
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

// InterruptIn returns the next queued report on the keyboard endpoint.
func (k *Keyboard) InterruptIn(ep int) ([]byte, bool) {
	if ep != KeyboardEndpoint || len(k.queue) == 0 {
		return nil, false
	}
	r := k.queue[0]
	k.queue = k.queue[1:]
	return r, true
}

// BusReset restores the power-on protocol and idle rate. Queued reports
// survive so input can be queued before enumeration.
func (k *Keyboard) BusReset() {
	k.protocol = usb.HIDProtocolReport
	k.idleRate = 0
}
