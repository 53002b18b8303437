package host

import (
	"github.com/ardnew/softhcd/usb"
)

// Endpoint describes one endpoint of an attached device as seen by a
// controller backend.
type Endpoint struct {
	DriverData    uintptr   // Backend-private (queue head, endpoint descriptor or device context)
	Speed         usb.Speed // Device speed
	DeviceID      int       // USB address, or XHCI slot ID
	InterfaceNum  int
	EndpointNum   int
	MaxPacketSize int
	Interval      int // bInterval as reported by the device
}

// Parent identifies the nearest high-speed hub above a low or full speed
// device, which owns the transaction translator the device sits behind.
type Parent struct {
	DeviceID int
	Port     int
}

// Hub describes a hub during enumeration. The root hub has Level 0 and no
// control endpoint. Hubs are passed by value down the port scan.
type Hub struct {
	EP0          *Endpoint
	Route        uint32 // Root port in bits 31:24, route string in bits 19:0
	Level        int
	NumPorts     int
	TTThinkTime  int
	PowerUpDelay int // In units of 2 ms
	HSParent     Parent
}

// IsRoot reports whether h is a controller root hub.
func (h Hub) IsRoot() bool {
	return h.Level == 0
}

// Driver is the capability set every controller backend implements. The
// enumeration engine drives the backend solely through this interface and
// the optional interfaces below.
type Driver interface {
	// ResetRootHubPort resets root hub port (numbered from 1).
	ResetRootHubPort(port int) error

	// AssignAddress moves the device on hub port from the Default to the
	// Address state using id, fills in ep0 and leaves the device
	// descriptor in the workspace data buffer. Most backends delegate to
	// Controller.AssignUSBAddress.
	AssignAddress(hub Hub, port int, speed usb.Speed, id int, ep0 *Endpoint) error

	// SetupRequest performs a control transfer with no data stage.
	SetupRequest(ep *Endpoint, setup usb.SetupPacket) error

	// GetDataRequest performs a control transfer with an IN data stage
	// into dst.
	GetDataRequest(ep *Endpoint, setup usb.SetupPacket, dst []byte) error

	// PollKeyboards collects completed keyboard reports and feeds them to
	// Controller.ProcessKeyboardReport.
	PollKeyboards()
}

// SlotAllocator is implemented by backends where the controller assigns
// device identifiers (XHCI slots) instead of the enumeration engine.
type SlotAllocator interface {
	AllocateSlot() (int, error)
	ReleaseSlot(id int) error
}

// HubEndpointConfigurer is implemented by backends that must be told about
// a hub before its downstream ports are scanned.
type HubEndpointConfigurer interface {
	ConfigureHubEndpoint(ep *Endpoint, hub Hub) error
}

// KeyboardEndpointConfigurer is implemented by backends that must set up
// the interrupt endpoint of keyboard index before it is polled.
type KeyboardEndpointConfigurer interface {
	ConfigureKeyboardEndpoint(ep *Endpoint, index int) error
}

// Route returns the route of the device attached to port of hub. The root
// port occupies bits 31:24; each hub tier below the first adds a 4-bit
// port number, tier 1 in the lowest nibble.
func Route(hub Hub, port int) uint32 {
	if hub.Level == 0 {
		return uint32(port) << 24
	}
	if hub.Level > MaxHubDepth {
		port = 0
	} else if port > 15 {
		port = 15
	}
	return hub.Route | uint32(port)<<(4*(hub.Level-1))
}

// RootPort returns the root hub port encoded in route.
func RootPort(route uint32) int {
	return int(route >> 24)
}

// RouteString returns the 20-bit tier route of route.
func RouteString(route uint32) uint32 {
	return route & 0xfffff
}

// RoutePort returns the port at tier level (1..5) of route.
func RoutePort(route uint32, level int) int {
	if level < 1 || level > MaxHubDepth {
		return 0
	}
	return int(route>>(4*(level-1))) & 0xf
}

// HSParent returns the transaction translator parent of a device with the
// given speed attached to port of hub. High speed devices and devices on
// a root port have none.
func HSParent(hub Hub, port int, speed usb.Speed) Parent {
	if speed >= usb.SpeedHigh || hub.Level == 0 || hub.EP0 == nil {
		return Parent{}
	}
	if hub.EP0.Speed < usb.SpeedHigh {
		return hub.HSParent
	}
	return Parent{DeviceID: hub.EP0.DeviceID, Port: port}
}
