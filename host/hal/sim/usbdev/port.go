package usbdev

import (
	"github.com/ardnew/softhcd/usb"
)

// Port change bits (wPortChange).
const (
	PortChangeConnection uint16 = 1 << 0
	PortChangeEnable     uint16 = 1 << 1
	PortChangeReset      uint16 = 1 << 4
)

// Port is a downstream port of a hub or a controller root hub. Root hub
// models keep their own register state and use Port only for the
// attached device and its enable state.
type Port struct {
	Device    *Device
	Powered   bool
	Enabled   bool
	Suspended bool
	Change    uint16
}

// Connected reports whether a device is plugged into the port.
func (p *Port) Connected() bool {
	return p.Device != nil
}

// Attach plugs dev into the port.
func (p *Port) Attach(dev *Device) {
	p.Device = dev
	p.Change |= PortChangeConnection
	if p.Powered {
		dev.Detach()
	}
}

// PowerOn switches port power on.
func (p *Port) PowerOn() {
	if p.Powered {
		return
	}
	p.Powered = true
	if p.Device != nil {
		p.Device.Detach()
		p.Change |= PortChangeConnection
	}
}

// PowerOff switches port power off, disabling the port.
func (p *Port) PowerOff() {
	p.Powered = false
	p.Enabled = false
	if p.Device != nil {
		p.Device.Detach()
	}
}

// Reset drives a bus reset onto the port and enables it if a device is
// present.
func (p *Port) Reset() {
	if p.Device == nil {
		return
	}
	p.Device.Reset()
	p.Enabled = true
	p.Change |= PortChangeReset
}

// Disable disables the port without removing power.
func (p *Port) Disable() {
	p.Enabled = false
}

// Status returns wPortStatus and wPortChange packed as the hub
// GET_STATUS request returns them. hubSpeed limits the reported speed.
func (p *Port) Status(hubSpeed usb.Speed) uint32 {
	var status uint32
	if p.Powered {
		status |= usb.HubPortStatusPowered
		if p.Device != nil {
			status |= usb.HubPortStatusConnected
		}
	}
	if p.Enabled && p.Device != nil {
		status |= usb.HubPortStatusEnabled
		switch speed := min(p.Device.Speed(), hubSpeed); speed {
		case usb.SpeedLow:
			status |= usb.HubPortStatusLowSpeed
		case usb.SpeedHigh:
			status |= usb.HubPortStatusHighSpeed
		}
	}
	if p.Suspended {
		status |= usb.HubPortStatusSuspended
	}
	return status | uint32(p.Change)<<16
}

// Find returns the device answering to addr behind ports. Only enabled
// ports are searched, and hubs are descended only once configured.
func Find(ports []*Port, addr int) *Device {
	for _, p := range ports {
		if p == nil || !p.Enabled || p.Device == nil {
			continue
		}
		dev := p.Device
		if dev.Responds(addr) {
			return dev
		}
		if h := dev.Hub(); h != nil && dev.State() == StateConfigured {
			if found := Find(h.Ports, addr); found != nil {
				return found
			}
		}
	}
	return nil
}

// FindRoute returns the port reached from root by following the 4-bit
// port numbers of route, lowest tier first. A zero nibble ends the route.
func FindRoute(root *Port, route uint32) *Port {
	p := root
	for tier := 0; tier < 5; tier++ {
		num := int(route>>(4*tier)) & 0xf
		if num == 0 {
			break
		}
		if p == nil || p.Device == nil || p.Device.Hub() == nil {
			return nil
		}
		ports := p.Device.Hub().Ports
		if num > len(ports) {
			return nil
		}
		p = ports[num-1]
	}
	return p
}

// Walk calls fn for every device behind ports, depth first, with the
// hub tier of each device (0 for devices on ports).
func Walk(ports []*Port, fn func(dev *Device, tier int)) {
	walk(ports, 0, fn)
}

func walk(ports []*Port, tier int, fn func(dev *Device, tier int)) {
	for _, p := range ports {
		if p == nil || p.Device == nil {
			continue
		}
		fn(p.Device, tier)
		if h := p.Device.Hub(); h != nil {
			walk(h.Ports, tier+1, fn)
		}
	}
}
