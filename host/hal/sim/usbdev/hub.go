package usbdev

import (
	"encoding/binary"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// HubConfig describes a simulated external hub.
type HubConfig struct {
	Name         string
	Speed        usb.Speed
	NumPorts     int
	PowerUpDelay uint8  // bPwrOn2PwrGood, 2 ms units
	ThinkTime    uint8  // TT think time selector 0..3
	VendorID     uint16 // Zero selects a generic hub vendor
	ProductID    uint16
}

// Hub is a USB 2.0 hub with per-port power switching. Port resets
// complete immediately.
type Hub struct {
	*Device

	Ports []*Port
	desc  usb.HubDescriptor
}

var _ Function = (*Hub)(nil)

// Hub status change endpoint.
const HubStatusEndpoint = 1

// NewHub returns a hub in the Attached state with empty, unpowered ports.
func NewHub(cfg HubConfig) *Hub {
	if cfg.NumPorts <= 0 {
		cfg.NumPorts = 4
	}
	if cfg.VendorID == 0 {
		cfg.VendorID, cfg.ProductID = 0x05e3, 0x0608
	}
	h := &Hub{
		Ports: make([]*Port, cfg.NumPorts),
		desc: usb.HubDescriptor{
			NumPorts:           uint8(cfg.NumPorts),
			Characteristics:    0x0009 | uint16(cfg.ThinkTime&3)<<5, // Per-port power and overcurrent
			PowerOnToPowerGood: cfg.PowerUpDelay,
			ControllerCurrent:  100,
		},
	}
	for i := range h.Ports {
		h.Ports[i] = &Port{}
	}
	iface := InterfaceSpec{
		Class:     usb.ClassHub,
		Endpoints: []usb.EndpointDescriptor{InterruptIn(HubStatusEndpoint, 1, 12)},
	}
	protocol := uint8(0)
	if cfg.Speed == usb.SpeedHigh {
		protocol = 1 // Single TT
	}
	desc := usb.DeviceDescriptor{
		USBVersion:     0x0200,
		DeviceClass:    usb.ClassHub,
		DeviceProtocol: protocol,
		VendorID:       cfg.VendorID,
		ProductID:      cfg.ProductID,
		DeviceVersion:  0x0100,
	}
	h.Device = NewDevice(cfg.Name, cfg.Speed, desc, BuildConfig(1, iface), h)
	h.Device.hub = h
	return h
}

// HubDescriptor returns the hub class descriptor.
func (h *Hub) HubDescriptor() usb.HubDescriptor { return h.desc }

// Attach connects dev to port (numbered from 1). A device faster than the
// hub runs at the hub's speed.
func (h *Hub) Attach(port int, dev *Device) {
	if dev.speed > h.speed {
		dev.speed = h.speed
	}
	h.Ports[port-1].Attach(dev)
}

func (h *Hub) port(index uint16) *Port {
	if index < 1 || int(index) > len(h.Ports) {
		return nil
	}
	return h.Ports[index-1]
}

// HandleSetup processes hub class requests.
func (h *Hub) HandleSetup(setup usb.SetupPacket) ([]byte, bool, error) {
	if setup.RequestType&requestTypeMask != usb.RequestTypeClass {
		return nil, false, nil
	}
	recipient := setup.RequestType & recipientMask

	switch {
	case recipient == usb.RequestTypeDevice && setup.Request == usb.RequestHubGetDescriptor:
		if uint8(setup.Value>>8) != usb.DescriptorTypeHub {
			return nil, true, pkg.ErrInvalidParameter
		}
		buf := make([]byte, 16)
		n := h.desc.MarshalTo(buf)
		return buf[:n], true, nil

	case recipient == usb.RequestTypeDevice && setup.Request == usb.RequestHubGetStatus:
		return make([]byte, 4), true, nil

	case recipient == usb.RequestTypeOther:
		p := h.port(setup.Index)
		if p == nil {
			return nil, true, pkg.ErrInvalidParameter
		}
		switch setup.Request {
		case usb.RequestHubGetStatus:
			return binary.LittleEndian.AppendUint32(nil, p.Status(h.speed)), true, nil
		case usb.RequestHubSetFeature:
			return nil, true, h.setPortFeature(p, setup.Value)
		case usb.RequestHubClearFeature:
			return nil, true, h.clearPortFeature(p, setup.Value)
		}
	}
	return nil, false, nil
}

func (h *Hub) setPortFeature(p *Port, feature uint16) error {
	switch feature {
	case usb.HubPortPower:
		p.PowerOn()
	case usb.HubPortReset:
		p.Reset()
	case usb.HubPortSuspend:
		p.Suspended = true
	default:
		return pkg.ErrInvalidParameter
	}
	pkg.LogDebug(pkg.ComponentSim, "hub port feature set", "hub", h.Name, "feature", feature)
	return nil
}

func (h *Hub) clearPortFeature(p *Port, feature uint16) error {
	switch feature {
	case usb.HubPortEnable:
		p.Disable()
	case usb.HubPortPower:
		p.PowerOff()
	case usb.HubPortSuspend:
		p.Suspended = false
	case usb.HubCPortConnection:
		p.Change &^= PortChangeConnection
	case usb.HubCPortEnable:
		p.Change &^= PortChangeEnable
	case usb.HubCPortReset:
		p.Change &^= PortChangeReset
	default:
		return pkg.ErrInvalidParameter
	}
	return nil
}

// InterruptIn returns the status change bitmap while any port has a
// pending change.
func (h *Hub) InterruptIn(ep int) ([]byte, bool) {
	if ep != HubStatusEndpoint {
		return nil, false
	}
	bitmap := make([]byte, len(h.Ports)/8+1)
	changed := false
	for i, p := range h.Ports {
		if p.Change != 0 {
			bitmap[(i+1)/8] |= 1 << ((i + 1) % 8)
			changed = true
		}
	}
	return bitmap, changed
}

// BusReset powers down every port, as losing configuration does.
func (h *Hub) BusReset() {
	for _, p := range h.Ports {
		p.PowerOff()
	}
}
