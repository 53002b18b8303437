package usbdev

import (
	"encoding/binary"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

const (
	requestTypeMask = 0x60
	recipientMask   = 0x1f
)

// handleSetup processes one SETUP request, standard requests first and
// everything else through the device function.
func (d *Device) handleSetup(setup usb.SetupPacket) ([]byte, error) {
	if setup.RequestType&requestTypeMask == usb.RequestTypeStandard {
		switch setup.RequestType & recipientMask {
		case usb.RequestTypeDevice:
			if resp, ok, err := d.handleDeviceRequest(setup); ok {
				return resp, err
			}
		case usb.RequestTypeInterface:
			if resp, ok, err := d.handleInterfaceRequest(setup); ok {
				return resp, err
			}
		case usb.RequestTypeEndpoint:
			if setup.Request == usb.RequestGetStatus {
				return []byte{0, 0}, nil
			}
		}
	}
	if d.fn != nil {
		if resp, ok, err := d.fn.HandleSetup(setup); ok {
			return resp, err
		}
	}
	return nil, pkg.ErrNotSupported
}

// handleDeviceRequest handles device-level standard requests.
func (d *Device) handleDeviceRequest(setup usb.SetupPacket) ([]byte, bool, error) {
	switch setup.Request {
	case usb.RequestGetStatus:
		return []byte{0, 0}, true, nil
	case usb.RequestSetAddress:
		return nil, true, d.setAddress(setup)
	case usb.RequestGetDescriptor:
		return d.getDescriptor(setup)
	case usb.RequestGetConfiguration:
		return []byte{d.config}, true, nil
	case usb.RequestSetConfiguration:
		return nil, true, d.setConfiguration(setup)
	default:
		return nil, false, nil
	}
}

// handleInterfaceRequest handles interface-level standard requests.
func (d *Device) handleInterfaceRequest(setup usb.SetupPacket) ([]byte, bool, error) {
	switch setup.Request {
	case usb.RequestGetStatus:
		return []byte{0, 0}, true, nil
	case usb.RequestGetInterface:
		return []byte{0}, true, nil
	case usb.RequestSetInterface:
		if setup.Value != 0 {
			return nil, true, pkg.ErrInvalidParameter
		}
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

// setAddress records the new address, which is applied when the status
// stage completes.
func (d *Device) setAddress(setup usb.SetupPacket) error {
	if d.state != StateDefault && d.state != StateAddress {
		return pkg.ErrProtocol
	}
	if setup.Value > usb.MaxAddress {
		return pkg.ErrInvalidParameter
	}
	d.newAddress = int(setup.Value)
	return nil
}

// getDescriptor handles GET_DESCRIPTOR for the device and configuration
// descriptors. Other types are left to the function (hub and HID class
// descriptors are requested through the standard request code).
func (d *Device) getDescriptor(setup usb.SetupPacket) ([]byte, bool, error) {
	descType := uint8(setup.Value >> 8)
	descIndex := uint8(setup.Value)

	switch descType {
	case usb.DescriptorTypeDevice:
		buf := make([]byte, usb.DeviceDescriptorSize)
		d.Descriptor.MarshalTo(buf)
		return buf, true, nil

	case usb.DescriptorTypeConfiguration:
		if descIndex != 0 || len(d.Config) < usb.ConfigurationDescriptorSize {
			return nil, true, pkg.ErrInvalidParameter
		}
		return append([]byte(nil), d.Config...), true, nil

	default:
		return nil, false, nil
	}
}

// setConfiguration handles SET_CONFIGURATION request.
func (d *Device) setConfiguration(setup usb.SetupPacket) error {
	if d.state != StateAddress && d.state != StateConfigured {
		return pkg.ErrProtocol
	}
	value := uint8(setup.Value)
	switch {
	case value == 0:
		d.config = 0
		d.state = StateAddress
		return nil
	case len(d.Config) >= usb.ConfigurationDescriptorSize && value == d.Config[5]:
		d.config = value
		d.state = StateConfigured
		pkg.LogDebug(pkg.ComponentSim, "device configured", "device", d.Name, "config", value)
		return nil
	default:
		return pkg.ErrInvalidParameter
	}
}

// le16 appends v in little-endian byte order.
func le16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}
