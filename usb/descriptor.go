package usb

import (
	"fmt"

	"github.com/ardnew/softhcd/pkg"
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor parses a device descriptor from data. Descriptors
// fetched in the first enumeration phase are only 8 bytes long; the
// remaining fields are left zero in that case.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < 8 {
		return false
	}
	*out = DeviceDescriptor{}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = le16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	if len(data) < DeviceDescriptorSize {
		return true
	}
	out.VendorID = le16(data[8:])
	out.ProductID = le16(data[10:])
	out.DeviceVersion = le16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ValidDeviceDescriptor checks the length and type fields of a device
// descriptor held at the start of data.
func ValidDeviceDescriptor(data []byte) error {
	if len(data) < 2 {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return fmt.Errorf("device descriptor type 0x%02x: %w", data[1], pkg.ErrDescriptorTypeMismatch)
	}
	if data[0] != DeviceDescriptorSize {
		return fmt.Errorf("device descriptor length %d: %w", data[0], pkg.ErrInvalidDescriptor)
	}
	return nil
}

// ConfigurationDescriptor represents a USB configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor parses configuration descriptor from data.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = le16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// ValidConfigDescriptor checks the length and type fields of a
// configuration descriptor held at the start of data.
func ValidConfigDescriptor(data []byte) error {
	if len(data) < 2 {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return fmt.Errorf("config descriptor type 0x%02x: %w", data[1], pkg.ErrDescriptorTypeMismatch)
	}
	if data[0] != ConfigurationDescriptorSize {
		return fmt.Errorf("config descriptor length %d: %w", data[0], pkg.ErrInvalidDescriptor)
	}
	return nil
}

// InterfaceDescriptor represents a USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor parses interface descriptor from data.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// IsBootKeyboard reports whether the interface is a HID boot keyboard.
func (i *InterfaceDescriptor) IsBootKeyboard() bool {
	return i.InterfaceClass == ClassHID &&
		i.InterfaceSubClass == SubclassBoot &&
		i.InterfaceProtocol == ProtocolKeyboard
}

// EndpointDescriptor represents a USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor parses endpoint descriptor from data.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = le16(data[4:])
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// HubDescriptor represents the fixed part of a USB 2.0 hub descriptor.
type HubDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	NumPorts           uint8
	Characteristics    uint16
	PowerOnToPowerGood uint8 // In units of 2 ms
	ControllerCurrent  uint8
}

// HubDescriptorSize is the size of the fixed part of a hub descriptor.
const HubDescriptorSize = 7

// ParseHubDescriptor parses the fixed part of a hub descriptor from data.
func ParseHubDescriptor(data []byte, out *HubDescriptor) bool {
	if len(data) < HubDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.NumPorts = data[2]
	out.Characteristics = le16(data[3:])
	out.PowerOnToPowerGood = data[5]
	out.ControllerCurrent = data[6]
	return true
}

// ThinkTime returns the transaction translator think time selector
// (bits 6:5 of wHubCharacteristics).
func (h *HubDescriptor) ThinkTime() uint8 {
	return uint8((h.Characteristics & 0x0060) >> 5)
}

// ForEachDescriptor walks the descriptors packed in data, calling fn with
// each descriptor's bytes. The walk stops at the first descriptor whose
// length field would not advance the cursor by at least two bytes or would
// run past the end of data, or when fn returns false.
func ForEachDescriptor(data []byte, fn func(desc []byte) bool) {
	cur := 0
	for cur+2 <= len(data) {
		next := cur + int(data[cur])
		if next < cur+2 || next > len(data) {
			return
		}
		if !fn(data[cur:next]) {
			return
		}
		cur = next
	}
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
