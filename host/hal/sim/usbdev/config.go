package usbdev

import (
	"github.com/ardnew/softhcd/usb"
)

// InterfaceSpec describes one interface of a configuration.
type InterfaceSpec struct {
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Extra     [][]byte // Class descriptors placed before the endpoints
	Endpoints []usb.EndpointDescriptor
}

// InterruptIn returns an IN interrupt endpoint descriptor.
func InterruptIn(num uint8, maxPacket uint16, interval uint8) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{
		Length:          usb.EndpointDescriptorSize,
		DescriptorType:  usb.DescriptorTypeEndpoint,
		EndpointAddress: usb.EndpointDirectionIn | num&0x0f,
		Attributes:      usb.EndpointTypeInterrupt,
		MaxPacketSize:   maxPacket,
		Interval:        interval,
	}
}

// BuildConfig returns the descriptor set of a configuration with the
// given value and interfaces, numbered from 0 in order.
func BuildConfig(value uint8, ifaces ...InterfaceSpec) []byte {
	buf := make([]byte, usb.ConfigurationDescriptorSize, 64)
	for i, spec := range ifaces {
		desc := usb.InterfaceDescriptor{
			InterfaceNumber:   uint8(i),
			NumEndpoints:      uint8(len(spec.Endpoints)),
			InterfaceClass:    spec.Class,
			InterfaceSubClass: spec.SubClass,
			InterfaceProtocol: spec.Protocol,
		}
		var tmp [usb.InterfaceDescriptorSize]byte
		desc.MarshalTo(tmp[:])
		buf = append(buf, tmp[:]...)
		for _, extra := range spec.Extra {
			buf = append(buf, extra...)
		}
		for _, ep := range spec.Endpoints {
			var tmp [usb.EndpointDescriptorSize]byte
			ep.MarshalTo(tmp[:])
			buf = append(buf, tmp[:]...)
		}
	}
	config := usb.ConfigurationDescriptor{
		TotalLength:        uint16(len(buf)),
		NumInterfaces:      uint8(len(ifaces)),
		ConfigurationValue: value,
		Attributes:         0xa0, // Bus powered, remote wakeup
		MaxPower:           50,   // 100 mA
	}
	config.MarshalTo(buf)
	return buf
}

// hidDescriptor returns a HID class descriptor announcing one report
// descriptor of the given length.
func hidDescriptor(reportLen int) []byte {
	buf := []byte{9, usb.DescriptorTypeHID}
	buf = le16(buf, 0x0111) // HID 1.11
	buf = append(buf, 0, 1, usb.DescriptorTypeHIDReport)
	return le16(buf, uint16(reportLen))
}
