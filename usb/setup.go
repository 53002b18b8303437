package usb

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// NewSetupPacket builds a setup packet from its fields.
func NewSetupPacket(requestType, request uint8, value, index, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Uint64 returns the packet as the little-endian quadword that XHCI
// carries as immediate data in a Setup Stage TRB.
func (s *SetupPacket) Uint64() uint64 {
	var b [SetupPacketSize]byte
	s.MarshalTo(b[:])
	var v uint64
	for i := SetupPacketSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// IsIn reports whether the data stage moves data from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}
