package usb

import "fmt"

// Speed represents the USB connection speed. Values are ordered so that
// comparisons such as speed < SpeedHigh are meaningful.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedUnknown:
		return "Unknown"
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// DefaultMaxPacketSize returns the default maximum packet size of the
// control endpoint for a device running at speed s, or 0 if s is unknown.
func (s Speed) DefaultMaxPacketSize() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 0
	}
}

// ValidMaxPacketSize reports whether size is a legal control endpoint
// maximum packet size for a device running at speed.
func ValidMaxPacketSize(size int, speed Speed) bool {
	if size == 8 {
		return true
	}
	return speed != SpeedLow && (size == 16 || size == 32 || size == 64)
}
