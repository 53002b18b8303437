package usb

import (
	"errors"
	"testing"

	"github.com/ardnew/softhcd/pkg"
)

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(9), "Speed(9)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.expected {
				t.Errorf("Speed.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSpeed_DefaultMaxPacketSize(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected uint16
	}{
		{SpeedUnknown, 0},
		{SpeedLow, 8},
		{SpeedFull, 64},
		{SpeedHigh, 64},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			if got := tt.speed.DefaultMaxPacketSize(); got != tt.expected {
				t.Errorf("DefaultMaxPacketSize() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestValidMaxPacketSize(t *testing.T) {
	tests := []struct {
		size  int
		speed Speed
		want  bool
	}{
		{8, SpeedLow, true},
		{16, SpeedLow, false},
		{64, SpeedLow, false},
		{8, SpeedFull, true},
		{16, SpeedFull, true},
		{32, SpeedFull, true},
		{64, SpeedHigh, true},
		{0, SpeedFull, false},
		{12, SpeedFull, false},
		{128, SpeedHigh, false},
	}

	for _, tt := range tests {
		if got := ValidMaxPacketSize(tt.size, tt.speed); got != tt.want {
			t.Errorf("ValidMaxPacketSize(%d, %s) = %v, want %v", tt.size, tt.speed, got, tt.want)
		}
	}
}

func TestSpeedOrdering(t *testing.T) {
	if !(SpeedLow < SpeedFull && SpeedFull < SpeedHigh) {
		t.Error("speeds must be ordered low < full < high")
	}
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := NewSetupPacket(RequestFromDevice, RequestGetDescriptor, DescriptorTypeConfiguration<<8, 0, 512)

	buf := make([]byte, SetupPacketSize)
	if n := setup.MarshalTo(buf); n != SetupPacketSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, SetupPacketSize)
	}
	want := []byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0x00, 0x02}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("buf[%d] = 0x%02X, want 0x%02X", i, buf[i], want[i])
		}
	}

	if n := setup.MarshalTo(make([]byte, 4)); n != 0 {
		t.Errorf("MarshalTo(short) = %d, want 0", n)
	}

	var parsed SetupPacket
	if !ParseSetupPacket(buf, &parsed) {
		t.Fatal("ParseSetupPacket returned false")
	}
	if parsed != setup {
		t.Errorf("parsed = %+v, want %+v", parsed, setup)
	}
	if ParseSetupPacket(buf[:7], &parsed) {
		t.Error("ParseSetupPacket should fail on short data")
	}
}

func TestSetupPacket_Uint64(t *testing.T) {
	setup := NewSetupPacket(RequestToDevice, RequestSetAddress, 5, 0, 0)
	if got := setup.Uint64(); got != 0x0000_0000_0005_0500 {
		t.Errorf("Uint64() = 0x%016X", got)
	}
	if setup.IsIn() {
		t.Error("SET_ADDRESS should not be IN")
	}
	in := NewSetupPacket(RequestFromHubPort|RequestTypeClass, RequestGetStatus, 0, 1, 4)
	if !in.IsIn() {
		t.Error("GET_STATUS should be IN")
	}
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, 0x01, // Length, Type
		0x00, 0x02, // USB Version 2.0 (little-endian)
		0x00, 0x00, 0x00, // Class, SubClass, Protocol
		64,         // MaxPacketSize0
		0x34, 0x12, // VendorID (little-endian)
		0x78, 0x56, // ProductID (little-endian)
		0x01, 0x00, // DeviceVersion
		1, 2, 3, // Manufacturer, Product, SerialNumber indices
		1, // NumConfigurations
	}

	var desc DeviceDescriptor
	if !ParseDeviceDescriptor(data, &desc) {
		t.Fatal("ParseDeviceDescriptor returned false")
	}
	if desc.USBVersion != 0x0200 {
		t.Errorf("USBVersion = 0x%04X, want 0x0200", desc.USBVersion)
	}
	if desc.MaxPacketSize0 != 64 {
		t.Errorf("MaxPacketSize0 = %d, want 64", desc.MaxPacketSize0)
	}
	if desc.VendorID != 0x1234 || desc.ProductID != 0x5678 {
		t.Errorf("VID:PID = %04X:%04X, want 1234:5678", desc.VendorID, desc.ProductID)
	}
	if desc.NumConfigurations != 1 {
		t.Errorf("NumConfigurations = %d, want 1", desc.NumConfigurations)
	}

	var short DeviceDescriptor
	if !ParseDeviceDescriptor(data[:8], &short) {
		t.Fatal("8-byte prefix should parse")
	}
	if short.MaxPacketSize0 != 64 || short.VendorID != 0 {
		t.Errorf("short parse = %+v", short)
	}
	if ParseDeviceDescriptor(data[:7], &short) {
		t.Error("7 bytes should not parse")
	}
}

func TestValidDescriptors(t *testing.T) {
	tests := []struct {
		name    string
		valid   func([]byte) error
		data    []byte
		wantErr error
	}{
		{"device ok", ValidDeviceDescriptor, []byte{18, 1}, nil},
		{"device wrong type", ValidDeviceDescriptor, []byte{18, 2}, pkg.ErrDescriptorTypeMismatch},
		{"device wrong length", ValidDeviceDescriptor, []byte{17, 1}, pkg.ErrInvalidDescriptor},
		{"device short", ValidDeviceDescriptor, []byte{18}, pkg.ErrDescriptorTooShort},
		{"config ok", ValidConfigDescriptor, []byte{9, 2, 34, 0}, nil},
		{"config wrong type", ValidConfigDescriptor, []byte{9, 4}, pkg.ErrDescriptorTypeMismatch},
		{"config wrong length", ValidConfigDescriptor, []byte{10, 2}, pkg.ErrInvalidDescriptor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.valid(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseHubDescriptor(t *testing.T) {
	data := []byte{9, DescriptorTypeHub, 4, 0x69, 0x00, 50, 100, 0x00, 0xff}

	var hub HubDescriptor
	if !ParseHubDescriptor(data, &hub) {
		t.Fatal("ParseHubDescriptor returned false")
	}
	if hub.NumPorts != 4 {
		t.Errorf("NumPorts = %d, want 4", hub.NumPorts)
	}
	if hub.PowerOnToPowerGood != 50 {
		t.Errorf("PowerOnToPowerGood = %d, want 50", hub.PowerOnToPowerGood)
	}
	// 0x69 has bits 6:5 = 0b11.
	if got := hub.ThinkTime(); got != 3 {
		t.Errorf("ThinkTime() = %d, want 3", got)
	}
	if ParseHubDescriptor(data[:6], &hub) {
		t.Error("6 bytes should not parse")
	}
}

func TestEndpointDescriptor(t *testing.T) {
	var ep EndpointDescriptor
	if !ParseEndpointDescriptor([]byte{7, 5, 0x81, 0x03, 8, 0, 10}, &ep) {
		t.Fatal("ParseEndpointDescriptor returned false")
	}
	if ep.Number() != 1 || !ep.IsIn() || !ep.IsInterrupt() {
		t.Errorf("endpoint = %+v", ep)
	}
	if ep.MaxPacketSize != 8 || ep.Interval != 10 {
		t.Errorf("MaxPacketSize = %d, Interval = %d", ep.MaxPacketSize, ep.Interval)
	}
}

func TestInterfaceDescriptor_IsBootKeyboard(t *testing.T) {
	var iface InterfaceDescriptor
	ParseInterfaceDescriptor([]byte{9, 4, 0, 0, 1, 3, 1, 1, 0}, &iface)
	if !iface.IsBootKeyboard() {
		t.Error("3/1/1 interface should be a boot keyboard")
	}
	ParseInterfaceDescriptor([]byte{9, 4, 0, 0, 1, 3, 1, 2, 0}, &iface)
	if iface.IsBootKeyboard() {
		t.Error("3/1/2 interface is a mouse")
	}
}

func TestForEachDescriptor(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []int // lengths visited
	}{
		{
			name: "config iface endpoint",
			data: []byte{
				9, 2, 25, 0, 1, 1, 0, 0xa0, 50,
				9, 4, 0, 0, 1, 3, 1, 1, 0,
				7, 5, 0x81, 3, 8, 0, 10,
			},
			want: []int{9, 9, 7},
		},
		{
			name: "zero length stops",
			data: []byte{9, 2, 0, 0, 0, 0, 0, 0, 0, 0, 4, 1, 2},
			want: []int{9},
		},
		{
			name: "length one stops",
			data: []byte{1, 4, 9, 9},
			want: nil,
		},
		{
			name: "overrun stops",
			data: []byte{9, 2, 0, 0, 0, 0, 0, 0, 0, 9, 4, 0},
			want: []int{9},
		},
		{
			name: "trailing byte ignored",
			data: []byte{2, 0x30, 7},
			want: []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			ForEachDescriptor(tt.data, func(desc []byte) bool {
				got = append(got, len(desc))
				return true
			})
			if len(got) != len(tt.want) {
				t.Fatalf("visited %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("visited %v, want %v", got, tt.want)
				}
			}
		})
	}

	t.Run("early stop", func(t *testing.T) {
		n := 0
		ForEachDescriptor([]byte{2, 1, 2, 1, 2, 1}, func([]byte) bool {
			n++
			return n < 2
		})
		if n != 2 {
			t.Errorf("visited %d, want 2", n)
		}
	})
}
