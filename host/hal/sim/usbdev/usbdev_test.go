package usbdev

import (
	"errors"
	"testing"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

func getDescriptor(t *testing.T, dev *Device, descType uint8, length int) []byte {
	t.Helper()
	buf := make([]byte, length)
	setup := usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetDescriptor, uint16(descType)<<8, 0, uint16(length))
	n, err := dev.Control(setup, buf)
	if err != nil {
		t.Fatalf("GET_DESCRIPTOR(%d) error = %v", descType, err)
	}
	return buf[:n]
}

func TestDevice_StateMachine(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	dev := kbd.Device

	if dev.State() != StateAttached {
		t.Fatalf("State() = %v, want attached", dev.State())
	}
	if _, err := dev.Control(usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetStatus, 0, 0, 2), make([]byte, 2)); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("request before reset error = %v, want ErrNoDevice", err)
	}

	dev.Reset()
	if dev.State() != StateDefault || !dev.Responds(0) {
		t.Fatalf("after reset state = %v responds(0) = %v", dev.State(), dev.Responds(0))
	}

	desc := getDescriptor(t, dev, usb.DescriptorTypeDevice, 8)
	if len(desc) != 8 || desc[7] != 64 {
		t.Errorf("first 8 bytes = % x, want maxp 64", desc)
	}

	// SET_ADDRESS takes effect at the status stage.
	if err := dev.Setup(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, 5, 0, 0)); err != nil {
		t.Fatalf("Setup(SET_ADDRESS) error = %v", err)
	}
	if dev.Address() != 0 {
		t.Errorf("Address() before status = %d, want 0", dev.Address())
	}
	if err := dev.Status(); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if dev.Address() != 5 || dev.State() != StateAddress {
		t.Errorf("after status address = %d state = %v", dev.Address(), dev.State())
	}

	config := getDescriptor(t, dev, usb.DescriptorTypeConfiguration, 255)
	if err := usb.ValidConfigDescriptor(config); err != nil {
		t.Fatalf("ValidConfigDescriptor() = %v", err)
	}
	if total := int(config[2]) | int(config[3])<<8; total != len(config) {
		t.Errorf("wTotalLength = %d, len = %d", total, len(config))
	}

	if _, err := dev.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, 2, 0, 0), nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_CONFIGURATION(2) error = %v, want stall", err)
	}
	if _, err := dev.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, 1, 0, 0), nil); err != nil {
		t.Fatalf("SET_CONFIGURATION(1) error = %v", err)
	}
	if dev.State() != StateConfigured || dev.Configuration() != 1 {
		t.Errorf("state = %v config = %d", dev.State(), dev.Configuration())
	}
}

func TestKeyboard_ClassRequests(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedLow})
	kbd.Reset()

	if kbd.Protocol() != usb.HIDProtocolReport {
		t.Fatalf("initial Protocol() = %d, want report", kbd.Protocol())
	}
	requests := []usb.SetupPacket{
		usb.NewSetupPacket(usb.RequestToInterface|usb.RequestTypeClass, usb.RequestHIDSetIdle, 0x0100, 0, 0),
		usb.NewSetupPacket(usb.RequestToInterface|usb.RequestTypeClass, usb.RequestHIDSetProtocol, usb.HIDProtocolBoot, 0, 0),
	}
	for _, setup := range requests {
		if _, err := kbd.Control(setup, nil); err != nil {
			t.Fatalf("request 0x%02x error = %v", setup.Request, err)
		}
	}
	if kbd.Protocol() != usb.HIDProtocolBoot {
		t.Errorf("Protocol() = %d, want boot", kbd.Protocol())
	}
	if kbd.IdleRate() != 1 {
		t.Errorf("IdleRate() = %d, want 1", kbd.IdleRate())
	}

	if got := kbd.Descriptor.MaxPacketSize0; got != 8 {
		t.Errorf("low speed MaxPacketSize0 = %d, want 8", got)
	}
}

func TestKeyboard_Reports(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})

	if _, ok := kbd.Interrupt(KeyboardEndpoint); ok {
		t.Fatal("Interrupt() before configuration returned data")
	}

	if n := kbd.Type("ab?"); n != 2 {
		t.Errorf("Type() = %d, want 2", n)
	}
	if kbd.Pending() != 4 {
		t.Fatalf("Pending() = %d, want 4", kbd.Pending())
	}

	// Configure by hand.
	kbd.Reset()
	kbd.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, 1, 0, 0), nil)
	kbd.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, 1, 0, 0), nil)

	want := []uint8{hid.KeyA, 0, hid.KeyB, 0}
	for i, code := range want {
		data, ok := kbd.Interrupt(KeyboardEndpoint)
		if !ok {
			t.Fatalf("report %d: NAK", i)
		}
		var r hid.KeyboardReport
		hid.ParseKeyboardReport(data, &r)
		if r.Keys[0] != code {
			t.Errorf("report %d key = 0x%02x, want 0x%02x", i, r.Keys[0], code)
		}
	}
	if _, ok := kbd.Interrupt(KeyboardEndpoint); ok {
		t.Error("Interrupt() on empty queue returned data")
	}
	if _, ok := kbd.Interrupt(MouseEndpoint); ok {
		t.Error("Interrupt() on mouse endpoint returned data")
	}
}

func TestKeyboard_WithMouse(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "combo", Speed: usb.SpeedFull, WithMouse: true})

	var ifaces []usb.InterfaceDescriptor
	usb.ForEachDescriptor(kbd.Config[usb.ConfigurationDescriptorSize:], func(d []byte) bool {
		if d[1] == usb.DescriptorTypeInterface {
			var desc usb.InterfaceDescriptor
			usb.ParseInterfaceDescriptor(d, &desc)
			ifaces = append(ifaces, desc)
		}
		return true
	})
	if len(ifaces) != 2 {
		t.Fatalf("interfaces = %d, want 2", len(ifaces))
	}
	if !ifaces[0].IsBootKeyboard() || ifaces[1].IsBootKeyboard() {
		t.Errorf("interface protocols = %d, %d", ifaces[0].InterfaceProtocol, ifaces[1].InterfaceProtocol)
	}
}

func TestHub_PortRequests(t *testing.T) {
	hub := NewHub(HubConfig{Name: "hub", Speed: usb.SpeedHigh, NumPorts: 4, PowerUpDelay: 50, ThinkTime: 2})
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedLow})
	hub.Attach(2, kbd.Device)
	hub.Reset()

	desc := make([]byte, usb.HubDescriptorSize)
	n, err := hub.Control(usb.NewSetupPacket(usb.RequestFromDevice|usb.RequestTypeClass, usb.RequestHubGetDescriptor,
		usb.DescriptorTypeHub<<8, 0, usb.HubDescriptorSize), desc)
	if err != nil || n != usb.HubDescriptorSize {
		t.Fatalf("hub descriptor n = %d err = %v", n, err)
	}
	var hd usb.HubDescriptor
	usb.ParseHubDescriptor(desc, &hd)
	if hd.NumPorts != 4 || hd.PowerOnToPowerGood != 50 || hd.ThinkTime() != 2 {
		t.Errorf("hub descriptor = %+v", hd)
	}

	status := func(port int) uint32 {
		buf := make([]byte, 4)
		if _, err := hub.Control(usb.NewSetupPacket(usb.RequestFromHubPort|usb.RequestTypeClass, usb.RequestHubGetStatus,
			0, uint16(port), 4), buf); err != nil {
			t.Fatalf("port %d status error = %v", port, err)
		}
		return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	}
	feature := func(req uint8, feat, port int) {
		if _, err := hub.Control(usb.NewSetupPacket(usb.RequestToHubPort|usb.RequestTypeClass, req,
			uint16(feat), uint16(port), 0), nil); err != nil {
			t.Fatalf("feature %d port %d error = %v", feat, port, err)
		}
	}

	if s := status(2); s&usb.HubPortStatusPowered != 0 {
		t.Errorf("unpowered port status = %#x", s)
	}
	feature(usb.RequestHubSetFeature, usb.HubPortPower, 2)
	if s := status(2); s&0xffff != usb.HubPortStatusPowered|usb.HubPortStatusConnected {
		t.Errorf("powered port status = %#x", s)
	}
	if s := status(1); s&usb.HubPortStatusConnected != 0 {
		t.Errorf("empty port status = %#x", s)
	}

	feature(usb.RequestHubSetFeature, usb.HubPortReset, 2)
	s := status(2)
	if s&usb.HubPortStatusEnabled == 0 || s&usb.HubPortStatusLowSpeed == 0 || s&usb.HubPortStatusResetting != 0 {
		t.Errorf("reset port status = %#x", s)
	}
	if kbd.State() != StateDefault {
		t.Errorf("device state = %v, want default", kbd.State())
	}

	feature(usb.RequestHubClearFeature, usb.HubPortEnable, 2)
	if s := status(2); s&usb.HubPortStatusEnabled != 0 {
		t.Errorf("disabled port status = %#x", s)
	}
}

func TestHub_AttachClampsSpeed(t *testing.T) {
	hub := NewHub(HubConfig{Name: "hub", Speed: usb.SpeedFull})
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedHigh})
	hub.Attach(1, kbd.Device)
	if kbd.Speed() != usb.SpeedFull {
		t.Errorf("Speed() = %v, want full", kbd.Speed())
	}
}

func TestFind(t *testing.T) {
	hub := NewHub(HubConfig{Name: "hub", Speed: usb.SpeedHigh, NumPorts: 4})
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	hub.Attach(3, kbd.Device)
	root := []*Port{{}, {}}
	root[1].PowerOn()
	root[1].Attach(hub.Device)

	if Find(root, 0) != nil {
		t.Fatal("Find() on disabled port found a device")
	}
	root[1].Reset()
	if Find(root, 0) != hub.Device {
		t.Fatal("Find(0) did not return the hub")
	}

	hub.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, 1, 0, 0), nil)
	hub.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, 1, 0, 0), nil)
	hub.Ports[2].PowerOn()
	hub.Ports[2].Reset()

	if Find(root, 0) != kbd.Device {
		t.Error("Find(0) did not descend into the configured hub")
	}
	if Find(root, 1) != hub.Device {
		t.Error("Find(1) did not return the hub")
	}

	if p := FindRoute(root[1], 0x3); p == nil || p.Device != kbd.Device {
		t.Error("FindRoute(0x3) did not reach the keyboard")
	}
	if p := FindRoute(root[1], 0); p != root[1] {
		t.Error("FindRoute(0) did not return the root port")
	}
	if p := FindRoute(root[1], 0x9); p != nil {
		t.Error("FindRoute(0x9) returned a port beyond the hub")
	}

	var names []string
	Walk(root, func(dev *Device, tier int) {
		names = append(names, dev.Name)
	})
	if len(names) != 2 || names[0] != "hub" || names[1] != "kbd" {
		t.Errorf("Walk() = %v", names)
	}
}

func TestDevice_Fail(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	kbd.Reset()
	kbd.Fail = func(setup usb.SetupPacket) error {
		if setup.Request == usb.RequestSetAddress {
			return pkg.ErrStall
		}
		return nil
	}
	if _, err := kbd.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, 3, 0, 0), nil); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("SET_ADDRESS error = %v, want stall", err)
	}
	if len(kbd.Requests) != 1 {
		t.Errorf("Requests = %d, want 1", len(kbd.Requests))
	}
}

func TestDevice_Transactions(t *testing.T) {
	kbd := NewKeyboard(KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	dev := kbd.Device
	dev.Reset()

	// IN request: data stage in packets, then OUT status.
	if err := dev.Setup(usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetDescriptor, 0x0100, 0, 18)); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	var got []byte
	for i := 0; i < 3; i++ {
		chunk, err := dev.In(0, 8)
		if err != nil {
			t.Fatalf("In() error = %v", err)
		}
		got = append(got, chunk...)
	}
	if len(got) != 18 || got[1] != usb.DescriptorTypeDevice {
		t.Errorf("data stage = % x", got)
	}
	if err := dev.Out(0, nil); err != nil {
		t.Errorf("status Out() error = %v", err)
	}

	// No-data request: IN status completes it.
	if err := dev.Setup(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, 9, 0, 0)); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if data, err := dev.In(0, 8); err != nil || len(data) != 0 {
		t.Errorf("status In() = % x, %v", data, err)
	}
	if dev.Address() != 9 {
		t.Errorf("Address() = %d, want 9", dev.Address())
	}

	// A second status stage has no transfer to complete.
	if _, err := dev.In(0, 8); !errors.Is(err, pkg.ErrProtocol) {
		t.Errorf("stray In() error = %v, want ErrProtocol", err)
	}

	// Interrupt endpoints NAK until configured and given a report.
	if _, err := dev.In(KeyboardEndpoint, 8); !errors.Is(err, ErrNAK) {
		t.Errorf("unconfigured In() error = %v, want ErrNAK", err)
	}
	if _, err := dev.Control(usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, 1, 0, 0), nil); err != nil {
		t.Fatalf("SET_CONFIGURATION error = %v", err)
	}
	kbd.Press(hid.KeyA)
	data, err := dev.In(KeyboardEndpoint, 8)
	if err != nil || len(data) != hid.KeyboardReportSize || data[2] != hid.KeyA {
		t.Errorf("report In() = % x, %v", data, err)
	}
	if err := dev.Out(KeyboardEndpoint, nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("interrupt Out() error = %v, want ErrNotSupported", err)
	}
}
