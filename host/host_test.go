package host

import (
	"bytes"
	"testing"
	"time"

	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

// =============================================================================
// Mock Driver for Testing
// =============================================================================

// fakeClock records requested delays without sleeping.
type fakeClock struct {
	elapsed time.Duration
	calls   int
}

func (c *fakeClock) Delay(d time.Duration) {
	c.elapsed += d
	c.calls++
}

// busDriver implements Driver by routing transfers straight to simulated
// devices behind its root ports.
type busDriver struct {
	hcd  *Controller
	root []*usbdev.Port

	keyboards []Endpoint
	prev      []hid.KeyboardReport
	hubs      []Hub

	resetErr error
}

var (
	_ Driver                = (*busDriver)(nil)
	_ HubEndpointConfigurer = (*busDriver)(nil)
)

func newBusDriver(numPorts int, opts Options) (*busDriver, *fakeClock, *bytes.Buffer) {
	clock := &fakeClock{}
	out := &bytes.Buffer{}
	d := &busDriver{root: make([]*usbdev.Port, numPorts)}
	for i := range d.root {
		d.root[i] = &usbdev.Port{}
	}
	d.hcd = NewController("MOCK", d, clock, opts, NewConsole(out))
	return d, clock, out
}

func (d *busDriver) ResetRootHubPort(port int) error {
	if d.resetErr != nil {
		return d.resetErr
	}
	p := d.root[port-1]
	if !p.Connected() {
		return pkg.ErrNoDevice
	}
	p.Reset()
	return nil
}

func (d *busDriver) AssignAddress(hub Hub, port int, speed usb.Speed, id int, ep0 *Endpoint) error {
	return d.hcd.AssignUSBAddress(hub, port, speed, id, ep0)
}

func (d *busDriver) device(ep *Endpoint) (*usbdev.Device, error) {
	dev := usbdev.Find(d.root, ep.DeviceID)
	if dev == nil {
		return nil, pkg.ErrNoDevice
	}
	return dev, nil
}

func (d *busDriver) SetupRequest(ep *Endpoint, setup usb.SetupPacket) error {
	dev, err := d.device(ep)
	if err != nil {
		return err
	}
	_, err = dev.Control(setup, nil)
	return err
}

func (d *busDriver) GetDataRequest(ep *Endpoint, setup usb.SetupPacket, dst []byte) error {
	dev, err := d.device(ep)
	if err != nil {
		return err
	}
	_, err = dev.Control(setup, dst)
	return err
}

func (d *busDriver) PollKeyboards() {
	for i := range d.keyboards {
		kbd := &d.keyboards[i]
		dev, err := d.device(kbd)
		if err != nil {
			continue
		}
		data, ok := dev.Interrupt(kbd.EndpointNum)
		if !ok {
			continue
		}
		var report hid.KeyboardReport
		hid.ParseKeyboardReport(data, &report)
		if d.hcd.ProcessKeyboardReport(&report, &d.prev[i]) {
			d.prev[i] = report
		}
	}
}

func (d *busDriver) ConfigureHubEndpoint(ep *Endpoint, hub Hub) error {
	d.hubs = append(d.hubs, hub)
	return nil
}

// scan enumerates every root port the way a backend probe does.
func (d *busDriver) scan() *Scan {
	scan := NewScan(MaxKeyboards)
	root := Hub{NumPorts: len(d.root)}
	for port := 1; port <= len(d.root); port++ {
		p := d.root[port-1]
		p.PowerOn()
		if !p.Connected() {
			continue
		}
		if err := d.hcd.ResetHubPort(root, port); err != nil {
			continue
		}
		scan.NumDevices++
		if !d.hcd.FindAttachedKeyboards(scan, root, port, p.Device.Speed(), scan.NumDevices) {
			p.Disable()
		}
	}
	d.keyboards = scan.Keyboards
	d.prev = make([]hid.KeyboardReport, len(scan.Keyboards))
	return scan
}

// =============================================================================
// Route and Parent Tests
// =============================================================================

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		hub  Hub
		port int
		want uint32
	}{
		{"root", Hub{}, 3, 0x03000000},
		{"tier 1", Hub{Level: 1, Route: 0x03000000}, 2, 0x03000002},
		{"tier 2", Hub{Level: 2, Route: 0x03000002}, 4, 0x03000042},
		{"tier 5", Hub{Level: 5, Route: 0x01004321}, 7, 0x01074321},
		{"port clamped", Hub{Level: 3, Route: 0x01000021}, 20, 0x01000f21},
		{"too deep", Hub{Level: 6, Route: 0x01054321}, 3, 0x01054321},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Route(tt.hub, tt.port); got != tt.want {
				t.Errorf("Route() = %#08x, want %#08x", got, tt.want)
			}
		})
	}
}

func TestRoute_Decode(t *testing.T) {
	// Every chain of up to five hubs decodes back to its port numbers.
	chains := [][]int{
		{1},
		{4, 2},
		{15, 1, 7},
		{2, 3, 4, 5, 6},
		{8, 15, 15, 1, 9, 3},
	}
	for _, chain := range chains {
		hub := Hub{}
		for i, port := range chain {
			route := Route(hub, port)
			if RootPort(route) != chain[0] {
				t.Errorf("chain %v tier %d: RootPort() = %d", chain, i, RootPort(route))
			}
			for tier := 1; tier <= i && tier <= 5; tier++ {
				if got := RoutePort(route, tier); got != chain[tier] {
					t.Errorf("chain %v tier %d: RoutePort(%d) = %d, want %d", chain, i, tier, got, chain[tier])
				}
			}
			hub = Hub{Level: hub.Level + 1, Route: route}
		}
	}
}

func TestHSParent(t *testing.T) {
	hsHub := &Endpoint{Speed: usb.SpeedHigh, DeviceID: 4}
	fsHub := &Endpoint{Speed: usb.SpeedFull, DeviceID: 9}

	tests := []struct {
		name  string
		hub   Hub
		port  int
		speed usb.Speed
		want  Parent
	}{
		{"root port", Hub{}, 1, usb.SpeedLow, Parent{}},
		{"high speed device", Hub{Level: 1, EP0: hsHub}, 2, usb.SpeedHigh, Parent{}},
		{"behind high speed hub", Hub{Level: 1, EP0: hsHub}, 3, usb.SpeedLow, Parent{DeviceID: 4, Port: 3}},
		{"behind full speed hub", Hub{Level: 2, EP0: fsHub, HSParent: Parent{DeviceID: 4, Port: 1}}, 2, usb.SpeedFull, Parent{DeviceID: 4, Port: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HSParent(tt.hub, tt.port, tt.speed); got != tt.want {
				t.Errorf("HSParent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Keycode Tests
// =============================================================================

func TestKeycodeBuffer(t *testing.T) {
	var b KeycodeBuffer

	if _, ok := b.Get(); ok {
		t.Fatal("Get() on empty buffer succeeded")
	}
	for i := 0; i < KeycodeBufferSize-1; i++ {
		if !b.Put(uint8(0x10 + i)) {
			t.Fatalf("Put(%d) failed", i)
		}
	}
	if b.Put(0x40) {
		t.Error("Put() on full buffer succeeded")
	}
	if b.Len() != KeycodeBufferSize-1 {
		t.Errorf("Len() = %d, want %d", b.Len(), KeycodeBufferSize-1)
	}
	for i := 0; i < KeycodeBufferSize-1; i++ {
		code, ok := b.Get()
		if !ok || code != uint8(0x10+i) {
			t.Fatalf("Get() = 0x%02x, %v, want 0x%02x", code, ok, 0x10+i)
		}
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after draining", b.Len())
	}

	// Wrap around.
	for i := 0; i < 3*KeycodeBufferSize; i++ {
		b.Put(uint8(i))
		if code, ok := b.Get(); !ok || code != uint8(i) {
			t.Fatalf("wrap %d: Get() = %d, %v", i, code, ok)
		}
	}
}

func TestProcessKeyboardReport(t *testing.T) {
	report := func(keys ...uint8) *hid.KeyboardReport {
		r := &hid.KeyboardReport{}
		copy(r.Keys[:], keys)
		return r
	}

	tests := []struct {
		name   string
		report *hid.KeyboardReport
		prev   *hid.KeyboardReport
		want   []uint8
		wantOK bool
	}{
		{"empty", report(), report(), nil, true},
		{"new key", report(hid.KeyA), report(), []uint8{hid.KeyA}, true},
		{"held key", report(hid.KeyA, hid.KeyB), report(hid.KeyA), []uint8{hid.KeyB}, true},
		{"order kept", report(hid.KeyC, hid.KeyB), report(), []uint8{hid.KeyC, hid.KeyB}, true},
		{"some errors", report(hid.KeyErrorRollOver, hid.KeyD), report(), []uint8{hid.KeyD}, true},
		{"phantom", report(1, 1, 1, 1, 1, 1), report(), nil, false},
		{"mixed errors", report(1, 2, 3, 1, 2, 3), report(), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newBusDriver(1, 0)
			if got := d.hcd.ProcessKeyboardReport(tt.report, tt.prev); got != tt.wantOK {
				t.Errorf("ProcessKeyboardReport() = %v, want %v", got, tt.wantOK)
			}
			var got []uint8
			for {
				code, ok := d.hcd.Workspace.Keycodes.Get()
				if !ok {
					break
				}
				got = append(got, code)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("queued = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessKeyboardReport_Overflow(t *testing.T) {
	d, _, _ := newBusDriver(1, 0)
	var prev hid.KeyboardReport
	for i := 0; i < 3; i++ {
		r := hid.KeyboardReport{}
		for j := range r.Keys {
			r.Keys[j] = uint8(hid.KeyA + i*6 + j)
		}
		d.hcd.ProcessKeyboardReport(&r, &prev)
	}
	if n := d.hcd.Workspace.Keycodes.Len(); n != KeycodeBufferSize-1 {
		t.Errorf("Len() = %d, want %d", n, KeycodeBufferSize-1)
	}
	code, _ := d.hcd.Workspace.Keycodes.Get()
	if code != hid.KeyA {
		t.Errorf("oldest code = 0x%02x, want 0x%02x", code, hid.KeyA)
	}
}

// =============================================================================
// Options and Console Tests
// =============================================================================

func TestOptions(t *testing.T) {
	tests := []struct {
		opts Options
		want string
	}{
		{0, "none"},
		{ExtraReset, "extra-reset"},
		{IgnoreEHCI | TwoStepInit, "ignore-ehci|two-step-init"},
		{Debug | DebugHub | DebugKbd, "debug|debug-hub|debug-kbd"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.opts.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}

	opts := ExtraReset | Debug
	if !opts.Has(Debug) || opts.Has(IgnoreEHCI) || opts.Has(Debug|IgnoreEHCI) {
		t.Errorf("Has() wrong for %v", opts)
	}
}

func TestOptions_ApplyLogging(t *testing.T) {
	defer Options(0).ApplyLogging()

	(Debug | DebugKbd).ApplyLogging()
	if !pkg.IsVerbose(pkg.ComponentEnum) || !pkg.IsVerbose(pkg.ComponentKbd) || pkg.IsVerbose(pkg.ComponentHub) {
		t.Error("ApplyLogging() did not select the expected components")
	}
}

func TestConsole(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out)
	c.Printf("top %d", 1)
	c.Indent(2)
	c.Printf("nested")
	c.Indent(-5)
	c.Rewrite("again")

	want := "top 1\n  nested\n\ragain"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	var nilConsole *Console
	nilConsole.Printf("ignored")
	nilConsole.Indent(1)
}

func TestNewScan(t *testing.T) {
	if s := NewScan(0); s.max != MaxKeyboards {
		t.Errorf("NewScan(0).max = %d", s.max)
	}
	if s := NewScan(100); s.max != MaxKeyboards {
		t.Errorf("NewScan(100).max = %d", s.max)
	}
	s := NewScan(1)
	s.Keyboards = append(s.Keyboards, Endpoint{})
	if !s.Full() {
		t.Error("Full() = false with one of one keyboards")
	}
}

func TestController_GetKeycode(t *testing.T) {
	d, _, _ := newBusDriver(1, 0)
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	d.root[0].Attach(kbd.Device)
	if scan := d.scan(); len(scan.Keyboards) != 1 {
		t.Fatalf("keyboards = %d, want 1", len(scan.Keyboards))
	}

	kbd.Type("hi")
	var got []byte
	for i := 0; i < 8; i++ {
		if code, ok := d.hcd.GetKeycode(); ok {
			got = append(got, hid.Keymap(code))
		}
	}
	if string(got) != "hi" {
		t.Errorf("typed %q, want %q", got, "hi")
	}

	kbd.Phantom()
	d.hcd.GetKeycode()
	if _, ok := d.hcd.Workspace.Keycodes.Get(); ok || d.prev[0].Keys[0] != 0 {
		t.Errorf("phantom report replaced the previous report: %v", d.prev[0].Keys)
	}
}

func TestScan_Summary(t *testing.T) {
	s := NewScan(MaxKeyboards)
	if got := s.Summary(); got != " Found 0 devices, 0 keyboards" {
		t.Errorf("Summary() = %q", got)
	}
	s.NumDevices = 1
	s.Keyboards = append(s.Keyboards, Endpoint{})
	if got := s.Summary(); got != " Found 1 device, 1 keyboard" {
		t.Errorf("Summary() = %q", got)
	}
}
