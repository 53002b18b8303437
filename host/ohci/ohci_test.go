package ohci_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/host/ohci"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

// ============================================================================
// Helpers
// ============================================================================

type rig struct {
	m       *sim.Machine
	hc      *sim.OHCI
	base    uintptr
	console *bytes.Buffer
}

func newRig(t *testing.T, cfg sim.OHCIConfig) *rig {
	t.Helper()
	m := sim.NewMachine()
	hc := m.AddOHCI(cfg)
	base := uintptr(hc.PCI().Config.Get(pci.RegBAR0) &^ 0xf)
	return &rig{m: m, hc: hc, base: base, console: &bytes.Buffer{}}
}

func (r *rig) probe(t *testing.T) (*host.Controller, []host.Endpoint, error) {
	t.Helper()
	p := r.m.Platform()
	require.NoError(t, ohci.Reset(p, r.hc.PCI().Address, r.base))
	return ohci.Probe(p, r.base, host.DefaultOptions, host.NewConsole(r.console))
}

func typeText(m *sim.Machine, hcd *host.Controller, want int) []byte {
	var got []byte
	for i := 0; i < 2000 && len(got) < want; i++ {
		m.Clock.Delay(time.Millisecond)
		if code, ok := hcd.GetKeycode(); ok {
			got = append(got, hid.Keymap(code))
		}
	}
	return got
}

// ============================================================================
// Reset
// ============================================================================

func TestReset(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2, FrameInterval: 0x2ee0})
	require.NoError(t, ohci.Reset(r.m.Platform(), r.hc.PCI().Address, r.base))

	assert.Equal(t, uint32(0xc0), r.hc.State(), "suspended")
	assert.Equal(t, uint32(0x2ee0), r.hc.FrameInterval())
}

func TestReset_SMMHandoff(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2, SMM: true})
	require.True(t, r.hc.OwnedBySMM())

	require.NoError(t, ohci.Reset(r.m.Platform(), r.hc.PCI().Address, r.base))
	assert.False(t, r.hc.OwnedBySMM())
	assert.Equal(t, uint32(0xc0), r.hc.State())
}

func TestReset_Revision(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})

	// Nothing decodes the next window, so the revision reads as zero.
	err := ohci.Reset(r.m.Platform(), r.hc.PCI().Address, r.base+0x10000)
	require.ErrorIs(t, err, pkg.ErrNotSupported)
}

// ============================================================================
// Probe
// ============================================================================

func TestProbe_RootKeyboard(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedLow})
	r.hc.Attach(2, kbd.Device)

	hcd, kbds, err := r.probe(t)
	require.NoError(t, err)
	require.Len(t, kbds, 1)

	assert.Equal(t, "OHCI", hcd.Name)
	assert.Equal(t, usb.SpeedLow, kbds[0].Speed)
	assert.Equal(t, 1, kbds[0].DeviceID)
	assert.Equal(t, usbdev.StateConfigured, kbd.State())
	assert.Equal(t, uint8(usb.HIDProtocolBoot), kbd.Protocol())
	assert.Equal(t, uint32(0x80), r.hc.State(), "operational")

	out := r.console.String()
	assert.Contains(t, out, "Keyboard found on port 2 interface 0 endpoint 1")
	assert.Contains(t, out, " Found 1 device, 1 keyboard")

	assert.True(t, r.hc.Ports()[0].Powered)
	assert.True(t, r.hc.Ports()[1].Enabled)
}

func TestProbe_KeepsFrameInterval(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 1, FrameInterval: 0x2ee0})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	r.hc.Attach(1, kbd.Device)

	_, _, err := r.probe(t)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2ee0), r.hc.FrameInterval())
}

func TestProbe_HubKeyboard(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})
	hub := usbdev.NewHub(usbdev.HubConfig{Name: "hub", Speed: usb.SpeedFull, NumPorts: 4})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	hub.Attach(4, kbd.Device)
	r.hc.Attach(2, hub.Device)

	_, kbds, err := r.probe(t)
	require.NoError(t, err)
	require.Len(t, kbds, 1)

	assert.Equal(t, 1, hub.Address())
	assert.Equal(t, 2, kbd.Address())

	out := r.console.String()
	assert.Contains(t, out, " 4 port hub found on port 2")
	assert.Contains(t, out, " Found 2 devices, 1 keyboard")
}

func TestProbe_NoKeyboard(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})
	before := r.m.LowHeap.Allocated()

	hcd, kbds, err := r.probe(t)
	require.ErrorIs(t, err, pkg.ErrNoKeyboard)
	assert.Nil(t, hcd)
	assert.Empty(t, kbds)

	assert.Equal(t, before, r.m.LowHeap.Allocated())
	assert.Equal(t, uint32(0), r.hc.State(), "reset")
	assert.Contains(t, r.console.String(), " Found 0 devices, 0 keyboards")
}

// ============================================================================
// Keyboard polling
// ============================================================================

func TestGetKeycode(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedLow, Interval: 8})
	r.hc.Attach(1, kbd.Device)

	hcd, _, err := r.probe(t)
	require.NoError(t, err)

	_, ok := hcd.GetKeycode()
	assert.False(t, ok, "no key before typing")

	require.Equal(t, 5, kbd.Type("world"))
	assert.Equal(t, "world", string(typeText(r.m, hcd, 5)))
}

func TestGetKeycode_TwoKeyboards(t *testing.T) {
	r := newRig(t, sim.OHCIConfig{NumPorts: 2})
	left := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "left", Speed: usb.SpeedFull})
	right := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "right", Speed: usb.SpeedLow})
	r.hc.Attach(1, left.Device)
	r.hc.Attach(2, right.Device)

	hcd, kbds, err := r.probe(t)
	require.NoError(t, err)
	require.Len(t, kbds, 2)

	left.Type("x")
	assert.Equal(t, "x", string(typeText(r.m, hcd, 1)))
	right.Type("y")
	assert.Equal(t, "y", string(typeText(r.m, hcd, 1)))
}
