package ehci_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/ehci"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/host/uhci"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
	"github.com/ardnew/softhcd/usb/hid"
)

// ============================================================================
// Helpers
// ============================================================================

type rig struct {
	m       *sim.Machine
	hc      *sim.EHCI
	base    uintptr
	console *bytes.Buffer
}

func newRig(t *testing.T, cfg sim.EHCIConfig) *rig {
	t.Helper()
	m := sim.NewMachine()
	hc := m.AddEHCI(cfg)
	base := uintptr(hc.PCI().Config.Get(pci.RegBAR0) &^ 0xf)
	return &rig{m: m, hc: hc, base: base, console: &bytes.Buffer{}}
}

func (r *rig) probe(t *testing.T) (*host.Controller, []host.Endpoint, error) {
	t.Helper()
	p := r.m.Platform()
	require.NoError(t, ehci.Reset(p, r.hc.PCI().Address, r.base))
	return ehci.Probe(p, r.base, host.DefaultOptions, host.NewConsole(r.console))
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

func TestReset_BIOSHandoff(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 2, BIOSOwned: true})
	require.True(t, r.hc.BIOSOwned())

	require.NoError(t, ehci.Reset(r.m.Platform(), r.hc.PCI().Address, r.base))
	assert.False(t, r.hc.BIOSOwned())
	assert.False(t, r.hc.Running())
}

func TestReset_HandoffTimeout(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 2, StuckBIOS: true})

	err := ehci.Reset(r.m.Platform(), r.hc.PCI().Address, r.base)
	require.ErrorIs(t, err, pkg.ErrHandoff)
}

// ============================================================================
// Probe
// ============================================================================

func TestProbe_HighSpeedKeyboard(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 4})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedHigh})
	r.hc.Attach(3, kbd.Device)

	hcd, kbds, err := r.probe(t)
	require.NoError(t, err)
	require.Len(t, kbds, 1)

	assert.Equal(t, "EHCI", hcd.Name)
	assert.Equal(t, usb.SpeedHigh, kbds[0].Speed)
	assert.Equal(t, 1, kbds[0].DeviceID)
	assert.Equal(t, usbdev.StateConfigured, kbd.State())
	assert.True(t, r.hc.Routed())
	assert.True(t, r.hc.Running())

	out := r.console.String()
	assert.Contains(t, out, "Keyboard found on port 3 interface 0 endpoint 1")
	assert.Contains(t, out, " Found 0 low/full speed devices, 1 high speed device, 1 keyboard")
}

func TestProbe_TransactionTranslator(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 2})
	hub := usbdev.NewHub(usbdev.HubConfig{Name: "hub", Speed: usb.SpeedHigh, NumPorts: 4})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedLow})
	hub.Attach(2, kbd.Device)
	r.hc.Attach(1, hub.Device)

	hcd, kbds, err := r.probe(t)
	require.NoError(t, err)
	require.Len(t, kbds, 1)

	assert.Equal(t, 1, hub.Address())
	assert.Equal(t, 2, kbds[0].DeviceID)
	assert.Equal(t, usb.SpeedLow, kbds[0].Speed)
	assert.Equal(t, uintptr(2<<8|1), kbds[0].DriverData, "hub 1 port 2")
	assert.Contains(t, r.console.String(), " Found 0 low/full speed devices, 2 high speed devices, 1 keyboard")

	kbd.Type("tt")
	assert.Equal(t, "tt", string(typeText(r.m, hcd, 2)))
}

func TestProbe_ReleasesSlowDevices(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 2, Companions: 1})
	companion := r.m.AddUHCI(2)
	r.hc.SetCompanion(companion)

	low := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "low", Speed: usb.SpeedLow})
	full := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "full", Speed: usb.SpeedFull})
	r.hc.Attach(1, low.Device)
	r.hc.Attach(2, full.Device)
	before := r.m.LowHeap.Allocated()

	_, _, err := r.probe(t)
	require.ErrorIs(t, err, pkg.ErrNoKeyboard)
	assert.Equal(t, before, r.m.LowHeap.Allocated())
	assert.False(t, r.hc.Running())

	out := r.console.String()
	assert.Contains(t, out, " Found 2 low/full speed devices, 0 high speed devices, 0 keyboards")
	assert.Contains(t, out, " Handed over low/full speed devices to companion controllers")
	assert.True(t, r.hc.Released(1))
	assert.True(t, r.hc.Released(2))

	// The companion now sees both keyboards.
	p := r.m.Platform()
	base := uintptr(companion.PCI().Config.Get(pci.RegBAR4) &^ 0x3)
	require.NoError(t, uhci.Reset(p, companion.PCI().Address, base))
	_, kbds, err := uhci.Probe(p, base, host.DefaultOptions, nil)
	require.NoError(t, err)
	assert.Len(t, kbds, 2)
}

func TestProbe_NoCompanion(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 1})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedFull})
	r.hc.Attach(1, kbd.Device)

	_, _, err := r.probe(t)
	require.ErrorIs(t, err, pkg.ErrNoKeyboard)
	assert.False(t, r.hc.Released(1))
	assert.NotContains(t, r.console.String(), "Handed over")
}

// ============================================================================
// Keyboard polling
// ============================================================================

func TestGetKeycode(t *testing.T) {
	r := newRig(t, sim.EHCIConfig{NumPorts: 2})
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{Name: "kbd", Speed: usb.SpeedHigh, Interval: 4})
	r.hc.Attach(2, kbd.Device)

	hcd, _, err := r.probe(t)
	require.NoError(t, err)

	_, ok := hcd.GetKeycode()
	assert.False(t, ok, "no key before typing")

	require.Equal(t, 6, kbd.Type("memory"))
	assert.Equal(t, "memory", string(typeText(r.m, hcd, 6)))
}
