package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softhcd/pkg"
)

// ============================================================================
// Helpers
// ============================================================================

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out, logs bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &logs
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"hcdsim"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const usbIDs = `# test database
046d  Logitech, Inc.
	c31c  Keyboard K120
C 03  Human Interface Device
	01  Boot Interface Subclass
		01  Keyboard
C 09  Hub
`

const hubTopology = `
controllers:
  - type: xhci
    ports: 2
    usb3_ports: 1
    devices:
      - port: 1
        kind: hub
        speed: high
        name: desk
        devices:
          - {port: 2, kind: keyboard, name: desk-kbd}
`

// ============================================================================
// scan
// ============================================================================

func TestScan_DefaultTopology(t *testing.T) {
	out, err := run(t, "scan", "--usbids", writeFile(t, "usb.ids", usbIDs))
	require.NoError(t, err)

	assert.Contains(t, out, "Scanning for USB keyboards...")
	assert.Contains(t, out, "Found UHCI controller")
	assert.Contains(t, out, "Keyboard found on port 2")
	assert.Contains(t, out, "Controllers")
	assert.Contains(t, out, "uhci0-2")
	assert.Contains(t, out, "046d:c31c")
	assert.Contains(t, out, "Logitech, Inc.")
	assert.Contains(t, out, "Keyboard K120")
	assert.Contains(t, out, "configured")
}

func TestScan_TopologyFile(t *testing.T) {
	out, err := run(t, "scan", "--topology", writeFile(t, "hub.yaml", hubTopology), "--usbids", writeFile(t, "usb.ids", usbIDs))
	require.NoError(t, err)

	assert.Contains(t, out, "Probing XHCI controller")
	assert.Contains(t, out, " Found 2 devices, 1 keyboard")
	assert.Contains(t, out, "desk-kbd")
	assert.Contains(t, out, "0.1.2")
	assert.Contains(t, out, "Hub")
}

func TestScan_LegacyOnly(t *testing.T) {
	out, err := run(t, "scan", "--cmdline", "quiet keyboard=legacy")
	require.NoError(t, err)

	assert.Contains(t, out, "USB keyboards disabled (keyboard=legacy)")
	assert.NotContains(t, out, "Scanning")
}

func TestScan_InvalidOption(t *testing.T) {
	_, err := run(t, "scan", "--usbinit", "7")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = run(t, "scan", "--cmdline", "keyboard=serial")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestScan_InvalidTopology(t *testing.T) {
	_, err := run(t, "scan", "--topology", writeFile(t, "bad.yaml", "controllers:\n  - {type: firewire}\n"))
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = run(t, "scan", "--topology", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScan_Pause(t *testing.T) {
	path := writeFile(t, "empty.yaml", "controllers:\n  - {type: ohci}\n")
	out, err := run(t, "scan", "--pause", "--topology", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No USB keyboards found. Continuing in 1 second")
}

func TestProfileFlags(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "--cpuprofile", filepath.Join(dir, "cpu.prof"),
		"--memprofile", filepath.Join(dir, "heap.prof"), "scan")
	require.NoError(t, err)
}

func TestLogLevel(t *testing.T) {
	_, err := run(t, "--log", "loud", "scan")
	assert.Error(t, err)
}

// ============================================================================
// type
// ============================================================================

func TestType(t *testing.T) {
	out, err := run(t, "type", "--text", "hello world")
	require.NoError(t, err)

	assert.Contains(t, out, `Typed "hello world" on uhci0-2`)
	assert.Contains(t, out, `Read  "hello world"`)
	assert.NotContains(t, out, "keys read")
}

func TestType_NamedKeyboard(t *testing.T) {
	out, err := run(t, "type", "--text", "abc", "--keyboard", "desk-kbd",
		"--topology", writeFile(t, "hub.yaml", hubTopology))
	require.NoError(t, err)
	assert.Contains(t, out, `Read  "abc"`)
}

func TestType_Errors(t *testing.T) {
	_, err := run(t, "type", "--text", "x", "--keyboard", "nope")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = run(t, "type", "--text", "x", "--cmdline", "keyboard=legacy")
	assert.ErrorIs(t, err, errUSBDisabled)

	_, err = run(t, "type", "--text", "x", "--topology", writeFile(t, "empty.yaml", "controllers:\n  - {type: uhci}\n"))
	assert.ErrorIs(t, err, pkg.ErrNoKeyboard)

	_, err = run(t, "type")
	assert.Error(t, err)
}

// ============================================================================
// dump
// ============================================================================

func TestDump(t *testing.T) {
	out, err := run(t, "dump")
	require.NoError(t, err)
	assert.Contains(t, out, "ControllerSpec")
	assert.Contains(t, out, `"uhci"`)
	assert.NotContains(t, out, "DeviceDescriptor")
}

func TestDump_Descriptors(t *testing.T) {
	out, err := run(t, "dump", "--descriptors")
	require.NoError(t, err)
	assert.Contains(t, out, "uhci0-2")
	assert.Contains(t, out, "DeviceDescriptor")
	assert.Contains(t, out, "VendorID: (uint16) 1133")
}

func TestDump_YAML(t *testing.T) {
	out, err := run(t, "dump", "--yaml", "--topology", writeFile(t, "hub.yaml", hubTopology))
	require.NoError(t, err)
	assert.Contains(t, out, "type: xhci")
	assert.Contains(t, out, "name: desk-kbd")
}
