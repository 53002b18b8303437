package host

import (
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb/hid"
)

// KeycodeBuffer is a single-producer single-consumer ring of HID key codes.
// One slot always stays empty, so it holds at most KeycodeBufferSize-1
// codes. New codes are dropped while it is full.
type KeycodeBuffer struct {
	buf [KeycodeBufferSize]uint8
	in  int
	out int
}

// Put appends code, reporting false if the ring is full.
func (b *KeycodeBuffer) Put(code uint8) bool {
	next := (b.in + 1) % KeycodeBufferSize
	if next == b.out {
		return false
	}
	b.buf[b.in] = code
	b.in = next
	return true
}

// Get removes and returns the oldest code.
func (b *KeycodeBuffer) Get() (uint8, bool) {
	if b.in == b.out {
		return 0, false
	}
	code := b.buf[b.out]
	b.out = (b.out + 1) % KeycodeBufferSize
	return code, true
}

// Len returns the number of buffered codes.
func (b *KeycodeBuffer) Len() int {
	return (b.in - b.out + KeycodeBufferSize) % KeycodeBufferSize
}

// Reset discards all buffered codes.
func (b *KeycodeBuffer) Reset() {
	b.in, b.out = 0, 0
}

// ProcessKeyboardReport queues the key codes of report that were not held
// in prev. It returns false when every key slot reports an error usage
// (phantom state), in which case the caller should not keep report as the
// previous report.
func (c *Controller) ProcessKeyboardReport(report, prev *hid.KeyboardReport) bool {
	errors := 0
	for _, code := range report.Keys {
		switch {
		case code > hid.KeyErrorUndefined:
			if prev.Contains(code) {
				continue
			}
			if !c.Workspace.Keycodes.Put(code) {
				pkg.LogDebug(pkg.ComponentKbd, "keycode dropped", "controller", c.Name, "code", code)
				continue
			}
			pkg.LogDebug(pkg.ComponentKbd, "key pressed", "controller", c.Name, "code", code)
		case code != 0:
			errors++
		}
	}
	return errors < len(report.Keys)
}
