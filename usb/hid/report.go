package hid

// KeyboardReport is an 8-byte boot protocol keyboard input report.
type KeyboardReport struct {
	Modifiers uint8    // Modifier key state
	Reserved  uint8    // Reserved (always 0)
	Keys      [6]uint8 // Up to 6 simultaneous key codes
}

// KeyboardReportSize is the size of a keyboard report in bytes.
const KeyboardReportSize = 8

// ParseKeyboardReport decodes a boot report from data.
// Returns false if data is too short.
func ParseKeyboardReport(data []byte, out *KeyboardReport) bool {
	if len(data) < KeyboardReportSize {
		return false
	}
	out.Modifiers = data[0]
	out.Reserved = data[1]
	copy(out.Keys[:], data[2:KeyboardReportSize])
	return true
}

// MarshalTo writes the keyboard report to buf.
func (r *KeyboardReport) MarshalTo(buf []byte) int {
	if len(buf) < KeyboardReportSize {
		return 0
	}
	buf[0] = r.Modifiers
	buf[1] = r.Reserved
	copy(buf[2:KeyboardReportSize], r.Keys[:])
	return KeyboardReportSize
}

// Clear resets the keyboard report to all keys released.
func (r *KeyboardReport) Clear() {
	*r = KeyboardReport{}
}

// SetKey sets a key in the key array.
// Returns false if no slot is available.
func (r *KeyboardReport) SetKey(key uint8) bool {
	for i := range r.Keys {
		if r.Keys[i] == 0 {
			r.Keys[i] = key
			return true
		}
		if r.Keys[i] == key {
			return true
		}
	}
	return false
}

// ClearKey removes a key from the key array.
func (r *KeyboardReport) ClearKey(key uint8) {
	for i := range r.Keys {
		if r.Keys[i] == key {
			copy(r.Keys[i:], r.Keys[i+1:])
			r.Keys[len(r.Keys)-1] = 0
			return
		}
	}
}

// Contains reports whether key is held in this report.
func (r *KeyboardReport) Contains(key uint8) bool {
	for _, k := range r.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Phantom reports whether every key slot holds an error usage, the
// condition keyboards signal when too many keys are held.
func (r *KeyboardReport) Phantom() bool {
	for _, k := range r.Keys {
		if k < KeyErrorRollOver || k > KeyErrorUndefined {
			return false
		}
	}
	return true
}
