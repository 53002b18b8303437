package hid

import "testing"

func TestKeymap(t *testing.T) {
	tests := []struct {
		code uint8
		want byte
	}{
		{KeyNone, 0},
		{KeyErrorRollOver, 0},
		{KeyA, 'a'},
		{KeyZ, 'z'},
		{Key1, '1'},
		{Key0, '0'},
		{KeyEnter, '\n'},
		{KeyEscape, 0x1b},
		{KeyBackspace, '\b'},
		{KeyTab, '\t'},
		{KeySpace, ' '},
		{KeyEqual, '+'},
		{KeyHash, '#'},
		{KeySlash, '/'},
		{KeyCapsLock, 0},
		{KeyF1, '1'},
		{KeyF10, '0'},
		{KeyF11, 0},
		{KeyPageDown, 0},
		{KeyRight, 'r'},
		{KeyLeft, 'l'},
		{KeyDown, 'd'},
		{KeyUp, 'u'},
		{KeyNumLock, 0},
		{KeyKPSlash, '/'},
		{KeyKPEnter, '\n'},
		{KeyKP2, 'd'},
		{KeyKP4, 'l'},
		{KeyKP6, 'r'},
		{KeyKP8, 'u'},
		{KeyKP5, 0},
		{KeyKPDot, 0},
		{Key102nd, '\\'},
		{0x65, 0},
		{0xff, 0},
	}

	for _, tt := range tests {
		if got := Keymap(tt.code); got != tt.want {
			t.Errorf("Keymap(0x%02x) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestKeymapLength(t *testing.T) {
	if len(keymap) != Key102nd+1 {
		t.Errorf("len(keymap) = %d, want %d", len(keymap), Key102nd+1)
	}
}

func TestUsage(t *testing.T) {
	tests := []struct {
		ch     byte
		want   uint8
		wantOK bool
	}{
		{'a', KeyA, true},
		{'1', Key1, true},
		{'\n', KeyEnter, true},
		{'u', KeyU, true},
		{'\\', KeyBackslash, true},
		{'Q', 0, false},
		{0, 0, false},
	}

	for _, tt := range tests {
		got, ok := Usage(tt.ch)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Usage(%q) = 0x%02x, %v, want 0x%02x, %v", tt.ch, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestKeyboardReport(t *testing.T) {
	var r KeyboardReport
	for _, k := range []uint8{KeyA, KeyB, KeyC, KeyD, KeyE, KeyF} {
		if !r.SetKey(k) {
			t.Fatalf("SetKey(0x%02x) failed", k)
		}
	}
	if r.SetKey(KeyG) {
		t.Error("SetKey should fail when full")
	}
	if !r.SetKey(KeyA) {
		t.Error("SetKey of a held key should succeed")
	}

	r.ClearKey(KeyB)
	want := [6]uint8{KeyA, KeyC, KeyD, KeyE, KeyF, 0}
	if r.Keys != want {
		t.Errorf("Keys = %v, want %v", r.Keys, want)
	}
	if r.Contains(KeyB) || !r.Contains(KeyF) {
		t.Error("Contains mismatch")
	}

	r.Modifiers = ModLeftShift
	buf := make([]byte, KeyboardReportSize)
	if n := r.MarshalTo(buf); n != KeyboardReportSize {
		t.Fatalf("MarshalTo() = %d", n)
	}
	var parsed KeyboardReport
	if !ParseKeyboardReport(buf, &parsed) || parsed != r {
		t.Errorf("parsed = %+v, want %+v", parsed, r)
	}
	if ParseKeyboardReport(buf[:7], &parsed) {
		t.Error("short report should not parse")
	}

	r.Clear()
	if r != (KeyboardReport{}) {
		t.Errorf("Clear() left %+v", r)
	}
}

func TestKeyboardReport_Phantom(t *testing.T) {
	phantom := KeyboardReport{Keys: [6]uint8{1, 1, 1, 1, 1, 1}}
	if !phantom.Phantom() {
		t.Error("rollover report should be phantom")
	}
	mixed := KeyboardReport{Keys: [6]uint8{1, 2, 3, 1, 2, KeyA}}
	if mixed.Phantom() {
		t.Error("report with a real key is not phantom")
	}
	if (&KeyboardReport{}).Phantom() {
		t.Error("empty report is not phantom")
	}
}
