package hid

// keymap translates usage codes 0x00..0x64 to the characters the memory
// test menus understand. Cursor keys map to 'u', 'd', 'l', 'r', function
// keys F1..F10 map to the digits they select, and the keypad follows the
// unlocked navigation layout.
var keymap = [...]byte{
	0, 0, 0, 0, // 0x00..0x03: none and error usages
	'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm',
	'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z',
	'1', '2', '3', '4', '5', '6', '7', '8', '9', '0',
	'\n', 0x1b, '\b', '\t', ' ', '-', '+', '[', ']', '\\', '#', ';', '\'', '`', ',', '.', '/',
	0,                                                // 0x39 caps lock
	'1', '2', '3', '4', '5', '6', '7', '8', '9', '0', // 0x3a..0x43 F1..F10
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 0x44..0x4e
	'r', 'l', 'd', 'u', // 0x4f..0x52 arrows
	0,                  // 0x53 num lock
	'/', '*', '-', '+', '\n', // 0x54..0x58 keypad
	0, 'd', 0, 'l', 0, 'r', 0, 'u', 0, 0, 0, // 0x59..0x63 keypad digits
	'\\', // 0x64
}

// Keymap returns the character for usage code, or 0 if the code has no
// mapping.
func Keymap(code uint8) byte {
	if int(code) >= len(keymap) {
		return 0
	}
	return keymap[code]
}

// Usage returns the lowest usage code that Keymap translates to ch.
func Usage(ch byte) (uint8, bool) {
	if ch == 0 {
		return 0, false
	}
	for code, c := range keymap {
		if c == ch {
			return uint8(code), true
		}
	}
	return 0, false
}
