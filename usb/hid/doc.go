// Package hid implements the parts of the USB HID class used by boot
// protocol keyboards: the 8-byte input report, usage codes and the
// translation from usage codes to ASCII.
package hid
