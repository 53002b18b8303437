// Package usb defines the USB 2.0 protocol elements shared by the host
// controller drivers: connection speeds, SETUP packets, standard and
// class descriptors, request codes and hub port status bits.
//
// Descriptor parsers read little-endian fields from raw bytes returned by
// devices and never trust length fields beyond the buffer they are given.
package usb
