// Package xhci drives eXtensible Host Controller Interface (USB 3)
// controllers for USB 2 keyboards.
//
// The controller assigns device slots and USB addresses itself, so the
// enumeration engine sees slot IDs where other backends use addresses.
// Commands go through a command ring and complete on an event ring with
// a single segment. Each device slot owns a small workspace holding its
// output context and its control and interrupt transfer rings, which is
// returned to the heap when the slot is disabled. Keyboard reports
// complete as transfer events matched to the keyboard by slot and
// endpoint. Ports of the USB 3 protocol are not scanned.
package xhci
