// Package usbdev models USB devices for the simulated machine: a generic
// device with the standard request handling and state machine, a HID boot
// keyboard and a USB 2.0 hub.
//
// Controller models deliver packets stage by stage (Setup, DataIn, Status)
// when they execute transfer descriptors, or as whole transfers through
// Control. Packets are routed to devices by address with Find, which only
// descends through enabled ports, or by XHCI route string with FindRoute.
package usbdev
