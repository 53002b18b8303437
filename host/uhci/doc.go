// Package uhci drives Universal Host Controller Interface (USB 1.1)
// controllers, which decode their registers in I/O space.
//
// Control transfers run on a single queue head linked into every entry
// of the 1024-entry frame list. Once enumeration is done the frame list
// is rebuilt so that every few frames the controller walks one queue
// head per keyboard, each holding a single interrupt IN transfer
// descriptor that PollKeyboards re-arms after every report.
package uhci
