// Package usbid looks up vendor, product and interface class names in the
// usb.ids database distributed with usbutils.
//
// Load the database once:
//
//	db := usbid.New()
//	db.Load()
//
// or parse an embedded copy with db.Parse(r). Lookups return an empty
// string for unknown ids.
//
// All methods are safe for concurrent use.
package usbid
