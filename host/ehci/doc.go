// Package ehci drives Enhanced Host Controller Interface (USB 2.0)
// controllers.
//
// Only high speed devices are enumerated here. Ports with low or full
// speed devices attached are released to the companion UHCI or OHCI
// controllers, so EHCI controllers must be probed before their
// companions. Control transfers run on a single queue head in the
// asynchronous schedule, which is only enabled while a transfer is in
// progress. Keyboards behind high speed hubs are reached through the
// hub's transaction translator.
package ehci
