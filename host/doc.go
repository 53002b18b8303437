// Package host implements the controller-independent half of the USB
// keyboard subsystem: the capability set every host controller backend
// provides, the enumeration engine that walks hub trees looking for boot
// keyboards, and the key code sink fed by the backends' polling.
//
// # Architecture
//
// The subsystem is organized into three layers:
//
//   - Driver is implemented by each backend (UHCI, OHCI, EHCI, XHCI) and
//     performs control transfers, root port resets and keyboard polling
//   - Controller binds a Driver to its Workspace and runs enumeration
//   - Scan collects the keyboards found on one controller
//
// Backends with controller-managed device slots, or that must configure
// hub and keyboard endpoints in hardware, additionally implement
// SlotAllocator, HubEndpointConfigurer or KeyboardEndpointConfigurer.
//
// # Enumeration
//
// Every device is reset, addressed and has its first configuration read
// into the workspace data buffer (512 bytes, longer configurations are
// truncated). Hubs are configured and their ports scanned recursively.
// Other devices are configured only if they expose at least one boot
// keyboard interface, which is then switched to the boot protocol with an
// infinite idle rate. Ports that lead to no keyboard are disabled again.
//
// # Execution Model
//
// There is no concurrency. All waits are bounded busy-polls through the
// platform clock, and key codes reach the caller only when it polls.
//
// # Example
//
//	scan := host.NewScan(host.MaxKeyboards)
//	for port := 1; port <= numPorts; port++ {
//	    // Reset the root port and determine its speed...
//	    scan.NumDevices++
//	    hcd.FindAttachedKeyboards(scan, host.Hub{NumPorts: numPorts}, port, speed, scan.NumDevices)
//	}
//
//	for {
//	    if code, ok := hcd.GetKeycode(); ok {
//	        fmt.Printf("%c", hid.Keymap(code))
//	    }
//	}
package host
