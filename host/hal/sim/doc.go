// Package sim is a simulated PC for running the host controller backends
// without hardware.
//
// A Machine has sparse physical memory, an I/O port space, a PCI bus
// reached through configuration mechanism #1, physical heaps and a
// virtual clock. Host controller models (UHCI, OHCI, EHCI, XHCI) decode
// their registers and walk the schedules the drivers build in memory.
// Each model advances on the clock: a driver's Delay moves time forward
// and runs every frame or microframe that falls due.
//
// Devices from package usbdev plug into root ports or hub ports. A
// Topology describes a machine in YAML:
//
//	controllers:
//	  - type: ehci
//	    ports: 4
//	    companion: {type: uhci}
//	    devices:
//	      - port: 1
//	        kind: hub
//	        speed: high
//	        devices:
//	          - {port: 3, kind: keyboard, speed: low, name: desk}
//
//	topo, err := sim.LoadTopology(f)
//	m, err := topo.Build()
//	p := m.Platform()
package sim
