// Package hal defines the hardware collaborators of the host controller
// drivers.
//
// Drivers never touch hardware directly. Register and memory access goes
// through a [Bus], PCI configuration space through [Config], delays
// through [Clock] and DMA memory comes from an [Allocator]. A [Platform]
// bundles one of each.
//
// # Registers
//
// A [Region] is a validated window onto a bus, usually a controller's BAR.
// [Reg32], [Reg16] and [Reg8] are volatile registers within it; every
// method performs real bus accesses in program order. 64-bit registers
// and descriptor fields are accessed as two 32-bit halves, low word first
// ([Read64], [Write64]).
//
// # Waiting
//
// All hardware waits are bounded. [PollUntil] is the single retry
// combinator; [WaitUntilSet] and [WaitUntilClr] sample a register every
// 8µs until the mask matches or the time limit passes.
//
// # Implementations
//
// [Direct] is a bus over a byte window of the program's address space,
// such as the 1:1 physical mapping of a bare-metal target, and [Busy]
// spins on the wall clock. The
// simulated machine in [github.com/ardnew/softhcd/host/hal/sim] provides
// every collaborator for tests.
package hal
