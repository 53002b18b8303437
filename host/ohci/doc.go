// Package ohci drives Open Host Controller Interface (USB 1.1)
// controllers through their memory-mapped operational registers.
//
// Control transfers use one endpoint descriptor on the control list.
// Each keyboard gets an interrupt endpoint descriptor holding a single
// IN transfer descriptor, linked from the interrupt table of the HCCA.
// Completed descriptors are collected from the done queue.
package ohci
