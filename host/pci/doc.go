// Package pci finds USB host controllers on the PCI bus and prepares them
// for use: it sizes the register BAR, enables decoding and bus mastering
// and brings the function to power state D0.
//
// Configuration space is reached through [hal.Config]. [ConfigMechanism1]
// implements it over the 0xCF8/0xCFC I/O ports.
package pci
