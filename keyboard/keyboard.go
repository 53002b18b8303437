package keyboard

import (
	"time"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/ehci"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/ohci"
	"github.com/ardnew/softhcd/host/pci"
	"github.com/ardnew/softhcd/host/uhci"
	"github.com/ardnew/softhcd/host/xhci"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb/hid"
)

// Timing of FindKeyboards.
const (
	PauseIfNoneTime = 10 * time.Second // Countdown when nothing was found
	DebugKeyWait    = 60 * time.Second // Longest wait for a key in debug mode
	debugKeyPoll    = 10 * time.Millisecond
)

type backend struct {
	reset func(p hal.Platform, addr pci.Address, base uintptr) error
	probe func(p hal.Platform, base uintptr, opts host.Options, console *host.Console) (*host.Controller, []host.Endpoint, error)
}

var backends = map[pci.ControllerType]backend{
	pci.UHCI: {uhci.Reset, uhci.Probe},
	pci.OHCI: {ohci.Reset, ohci.Probe},
	pci.EHCI: {ehci.Reset, ehci.Probe},
	pci.XHCI: {xhci.Reset, xhci.Probe},
}

// Controller is a host controller on which keyboards were found.
type Controller struct {
	PCI       pci.Controller
	HCD       *host.Controller
	Keyboards []host.Endpoint
}

// Subsystem owns the host controllers that drive USB keyboards.
type Subsystem struct {
	platform    hal.Platform
	options     host.Options
	console     *host.Console
	controllers []Controller
}

// New returns a subsystem that has not scanned yet. The debug options
// select which log components are verbose.
func New(p hal.Platform, opts host.Options, console *host.Console) *Subsystem {
	opts.ApplyLogging()
	return &Subsystem{platform: p, options: opts, console: console}
}

// candidate is a controller found on the PCI bus.
type candidate struct {
	pci.Controller
	usable bool
}

// FindKeyboards discovers the USB host controllers on the PCI bus, takes
// them over and resets them, then probes them for keyboards. EHCI
// controllers are probed first so low and full speed devices are handed
// to their companions before those are scanned. At most
// host.MaxControllers controllers with keyboards are kept.
//
// With the Debug option it then waits for a key. Otherwise, if no
// keyboard was found and pauseIfNone is set, it counts down
// PauseIfNoneTime so the message can be read.
func (s *Subsystem) FindKeyboards(pauseIfNone bool) {
	s.controllers = s.controllers[:0]
	s.console.Printf("Scanning for USB keyboards...")

	var found []candidate
	for _, c := range pci.FindUSBControllers(s.platform.PCI) {
		usable := s.reset(&c)
		found = append(found, candidate{Controller: c, usable: usable})
	}

	for i := range found {
		c := &found[i]
		if c.Type != pci.EHCI {
			continue
		}
		if c.usable && !s.options.Has(host.IgnoreEHCI) && len(s.controllers) < host.MaxControllers {
			s.probe(c.Controller)
		}
		c.usable = false
	}
	for i := range found {
		if c := found[i]; c.usable && len(s.controllers) < host.MaxControllers {
			s.probe(c.Controller)
		}
	}

	pkg.LogInfo(pkg.ComponentKbd, "keyboard scan complete",
		"controllers", len(found), "active", len(s.controllers), "keyboards", s.NumKeyboards())

	switch {
	case s.options.Has(host.Debug):
		s.console.Printf("Press any key to continue...")
		s.waitKey(DebugKeyWait)
	case pauseIfNone && len(s.controllers) == 0:
		for left := int(PauseIfNoneTime / time.Second); left > 0; left-- {
			plural := "s"
			if left == 1 {
				plural = " "
			}
			s.console.Rewrite("No USB keyboards found. Continuing in %d second%s ", left, plural)
			s.platform.Clock.Delay(time.Second)
		}
		s.console.Printf("")
	}
}

// reset prepares the PCI function and takes the controller over. It
// reports whether the controller can be probed.
func (s *Subsystem) reset(c *pci.Controller) bool {
	b, ok := backends[c.Type]
	if !ok {
		return false
	}
	err := c.Prepare(s.platform.PCI, s.platform.Clock)
	s.console.Printf("Found %s controller %04x:%04x at %08x size %08x in %s space",
		c.Type, c.VendorID, c.DeviceID, c.Base, c.Size, c.Space())
	if err != nil {
		s.console.Printf(" Unsupported address mapping for this controller type")
		pkg.LogWarn(pkg.ComponentKbd, "controller unusable", "addr", c.Address.String(), "error", err)
		return false
	}
	if err := b.reset(s.platform, c.Address, c.Base); err != nil {
		pkg.LogWarn(pkg.ComponentKbd, "controller reset failed", "addr", c.Address.String(), "type", c.Type.String(), "error", err)
		return false
	}
	return true
}

func (s *Subsystem) probe(c pci.Controller) {
	s.console.Printf("Probing %s controller at %08x", c.Type, c.Base)
	hcd, kbds, err := backends[c.Type].probe(s.platform, c.Base, s.options, s.console)
	if err != nil {
		pkg.LogDebug(pkg.ComponentKbd, "no keyboards", "addr", c.Address.String(), "type", c.Type.String(), "error", err)
		return
	}
	s.controllers = append(s.controllers, Controller{PCI: c, HCD: hcd, Keyboards: kbds})
}

// waitKey polls for a key until one arrives or max has elapsed.
func (s *Subsystem) waitKey(max time.Duration) bool {
	return hal.PollUntil(s.platform.Clock, max, debugKeyPoll, func() bool {
		return s.GetKeycode() != 0
	})
}

// GetKeycode polls every controller in turn and returns the first key
// code found in their buffers, or 0 if none is pending.
func (s *Subsystem) GetKeycode() uint8 {
	for _, c := range s.controllers {
		if code, ok := c.HCD.GetKeycode(); ok {
			return code
		}
	}
	return 0
}

// GetKey returns the character of the next pending key code, or 0.
func (s *Subsystem) GetKey() byte {
	code := s.GetKeycode()
	if code == 0 {
		return 0
	}
	return hid.Keymap(code)
}

// Controllers returns the controllers with keyboards, in probe order.
func (s *Subsystem) Controllers() []Controller {
	return s.controllers
}

// Keyboards returns every keyboard endpoint across all controllers.
func (s *Subsystem) Keyboards() []host.Endpoint {
	var kbds []host.Endpoint
	for _, c := range s.controllers {
		kbds = append(kbds, c.Keyboards...)
	}
	return kbds
}

// NumKeyboards returns the number of keyboards found.
func (s *Subsystem) NumKeyboards() int {
	n := 0
	for _, c := range s.controllers {
		n += len(c.Keyboards)
	}
	return n
}
