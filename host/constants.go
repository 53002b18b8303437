package host

import (
	"strings"
	"time"

	"github.com/ardnew/softhcd/pkg"
)

// Workspace geometry.
const (
	DataBufferSize    = 512 // Descriptor transfer buffer
	KeycodeBufferSize = 8   // Key code ring (one slot stays empty)
	MaxKeyboards      = 8   // Keyboards tracked per controller
	MaxControllers    = 8   // Controllers kept by the keyboard subsystem
)

// MaxHubDepth is the deepest hub tier below the root hub. Route strings
// hold one port nibble per tier, so ports of deeper hubs are not scanned.
const MaxHubDepth = 5

// Enumeration timing.
const (
	SetAddressRecovery = 3 * time.Millisecond   // 2 ms plus margin
	PortResetTimeout   = 200 * time.Millisecond // Downstream port reset limit
	PortResetPoll      = time.Millisecond
	PortResetRecovery  = 10 * time.Millisecond
	HubPowerSettle     = 100 * time.Millisecond // Added to the hub's own power-on delay
	HubPowerUnit       = 2 * time.Millisecond   // bPwrOn2PwrGood granularity
)

// Options selects initialisation workarounds and diagnostics.
type Options uint8

// Initialisation options.
const (
	ExtraReset  Options = 1 << iota // Reset the port again after the first descriptor fetch
	IgnoreEHCI                      // Leave EHCI controllers alone and use their companions
	TwoStepInit                     // Fetch 8 bytes of the device descriptor first at every speed
	Debug                           // Verbose enumeration and wait for a key after scanning
	DebugHub                        // Verbose hub handling
	DebugKbd                        // Verbose keyboard report handling
)

// DefaultOptions is the option set used when nothing is configured.
const DefaultOptions Options = 0

var optionNames = [...]string{
	"extra-reset",
	"ignore-ehci",
	"two-step-init",
	"debug",
	"debug-hub",
	"debug-kbd",
}

// Has reports whether every bit of flag is set.
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

// String returns the option names joined by '|'.
func (o Options) String() string {
	if o == 0 {
		return "none"
	}
	var names []string
	for i, name := range optionNames {
		if o&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// ApplyLogging promotes the debug records of the areas selected by the
// debug options.
func (o Options) ApplyLogging() {
	pkg.SetVerbose(pkg.ComponentEnum, o.Has(Debug))
	pkg.SetVerbose(pkg.ComponentHCD, o.Has(Debug))
	pkg.SetVerbose(pkg.ComponentHub, o.Has(DebugHub))
	pkg.SetVerbose(pkg.ComponentKbd, o.Has(DebugKbd))
}
