package keyboard

import (
	"fmt"
	"strings"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/pkg"
)

// Types selects the keyboard interfaces that are read.
type Types uint8

// Keyboard interfaces.
const (
	TypeLegacy Types = 1 << iota // PS/2 or BIOS emulated keyboard
	TypeUSB                      // USB keyboards driven by this package

	TypeNone Types = 0
)

// String returns the boot option value naming t.
func (t Types) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLegacy:
		return "legacy"
	case TypeUSB:
		return "usb"
	case TypeLegacy | TypeUSB:
		return "both"
	default:
		return fmt.Sprintf("Types(%d)", uint8(t))
	}
}

// Config is the keyboard configuration taken from the boot command line.
type Config struct {
	Types   Types
	Options host.Options
}

// DefaultConfig reads both legacy and USB keyboards with no options set.
var DefaultConfig = Config{Types: TypeLegacy | TypeUSB, Options: host.DefaultOptions}

// USB reports whether USB keyboards are enabled.
func (c Config) USB() bool {
	return c.Types&TypeUSB != 0
}

// ParseCommandLine reads the keyboard options from a space separated boot
// command line, starting from DefaultConfig:
//
//	keyboard=legacy|usb|both  keyboard interfaces to read
//	noehci                    leave EHCI controllers to their companions
//	usbdebug                  verbose enumeration, wait for a key after it
//	usbinit=1|2|3             two-step init, extra reset, or both
//
// Other options are ignored. Recognised options with an invalid value
// leave the configuration unchanged; the first such value is reported
// in the returned error, which wraps pkg.ErrInvalidParameter.
func ParseCommandLine(cmdline string) (Config, error) {
	cfg := DefaultConfig
	var first error
	for _, field := range strings.Fields(cmdline) {
		name, value, _ := strings.Cut(field, "=")
		if err := cfg.apply(name, value); err != nil && first == nil {
			first = err
		}
	}
	return cfg, first
}

func (c *Config) apply(name, value string) error {
	switch name {
	case "keyboard":
		switch value {
		case "legacy":
			c.Types = TypeLegacy
		case "usb":
			c.Types = TypeUSB
		case "both":
			c.Types = TypeLegacy | TypeUSB
		default:
			return invalid(name, value)
		}
	case "noehci":
		c.Options |= host.IgnoreEHCI
	case "usbdebug":
		c.Options |= host.Debug
	case "usbinit":
		switch value {
		case "1":
			c.Options |= host.TwoStepInit
		case "2":
			c.Options |= host.ExtraReset
		case "3":
			c.Options |= host.TwoStepInit | host.ExtraReset
		default:
			return invalid(name, value)
		}
	}
	return nil
}

func invalid(name, value string) error {
	return fmt.Errorf("boot option %s=%q: %w", name, value, pkg.ErrInvalidParameter)
}
