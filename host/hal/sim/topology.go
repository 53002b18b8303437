package sim

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// Topology describes the controllers of a simulated machine and the
// device trees on their root ports.
//
//	controllers:
//	  - type: ehci
//	    ports: 2
//	    companion: {type: uhci}
//	    devices:
//	      - {port: 1, kind: hub, speed: high, ports: 4, devices: [{port: 2, kind: keyboard, speed: low}]}
//	  - type: xhci
//	    ports: 4
//	    usb3_ports: 2
//	    devices:
//	      - {port: 2, kind: keyboard, name: desk}
type Topology struct {
	Controllers []ControllerSpec `yaml:"controllers"`
}

// ControllerSpec describes one host controller.
type ControllerSpec struct {
	Type        string          `yaml:"type"`                  // uhci, ohci, ehci or xhci
	Ports       int             `yaml:"ports,omitempty"`       // Root ports (USB 2 ports for XHCI)
	USB3Ports   int             `yaml:"usb3_ports,omitempty"`  // XHCI only
	Scratchpads int             `yaml:"scratchpads,omitempty"` // XHCI only
	BIOSOwned   bool            `yaml:"bios_owned,omitempty"`
	SMM         bool            `yaml:"smm,omitempty"` // OHCI only
	Companion   *ControllerSpec `yaml:"companion,omitempty"`
	Devices     []DeviceSpec    `yaml:"devices,omitempty"`
}

// DeviceSpec describes a device plugged into a port.
type DeviceSpec struct {
	Port     int          `yaml:"port"`
	Kind     string       `yaml:"kind"` // keyboard or hub
	Name     string       `yaml:"name,omitempty"`
	Speed    string       `yaml:"speed,omitempty"`    // low, full or high
	Interval uint8        `yaml:"interval,omitempty"` // Keyboard bInterval
	Ports    int          `yaml:"ports,omitempty"`    // Hub downstream ports
	Vendor   uint16       `yaml:"vendor,omitempty"`   // idVendor
	Product  uint16       `yaml:"product,omitempty"`  // idProduct
	Devices  []DeviceSpec `yaml:"devices,omitempty"`
}

// Controller types accepted in a topology.
const (
	TypeUHCI = "uhci"
	TypeOHCI = "ohci"
	TypeEHCI = "ehci"
	TypeXHCI = "xhci"
)

// Device kinds accepted in a topology.
const (
	KindKeyboard = "keyboard"
	KindHub      = "hub"
)

const defaultPorts = 2

// DefaultTopology is used when no topology file is given: a UHCI
// controller with a full speed keyboard on its second port.
const DefaultTopology = `
controllers:
  - type: uhci
    ports: 2
    devices:
      - {port: 2, kind: keyboard, speed: full, vendor: 0x046d, product: 0xc31c}
`

// LoadTopology decodes and validates a YAML topology. Unknown fields are
// rejected.
func LoadTopology(r io.Reader) (*Topology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var t Topology
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseTopology is LoadTopology on a string.
func ParseTopology(s string) (*Topology, error) {
	return LoadTopology(strings.NewReader(s))
}

// Marshal encodes t as YAML.
func (t *Topology) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

// Validate checks controller types, port numbers and device kinds.
func (t *Topology) Validate() error {
	if len(t.Controllers) == 0 {
		return fmt.Errorf("topology has no controllers: %w", pkg.ErrInvalidParameter)
	}
	for i := range t.Controllers {
		if err := t.Controllers[i].validate(fmt.Sprintf("controller %d", i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *ControllerSpec) validate(where string) error {
	switch strings.ToLower(c.Type) {
	case TypeUHCI, TypeOHCI, TypeXHCI:
		if c.Companion != nil {
			return fmt.Errorf("%s: only ehci takes a companion: %w", where, pkg.ErrInvalidParameter)
		}
	case TypeEHCI:
		if cc := c.Companion; cc != nil {
			if t := strings.ToLower(cc.Type); t != TypeUHCI && t != TypeOHCI {
				return fmt.Errorf("%s: companion type %q: %w", where, cc.Type, pkg.ErrInvalidParameter)
			}
			if len(cc.Devices) != 0 {
				return fmt.Errorf("%s: companion ports are shared: %w", where, pkg.ErrInvalidParameter)
			}
		}
	default:
		return fmt.Errorf("%s: controller type %q: %w", where, c.Type, pkg.ErrInvalidParameter)
	}
	if c.Ports < 0 || c.Ports+c.USB3Ports > xhciMaxPort {
		return fmt.Errorf("%s: %d ports: %w", where, c.Ports, pkg.ErrInvalidParameter)
	}
	return validateDevices(where, c.ports()+c.USB3Ports, c.Devices)
}

func (c *ControllerSpec) ports() int {
	if c.Ports == 0 {
		return defaultPorts
	}
	return c.Ports
}

func validateDevices(where string, ports int, devs []DeviceSpec) error {
	used := make(map[int]bool)
	for _, d := range devs {
		if d.Port < 1 || d.Port > ports {
			return fmt.Errorf("%s: port %d out of range 1..%d: %w", where, d.Port, ports, pkg.ErrInvalidParameter)
		}
		if used[d.Port] {
			return fmt.Errorf("%s: port %d used twice: %w", where, d.Port, pkg.ErrInvalidParameter)
		}
		used[d.Port] = true
		if _, err := ParseSpeed(d.Speed); err != nil {
			return fmt.Errorf("%s port %d: %w", where, d.Port, err)
		}
		switch strings.ToLower(d.Kind) {
		case KindKeyboard:
			if len(d.Devices) != 0 {
				return fmt.Errorf("%s port %d: keyboard with children: %w", where, d.Port, pkg.ErrInvalidParameter)
			}
		case KindHub:
			if d.Ports < 0 || d.Ports > 15 {
				return fmt.Errorf("%s port %d: hub with %d ports: %w", where, d.Port, d.Ports, pkg.ErrInvalidParameter)
			}
			n := d.Ports
			if n == 0 {
				n = 4
			}
			if err := validateDevices(fmt.Sprintf("%s port %d", where, d.Port), n, d.Devices); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s port %d: device kind %q: %w", where, d.Port, d.Kind, pkg.ErrInvalidParameter)
		}
	}
	return nil
}

// ParseSpeed parses low, full or high. An empty string selects full
// speed.
func ParseSpeed(s string) (usb.Speed, error) {
	switch strings.ToLower(s) {
	case "low", "ls":
		return usb.SpeedLow, nil
	case "", "full", "fs":
		return usb.SpeedFull, nil
	case "high", "hs":
		return usb.SpeedHigh, nil
	default:
		return usb.SpeedUnknown, fmt.Errorf("speed %q: %w", s, pkg.ErrInvalidParameter)
	}
}

// Build returns a machine populated as t describes. The keyboards are
// recorded on the machine in topology order.
func (t *Topology) Build() (*Machine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	m := NewMachine()
	for i := range t.Controllers {
		spec := &t.Controllers[i]
		c := m.addController(spec)
		if spec.Companion != nil {
			cc := *spec.Companion
			if cc.Ports == 0 {
				cc.Ports = spec.ports()
			}
			c.(*EHCI).SetCompanion(m.addController(&cc))
		}
		for _, d := range spec.Devices {
			dev := m.buildDevice(fmt.Sprintf("%s%d-%d", strings.ToLower(spec.Type), i, d.Port), d)
			c.Attach(d.Port, dev)
		}
	}
	return m, nil
}

func (m *Machine) addController(spec *ControllerSpec) Controller {
	switch strings.ToLower(spec.Type) {
	case TypeUHCI:
		return m.AddUHCI(spec.ports())
	case TypeOHCI:
		return m.AddOHCI(OHCIConfig{NumPorts: spec.ports(), SMM: spec.SMM})
	case TypeEHCI:
		cfg := EHCIConfig{NumPorts: spec.ports(), BIOSOwned: spec.BIOSOwned}
		if spec.Companion != nil {
			cfg.Companions = 1
		}
		return m.AddEHCI(cfg)
	default:
		return m.AddXHCI(XHCIConfig{
			USB2Ports:   spec.ports(),
			USB3Ports:   spec.USB3Ports,
			Scratchpads: spec.Scratchpads,
			BIOSOwned:   spec.BIOSOwned,
		})
	}
}

func (m *Machine) buildDevice(name string, d DeviceSpec) *usbdev.Device {
	if d.Name != "" {
		name = d.Name
	}
	speed, _ := ParseSpeed(d.Speed)
	if strings.ToLower(d.Kind) == KindHub {
		n := d.Ports
		if n == 0 {
			n = 4
		}
		hub := usbdev.NewHub(usbdev.HubConfig{
			Name:      name,
			Speed:     speed,
			NumPorts:  n,
			VendorID:  d.Vendor,
			ProductID: d.Product,
		})
		for _, child := range d.Devices {
			hub.Attach(child.Port, m.buildDevice(fmt.Sprintf("%s.%d", name, child.Port), child))
		}
		return hub.Device
	}
	kbd := usbdev.NewKeyboard(usbdev.KeyboardConfig{
		Name:      name,
		Speed:     speed,
		VendorID:  d.Vendor,
		ProductID: d.Product,
		Interval:  d.Interval,
	})
	m.Keyboards = append(m.Keyboards, kbd)
	return kbd.Device
}

// Keyboard returns the keyboard called name, or nil.
func (m *Machine) Keyboard(name string) *usbdev.Keyboard {
	for _, k := range m.Keyboards {
		if k.Name == name {
			return k
		}
	}
	return nil
}
