package host

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/usb"
)

// Scan accumulates the results of one controller's port scan.
type Scan struct {
	NumDevices int        // Devices found so far, used as the next address
	Keyboards  []Endpoint // Configured keyboard interrupt endpoints
	max        int
}

// NewScan returns an empty scan that records at most max keyboards.
func NewScan(max int) *Scan {
	if max <= 0 || max > MaxKeyboards {
		max = MaxKeyboards
	}
	return &Scan{Keyboards: make([]Endpoint, 0, max), max: max}
}

// Full reports whether the keyboard table has no free entry.
func (s *Scan) Full() bool {
	return len(s.Keyboards) >= s.max
}

// Summary returns the one-line result printed after a controller's root
// ports have been scanned.
func (s *Scan) Summary() string {
	return fmt.Sprintf(" Found %d device%s, %d keyboard%s",
		s.NumDevices, plural(s.NumDevices), len(s.Keyboards), plural(len(s.Keyboards)))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// AssignUSBAddress is the default address assignment used by backends
// without controller-managed addressing. Low and full speed devices (and
// every device under TwoStepInit) first have 8 bytes of their device
// descriptor fetched at address 0 to learn the control endpoint's packet
// size.
func (c *Controller) AssignUSBAddress(hub Hub, port int, speed usb.Speed, id int, ep0 *Endpoint) error {
	if id > usb.MaxAddress {
		return fmt.Errorf("device id %d: %w", id, pkg.ErrNoAddress)
	}

	*ep0 = Endpoint{
		DriverData:    ep0.DriverData,
		Speed:         speed,
		MaxPacketSize: int(speed.DefaultMaxPacketSize()),
	}

	data := c.Workspace.Data[:]
	if speed < usb.SpeedHigh || c.Options.Has(TwoStepInit) {
		if err := c.getDeviceDescriptor(ep0, data[:8]); err != nil {
			return err
		}
		ep0.MaxPacketSize = int(data[7])
		if !usb.ValidMaxPacketSize(ep0.MaxPacketSize, speed) {
			return fmt.Errorf("control packet size %d at %v: %w", ep0.MaxPacketSize, speed, pkg.ErrInvalidDescriptor)
		}
		if c.Options.Has(ExtraReset) {
			if err := c.ResetHubPort(hub, port); err != nil {
				return err
			}
		}
	}

	setup := usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetAddress, uint16(id), 0, 0)
	if err := c.Driver.SetupRequest(ep0, setup); err != nil {
		return fmt.Errorf("set address %d: %w", id, err)
	}
	ep0.DeviceID = id
	c.Clock.Delay(SetAddressRecovery)

	if err := c.getDeviceDescriptor(ep0, data[:usb.DeviceDescriptorSize]); err != nil {
		return err
	}
	c.Workspace.DataLength = usb.DeviceDescriptorSize

	pkg.LogDebug(pkg.ComponentEnum, "address assigned",
		"controller", c.Name, "port", port, "id", id, "speed", speed, "maxp", ep0.MaxPacketSize)
	return nil
}

func (c *Controller) getDeviceDescriptor(ep0 *Endpoint, dst []byte) error {
	setup := usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetDescriptor,
		usb.DescriptorTypeDevice<<8, 0, uint16(len(dst)))
	if err := c.Driver.GetDataRequest(ep0, setup, dst); err != nil {
		return fmt.Errorf("get device descriptor: %w", err)
	}
	return usb.ValidDeviceDescriptor(dst)
}

// ResetHubPort resets port of hub. Root ports are reset by the backend;
// downstream ports through the hub's class requests, waiting for the hub
// to clear the reset status.
func (c *Controller) ResetHubPort(hub Hub, port int) error {
	if hub.IsRoot() {
		if err := c.Driver.ResetRootHubPort(port); err != nil {
			return fmt.Errorf("reset root port %d: %w", port, err)
		}
	} else {
		setup := usb.NewSetupPacket(usb.RequestToHubPort|usb.RequestTypeClass, usb.RequestHubSetFeature,
			usb.HubPortReset, uint16(port), 0)
		if err := c.Driver.SetupRequest(hub.EP0, setup); err != nil {
			return fmt.Errorf("reset hub port %d: %w", port, err)
		}
		timer := int(PortResetTimeout / PortResetPoll)
		for {
			c.Clock.Delay(PortResetPoll)
			if timer--; timer == 0 {
				return fmt.Errorf("reset hub port %d: %w", port, pkg.ErrTimeout)
			}
			status, err := c.hubPortStatus(hub, port)
			if err != nil {
				return fmt.Errorf("reset hub port %d: %w", port, err)
			}
			if status&usb.HubPortStatusResetting == 0 {
				break
			}
		}
	}
	c.Clock.Delay(PortResetRecovery)
	return nil
}

func (c *Controller) hubPortStatus(hub Hub, port int) (uint32, error) {
	var buf [4]byte
	setup := usb.NewSetupPacket(usb.RequestFromHubPort|usb.RequestTypeClass, usb.RequestHubGetStatus,
		0, uint16(port), uint16(len(buf)))
	if err := c.Driver.GetDataRequest(hub.EP0, setup, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// fetchConfiguration reads configuration index into the data buffer,
// first fetching the configuration descriptor alone and then, if the
// descriptor set is longer, the whole set truncated to the buffer size.
// It returns the configuration value to select.
func (c *Controller) fetchConfiguration(ep0 *Endpoint, index int) (int, error) {
	data := c.Workspace.Data[:]
	length := usb.ConfigurationDescriptorSize
	for {
		setup := usb.NewSetupPacket(usb.RequestFromDevice, usb.RequestGetDescriptor,
			usb.DescriptorTypeConfiguration<<8|uint16(index), 0, uint16(length))
		if err := c.Driver.GetDataRequest(ep0, setup, data[:length]); err != nil {
			return 0, fmt.Errorf("get config descriptor: %w", err)
		}
		if err := usb.ValidConfigDescriptor(data); err != nil {
			return 0, err
		}
		var config usb.ConfigurationDescriptor
		usb.ParseConfigurationDescriptor(data, &config)
		total := min(int(config.TotalLength), DataBufferSize)
		if total <= length {
			c.Workspace.DataLength = length
			if config.ConfigurationValue == 0 {
				return 0, fmt.Errorf("configuration value 0: %w", pkg.ErrInvalidDescriptor)
			}
			return int(config.ConfigurationValue), nil
		}
		length = total
	}
}

func (c *Controller) configureDevice(ep0 *Endpoint, config int) error {
	setup := usb.NewSetupPacket(usb.RequestToDevice, usb.RequestSetConfiguration, uint16(config), 0, 0)
	if err := c.Driver.SetupRequest(ep0, setup); err != nil {
		return fmt.Errorf("set configuration %d: %w", config, err)
	}
	return nil
}

func (c *Controller) configureKeyboard(ep0 *Endpoint, iface int) error {
	// Report only on change.
	setup := usb.NewSetupPacket(usb.RequestToInterface|usb.RequestTypeClass, usb.RequestHIDSetIdle,
		0, uint16(iface), 0)
	if err := c.Driver.SetupRequest(ep0, setup); err != nil {
		return fmt.Errorf("set idle: %w", err)
	}
	setup = usb.NewSetupPacket(usb.RequestToInterface|usb.RequestTypeClass, usb.RequestHIDSetProtocol,
		usb.HIDProtocolBoot, uint16(iface), 0)
	if err := c.Driver.SetupRequest(ep0, setup); err != nil {
		return fmt.Errorf("set protocol: %w", err)
	}
	return nil
}

// FindAttachedKeyboards enumerates the device on port of hub, which has
// just been reset and runs at speed, giving it id. Keyboards found on the
// device, or on any hub tree below it, are configured and appended to
// scan. It reports whether any keyboard was found.
func (c *Controller) FindAttachedKeyboards(scan *Scan, hub Hub, port int, speed usb.Speed, id int) bool {
	var ep0 Endpoint
	if err := c.Driver.AssignAddress(hub, port, speed, id, &ep0); err != nil {
		pkg.LogDebug(pkg.ComponentEnum, "address assignment failed",
			"controller", c.Name, "port", port, "id", id, "error", err)
		return false
	}
	isHub := c.Workspace.Data[4] == usb.ClassHub

	config, err := c.fetchConfiguration(&ep0, 0)
	if err != nil {
		pkg.LogDebug(pkg.ComponentEnum, "configuration fetch failed",
			"controller", c.Name, "id", id, "error", err)
		return false
	}

	if isHub {
		return c.attachHub(scan, hub, port, &ep0, config)
	}
	return c.attachKeyboards(scan, port, &ep0, config)
}

func (c *Controller) attachHub(scan *Scan, parent Hub, port int, ep0 *Endpoint, config int) bool {
	var buf [usb.HubDescriptorSize]byte
	setup := usb.NewSetupPacket(usb.RequestFromDevice|usb.RequestTypeClass, usb.RequestHubGetDescriptor,
		usb.DescriptorTypeHub<<8, 0, uint16(len(buf)))
	if err := c.Driver.GetDataRequest(ep0, setup, buf[:]); err != nil {
		pkg.LogDebug(pkg.ComponentHub, "hub descriptor fetch failed", "id", ep0.DeviceID, "error", err)
		return false
	}
	var desc usb.HubDescriptor
	usb.ParseHubDescriptor(buf[:], &desc)

	hub := Hub{
		EP0:          ep0,
		Level:        parent.Level + 1,
		Route:        Route(parent, port),
		NumPorts:     int(desc.NumPorts),
		TTThinkTime:  int(desc.ThinkTime()),
		PowerUpDelay: int(desc.PowerOnToPowerGood),
		HSParent:     HSParent(parent, port, ep0.Speed),
	}

	ep1, ok := hubStatusEndpoint(c.Data(), ep0)
	if !ok {
		pkg.LogDebug(pkg.ComponentHub, "hub has no status endpoint", "id", ep0.DeviceID)
		return false
	}
	if err := c.configureDevice(ep0, config); err != nil {
		pkg.LogDebug(pkg.ComponentHub, "hub configuration failed", "id", ep0.DeviceID, "error", err)
		return false
	}
	if hc, ok := c.Driver.(HubEndpointConfigurer); ok {
		if err := hc.ConfigureHubEndpoint(&ep1, hub); err != nil {
			pkg.LogDebug(pkg.ComponentHub, "hub endpoint configuration failed", "id", ep0.DeviceID, "error", err)
			return false
		}
	}

	pkg.LogDebug(pkg.ComponentHub, "hub attached",
		"controller", c.Name, "id", ep0.DeviceID, "ports", hub.NumPorts,
		"level", hub.Level, "route", fmt.Sprintf("%#08x", hub.Route))
	c.Console.Printf(" %d port hub found on port %d", hub.NumPorts, port)
	c.Console.Indent(1)
	found := c.ScanHubPorts(scan, hub)
	c.Console.Indent(-1)
	return found
}

// hubStatusEndpoint locates the hub's status change endpoint (the first IN
// interrupt endpoint) in the configuration held in data.
func hubStatusEndpoint(data []byte, ep0 *Endpoint) (Endpoint, bool) {
	var ep1 Endpoint
	found := false
	if len(data) < usb.ConfigurationDescriptorSize {
		return ep1, false
	}
	usb.ForEachDescriptor(data[usb.ConfigurationDescriptorSize:], func(d []byte) bool {
		var desc usb.EndpointDescriptor
		if d[1] != usb.DescriptorTypeEndpoint || len(d) != usb.EndpointDescriptorSize {
			return true
		}
		usb.ParseEndpointDescriptor(d, &desc)
		if !desc.IsIn() || !desc.IsInterrupt() {
			return true
		}
		ep1 = Endpoint{
			DriverData:    ep0.DriverData,
			Speed:         ep0.Speed,
			DeviceID:      ep0.DeviceID,
			EndpointNum:   int(desc.Number()),
			MaxPacketSize: int(desc.MaxPacketSize),
			Interval:      int(desc.Interval),
		}
		found = true
		return false
	})
	return ep1, found
}

// keyboardEndpoints returns the boot keyboard interrupt endpoints declared
// in the configuration held in data, at most max of them. Each keyboard is
// a (HID, boot, keyboard) interface followed by an IN interrupt endpoint;
// any other interface in between cancels the pending keyboard.
func keyboardEndpoints(data []byte, max int) []Endpoint {
	var (
		kbds    []Endpoint
		pending *Endpoint
	)
	if len(data) < usb.ConfigurationDescriptorSize || max <= 0 {
		return nil
	}
	usb.ForEachDescriptor(data[usb.ConfigurationDescriptorSize:], func(d []byte) bool {
		switch {
		case d[1] == usb.DescriptorTypeInterface && len(d) == usb.InterfaceDescriptorSize:
			var desc usb.InterfaceDescriptor
			usb.ParseInterfaceDescriptor(d, &desc)
			pending = nil
			if desc.IsBootKeyboard() {
				pending = &Endpoint{InterfaceNum: int(desc.InterfaceNumber)}
			}
		case d[1] == usb.DescriptorTypeEndpoint && len(d) == usb.EndpointDescriptorSize:
			var desc usb.EndpointDescriptor
			usb.ParseEndpointDescriptor(d, &desc)
			if pending == nil || !desc.IsIn() || !desc.IsInterrupt() {
				return true
			}
			pending.EndpointNum = int(desc.Number())
			pending.MaxPacketSize = int(desc.MaxPacketSize)
			pending.Interval = int(desc.Interval)
			kbds = append(kbds, *pending)
			pending = nil
		}
		return len(kbds) < max
	})
	return kbds
}

func (c *Controller) attachKeyboards(scan *Scan, port int, ep0 *Endpoint, config int) bool {
	kbds := keyboardEndpoints(c.Data(), scan.max-len(scan.Keyboards))
	if len(kbds) == 0 {
		pkg.LogDebug(pkg.ComponentEnum, "no keyboard interface", "controller", c.Name, "id", ep0.DeviceID)
		return false
	}
	if err := c.configureDevice(ep0, config); err != nil {
		pkg.LogDebug(pkg.ComponentEnum, "device configuration failed", "id", ep0.DeviceID, "error", err)
		return false
	}

	kc, hasKC := c.Driver.(KeyboardEndpointConfigurer)
	found := false
	for _, kbd := range kbds {
		kbd.DriverData = ep0.DriverData
		kbd.Speed = ep0.Speed
		kbd.DeviceID = ep0.DeviceID
		if hasKC {
			if err := kc.ConfigureKeyboardEndpoint(&kbd, len(scan.Keyboards)); err != nil {
				pkg.LogDebug(pkg.ComponentKbd, "keyboard endpoint configuration failed",
					"id", kbd.DeviceID, "interface", kbd.InterfaceNum, "error", err)
				break
			}
		}
		if err := c.configureKeyboard(ep0, kbd.InterfaceNum); err != nil {
			pkg.LogDebug(pkg.ComponentKbd, "keyboard configuration failed",
				"id", kbd.DeviceID, "interface", kbd.InterfaceNum, "error", err)
			break
		}

		pkg.LogDebug(pkg.ComponentKbd, "keyboard attached",
			"controller", c.Name, "id", kbd.DeviceID, "interface", kbd.InterfaceNum,
			"endpoint", kbd.EndpointNum, "maxp", kbd.MaxPacketSize, "interval", kbd.Interval)
		c.Console.Printf(" Keyboard found on port %d interface %d endpoint %d",
			port, kbd.InterfaceNum, kbd.EndpointNum)
		scan.Keyboards = append(scan.Keyboards, kbd)
		found = true
	}
	return found
}

// ScanHubPorts powers every port of hub, then resets and enumerates each
// connected port in turn. Ports without keyboards behind them are disabled
// again and their slots released. Hubs deeper than MaxHubDepth are left
// unscanned. It reports whether any keyboard was found.
func (c *Controller) ScanHubPorts(scan *Scan, hub Hub) bool {
	if hub.Level > MaxHubDepth {
		pkg.LogWarn(pkg.ComponentHub, "hub beyond tier limit, ports not scanned",
			"controller", c.Name, "level", hub.Level, "max", MaxHubDepth,
			"route", fmt.Sprintf("%#08x", hub.Route))
		return false
	}
	for port := 1; port <= hub.NumPorts; port++ {
		setup := usb.NewSetupPacket(usb.RequestToHubPort|usb.RequestTypeClass, usb.RequestHubSetFeature,
			usb.HubPortPower, uint16(port), 0)
		if err := c.Driver.SetupRequest(hub.EP0, setup); err != nil {
			pkg.LogDebug(pkg.ComponentHub, "port power failed", "port", port, "error", err)
			return false
		}
	}
	c.Clock.Delay(time.Duration(hub.PowerUpDelay) * HubPowerUnit)
	c.Clock.Delay(HubPowerSettle)

	found := false
	for port := 1; port <= hub.NumPorts; port++ {
		if scan.Full() {
			break
		}

		status, err := c.hubPortStatus(hub, port)
		if err != nil || status&usb.HubPortStatusPowered == 0 || status&usb.HubPortStatusConnected == 0 {
			continue
		}
		if err := c.ResetHubPort(hub, port); err != nil {
			pkg.LogDebug(pkg.ComponentHub, "port reset failed", "port", port, "error", err)
			continue
		}
		status, err = c.hubPortStatus(hub, port)
		if err != nil || status&usb.HubPortStatusConnected == 0 || status&usb.HubPortStatusEnabled == 0 {
			continue
		}

		speed := usb.SpeedFull
		switch {
		case status&usb.HubPortStatusLowSpeed != 0:
			speed = usb.SpeedLow
		case status&usb.HubPortStatusHighSpeed != 0:
			speed = usb.SpeedHigh
		}
		pkg.LogDebug(pkg.ComponentHub, "device connected",
			"hub", hub.EP0.DeviceID, "port", port, "status", fmt.Sprintf("%#08x", status), "speed", speed)

		scan.NumDevices++
		id := scan.NumDevices
		slots, hasSlots := c.Driver.(SlotAllocator)
		if hasSlots {
			if id, err = slots.AllocateSlot(); err != nil {
				pkg.LogDebug(pkg.ComponentHub, "slot allocation failed", "port", port, "error", err)
				break
			}
		}

		if c.FindAttachedKeyboards(scan, hub, port, speed, id) {
			found = true
			continue
		}

		setup := usb.NewSetupPacket(usb.RequestToHubPort|usb.RequestTypeClass, usb.RequestHubClearFeature,
			usb.HubPortEnable, uint16(port), 0)
		_ = c.Driver.SetupRequest(hub.EP0, setup)
		if hasSlots {
			_ = slots.ReleaseSlot(id)
		}
	}
	return found
}
