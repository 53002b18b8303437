package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/keyboard"
	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/pkg/usbid"
	"github.com/ardnew/softhcd/usb"
)

var (
	pauseFlag = &cli.BoolFlag{
		Name:  "pause",
		Usage: "count down when no keyboard is found",
	}
	usbIDsFlag = &cli.StringFlag{
		Name:  "usbids",
		Usage: "usb.ids file naming vendors and products (default: system copy)",
	}
)

var scanCommand = &cli.Command{
	Name:   "scan",
	Usage:  "Scan a simulated machine for USB keyboards",
	Flags:  append([]cli.Flag{pauseFlag, usbIDsFlag}, machineFlags...),
	Action: scan,
}

func scan(ctx *cli.Context) error {
	s, err := startSession(ctx, ctx.Bool(pauseFlag.Name))
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	if s.kbd == nil {
		fmt.Fprintln(w, warnColor("USB keyboards disabled (keyboard=%s)", s.config.Types))
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headColor("Controllers"))
	printControllers(w, s.kbd.Controllers())
	fmt.Fprintln(w, headColor("Keyboards"))
	printEndpoints(w, s.kbd.Controllers())
	fmt.Fprintln(w, headColor("Devices"))
	printDevices(w, s.machine, loadIDs(ctx))
	return nil
}

func loadIDs(ctx *cli.Context) *usbid.Database {
	db := usbid.New()
	if path := ctx.String(usbIDsFlag.Name); path != "" {
		db = usbid.NewWithPaths([]string{path})
	}
	if !db.Load() {
		pkg.LogDebug(pkg.ComponentCLI, "no usb.ids database", "path", ctx.String(usbIDsFlag.Name))
	}
	return db
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	return table
}

func printControllers(w io.Writer, cs []keyboard.Controller) {
	table := newTable(w, "PCI", "Type", "ID", "Base", "Space", "Keyboards")
	for _, c := range cs {
		table.Append([]string{
			c.PCI.Address.String(),
			c.PCI.Type.String(),
			fmt.Sprintf("%04x:%04x", c.PCI.VendorID, c.PCI.DeviceID),
			fmt.Sprintf("%08x", c.PCI.Base),
			c.PCI.Space(),
			strconv.Itoa(len(c.Keyboards)),
		})
	}
	table.Render()
}

func printEndpoints(w io.Writer, cs []keyboard.Controller) {
	table := newTable(w, "Controller", "Device", "Speed", "Interface", "Endpoint", "Max Packet", "Interval")
	for _, c := range cs {
		for _, ep := range c.Keyboards {
			table.Append([]string{
				c.PCI.Type.String(),
				strconv.Itoa(ep.DeviceID),
				ep.Speed.String(),
				strconv.Itoa(ep.InterfaceNum),
				strconv.Itoa(ep.EndpointNum),
				strconv.Itoa(ep.MaxPacketSize),
				strconv.Itoa(ep.Interval),
			})
		}
	}
	table.Render()
}

// printDevices lists every simulated device by port path, with the state
// the scan left it in.
func printDevices(w io.Writer, m *sim.Machine, ids *usbid.Database) {
	table := newTable(w, "Port", "Name", "Speed", "Address", "State", "ID", "Vendor", "Product", "Class")
	var walk func(path string, ports []*usbdev.Port)
	walk = func(path string, ports []*usbdev.Port) {
		for i, p := range ports {
			dev := p.Device
			if dev == nil {
				continue
			}
			at := fmt.Sprintf("%s.%d", path, i+1)
			vid, pid := dev.Descriptor.VendorID, dev.Descriptor.ProductID
			table.Append([]string{
				at,
				dev.Name,
				dev.Speed().String(),
				strconv.Itoa(dev.Address()),
				dev.State().String(),
				fmt.Sprintf("%04x:%04x", vid, pid),
				ids.LookupVendor(vid),
				ids.LookupProduct(vid, pid),
				deviceClass(dev, ids),
			})
			if hub := dev.Hub(); hub != nil {
				walk(at, hub.Ports)
			}
		}
	}
	for i, c := range m.Controllers() {
		walk(fmt.Sprintf("%d", i), c.Ports())
	}
	table.Render()
}

func deviceClass(dev *usbdev.Device, ids *usbid.Database) string {
	if dev.Hub() != nil {
		return ids.LookupClass(usb.ClassHub, 0, 0)
	}
	return ids.LookupClass(usb.ClassHID, usb.SubclassBoot, usb.ProtocolKeyboard)
}
