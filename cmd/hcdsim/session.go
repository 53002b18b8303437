package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/keyboard"
	"github.com/ardnew/softhcd/pkg"
)

// Flags describing the simulated machine and its boot options.
var (
	topologyFlag = &cli.StringFlag{
		Name:    "topology",
		Aliases: []string{"t"},
		Usage:   "YAML topology file (default: one UHCI controller with a keyboard)",
	}
	cmdlineFlag = &cli.StringFlag{
		Name:  "cmdline",
		Usage: "boot command line holding keyboard= noehci usbdebug usbinit= options",
	}
	noEHCIFlag = &cli.BoolFlag{
		Name:  "noehci",
		Usage: "leave EHCI controllers to their companions",
	}
	usbInitFlag = &cli.IntFlag{
		Name:  "usbinit",
		Usage: "1: two-step device init, 2: extra port reset, 3: both",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "verbose enumeration and wait for a key after the scan",
	}

	machineFlags = []cli.Flag{topologyFlag, cmdlineFlag, noEHCIFlag, usbInitFlag, debugFlag}
)

// session is a simulated machine after the keyboard scan.
type session struct {
	topology *sim.Topology
	machine  *sim.Machine
	config   keyboard.Config
	kbd      *keyboard.Subsystem // nil when USB keyboards are disabled
}

func loadTopology(ctx *cli.Context) (*sim.Topology, error) {
	path := ctx.String(topologyFlag.Name)
	if path == "" {
		return sim.ParseTopology(sim.DefaultTopology)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	topo, err := sim.LoadTopology(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

// bootConfig parses the boot command line with the option flags appended
// to it.
func bootConfig(ctx *cli.Context) (keyboard.Config, error) {
	opts := []string{ctx.String(cmdlineFlag.Name)}
	if ctx.Bool(noEHCIFlag.Name) {
		opts = append(opts, "noehci")
	}
	if ctx.IsSet(usbInitFlag.Name) {
		opts = append(opts, fmt.Sprintf("usbinit=%d", ctx.Int(usbInitFlag.Name)))
	}
	if ctx.Bool(debugFlag.Name) {
		opts = append(opts, "usbdebug")
	}
	return keyboard.ParseCommandLine(strings.Join(opts, " "))
}

// startSession builds the machine and scans it for keyboards, writing the
// scan messages to the app's writer.
func startSession(ctx *cli.Context, pauseIfNone bool) (*session, error) {
	cfg, err := bootConfig(ctx)
	if err != nil {
		return nil, err
	}
	topo, err := loadTopology(ctx)
	if err != nil {
		return nil, err
	}
	m, err := topo.Build()
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentCLI, "machine built",
		"controllers", len(m.Controllers()), "keyboards", len(m.Keyboards),
		"types", cfg.Types.String(), "options", cfg.Options.String())

	s := &session{topology: topo, machine: m, config: cfg}
	if !cfg.USB() {
		return s, nil
	}
	s.kbd = keyboard.New(m.Platform(), cfg.Options, host.NewConsole(ctx.App.Writer))
	s.kbd.FindKeyboards(pauseIfNone)
	return s, nil
}
