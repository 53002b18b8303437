// Command hcdsim runs the USB keyboard host controller drivers against a
// simulated PC described by a YAML topology.
//
//	hcdsim scan --topology desk.yaml --usbids /usr/share/hwdata/usb.ids
//	hcdsim type --text "hello" --cmdline "usbinit=1"
//	hcdsim dump --topology desk.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/ardnew/softhcd/pkg"
	"github.com/ardnew/softhcd/pkg/prof"
)

var (
	logLevelFlag = &cli.StringFlag{
		Name:  "log",
		Value: "warn",
		Usage: "minimum log level (debug|info|warn|error)",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "write logs as JSON",
	}
	noColorFlag = &cli.BoolFlag{
		Name:  "nocolor",
		Usage: "disable coloured output",
	}
	cpuProfileFlag = &cli.StringFlag{
		Name:  "cpuprofile",
		Usage: "write a CPU profile to this file (needs the profile build tag)",
	}
	memProfileFlag = &cli.StringFlag{
		Name:  "memprofile",
		Usage: "write a heap profile to this file on exit (needs the profile build tag)",
	}
)

var (
	headColor  = color.New(color.FgCyan, color.Bold).SprintfFunc()
	warnColor  = color.New(color.FgYellow).SprintfFunc()
	errorColor = color.New(color.FgHiRed).SprintfFunc()
)

func newApp() *cli.App {
	return &cli.App{
		Name:        "hcdsim",
		Usage:       "USB keyboard host controller simulator",
		HideVersion: true,
		Flags:       []cli.Flag{logLevelFlag, logJSONFlag, noColorFlag, cpuProfileFlag, memProfileFlag},
		Before:      setup,
		After:       teardown,
		Commands: []*cli.Command{
			scanCommand,
			typeCommand,
			dumpCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorColor("%v", err))
		os.Exit(1)
	}
}

// setup configures logging and colour before any command runs.
func setup(ctx *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ctx.String(logLevelFlag.Name))); err != nil {
		return fmt.Errorf("--%s: %w", logLevelFlag.Name, err)
	}
	pkg.SetLogLevel(level)
	if ctx.Bool(logJSONFlag.Name) {
		pkg.SetLogger(pkg.NewJSONLogger(ctx.App.ErrWriter, nil))
	} else {
		pkg.SetLogger(pkg.NewLogger(ctx.App.ErrWriter, nil))
	}
	if ctx.Bool(noColorFlag.Name) {
		color.NoColor = true
	}
	pkg.LogDebug(pkg.ComponentCLI, "starting", "command", ctx.Args().First(), "level", level.String())

	cpu, mem := ctx.String(cpuProfileFlag.Name), ctx.String(memProfileFlag.Name)
	if (cpu != "" || mem != "") && !prof.Enabled {
		pkg.LogWarn(pkg.ComponentCLI, "profiling not compiled in, rebuild with -tags profile")
	}
	if cpu != "" {
		return prof.StartCPU(cpu)
	}
	return nil
}

// teardown finishes the profiles requested on the command line.
func teardown(ctx *cli.Context) error {
	if err := prof.StopCPU(); err != nil {
		return err
	}
	if mem := ctx.String(memProfileFlag.Name); mem != "" {
		return prof.Write(prof.ProfileHeap, mem)
	}
	return nil
}
