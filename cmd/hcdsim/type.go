package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/softhcd/host/hal/sim/usbdev"
	"github.com/ardnew/softhcd/pkg"
)

var (
	textFlag = &cli.StringFlag{
		Name:     "text",
		Usage:    "text to type",
		Required: true,
	}
	keyboardFlag = &cli.StringFlag{
		Name:  "keyboard",
		Usage: "name of the simulated keyboard to type on (default: the first)",
	}
)

var typeCommand = &cli.Command{
	Name:   "type",
	Usage:  "Type on a simulated keyboard and print what the host reads",
	Flags:  append([]cli.Flag{textFlag, keyboardFlag}, machineFlags...),
	Action: typeText,
}

// Reading stops once the keyboard has sent every report and nothing
// arrived for typeIdle, or after typeLimit of simulated time.
const (
	typeIdle  = 100 * time.Millisecond
	typeLimit = time.Minute
)

var errUSBDisabled = errors.New("USB keyboards disabled")

func typeText(ctx *cli.Context) error {
	s, err := startSession(ctx, false)
	if err != nil {
		return err
	}
	if s.kbd == nil {
		return fmt.Errorf("%w (keyboard=%s)", errUSBDisabled, s.config.Types)
	}
	if s.kbd.NumKeyboards() == 0 {
		return pkg.ErrNoKeyboard
	}

	kbd, err := s.pick(ctx.String(keyboardFlag.Name))
	if err != nil {
		return err
	}
	text := ctx.String(textFlag.Name)
	queued := kbd.Type(text)
	got := s.read(kbd)

	w := ctx.App.Writer
	fmt.Fprintf(w, "%s %q on %s\n", headColor("Typed"), text, kbd.Name)
	fmt.Fprintf(w, "%s  %q\n", headColor("Read"), got)
	if len(got) != queued {
		fmt.Fprintln(w, warnColor("%d of %d keys read", len(got), queued))
	}
	return nil
}

func (s *session) pick(name string) (*usbdev.Keyboard, error) {
	if name == "" {
		if len(s.machine.Keyboards) == 0 {
			return nil, pkg.ErrNoKeyboard
		}
		return s.machine.Keyboards[0], nil
	}
	kbd := s.machine.Keyboard(name)
	if kbd == nil {
		return nil, fmt.Errorf("unknown keyboard %q: %w", name, pkg.ErrInvalidParameter)
	}
	return kbd, nil
}

// read polls the keyboard subsystem once per simulated millisecond and
// returns the characters it decodes.
func (s *session) read(kbd *usbdev.Keyboard) string {
	clock := s.machine.Clock
	start := clock.Now()
	last := start

	var got []byte
	for clock.Now()-start < typeLimit {
		clock.Delay(time.Millisecond)
		if ch := s.kbd.GetKey(); ch != 0 {
			got = append(got, ch)
			last = clock.Now()
			continue
		}
		if kbd.Pending() == 0 && clock.Now()-last >= typeIdle {
			break
		}
	}
	pkg.LogDebug(pkg.ComponentCLI, "typing done", "keyboard", kbd.Name, "read", len(got),
		"elapsed", clock.Now()-start)
	return string(got)
}
