package host

import (
	"fmt"
	"io"
	"strings"

	"github.com/ardnew/softhcd/host/hal"
)

// Workspace is the memory shared by the enumeration engine and a backend.
// Backends extend it with hardware-visible memory of their own.
type Workspace struct {
	Data       [DataBufferSize]byte
	DataLength int
	Keycodes   KeycodeBuffer
}

// Controller binds a backend to the enumeration engine and the keycode
// sink.
type Controller struct {
	Name      string
	Driver    Driver
	Workspace *Workspace
	Clock     hal.Clock
	Options   Options
	Console   *Console
}

// NewController returns a controller for drv with a fresh workspace.
func NewController(name string, drv Driver, clock hal.Clock, opts Options, console *Console) *Controller {
	return &Controller{
		Name:      name,
		Driver:    drv,
		Workspace: &Workspace{},
		Clock:     clock,
		Options:   opts,
		Console:   console,
	}
}

// Data returns the valid part of the workspace data buffer.
func (c *Controller) Data() []byte {
	return c.Workspace.Data[:c.Workspace.DataLength]
}

// GetKeycode polls the keyboards of c and returns the oldest buffered key
// code.
func (c *Controller) GetKeycode() (uint8, bool) {
	c.Driver.PollKeyboards()
	return c.Workspace.Keycodes.Get()
}

// Console is the diagnostic text sink. Lines are indented by the current
// hub depth. A nil Console discards everything.
type Console struct {
	w      io.Writer
	indent int
}

// NewConsole returns a console writing to w.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: w}
}

// Printf writes one indented line.
func (c *Console) Printf(format string, args ...any) {
	if c == nil {
		return
	}
	fmt.Fprintf(c.w, "%s%s\n", strings.Repeat(" ", c.indent), fmt.Sprintf(format, args...))
}

// Rewrite overwrites the current line without advancing to the next one.
func (c *Console) Rewrite(format string, args ...any) {
	if c == nil {
		return
	}
	fmt.Fprintf(c.w, "\r%s%s", strings.Repeat(" ", c.indent), fmt.Sprintf(format, args...))
}

// Indent adjusts the indentation by delta columns.
func (c *Console) Indent(delta int) {
	if c == nil {
		return
	}
	c.indent += delta
	if c.indent < 0 {
		c.indent = 0
	}
}

// Writer returns the underlying writer.
func (c *Console) Writer() io.Writer {
	if c == nil {
		return io.Discard
	}
	return c.w
}
