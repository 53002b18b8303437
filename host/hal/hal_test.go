package hal

import (
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softhcd/pkg"
)

// mapBus is a byte-addressed little-endian bus backed by a map.
type mapBus struct {
	mem    map[uintptr]uint8
	writes []uintptr // addresses of 32-bit writes, in order
	reads  []uintptr // addresses of 32-bit reads, in order
}

var _ Bus = (*mapBus)(nil)

func newMapBus() *mapBus { return &mapBus{mem: map[uintptr]uint8{}} }

func (b *mapBus) Read8(addr uintptr) uint8 { return b.mem[addr] }
func (b *mapBus) Read16(addr uintptr) uint16 {
	return uint16(b.mem[addr]) | uint16(b.mem[addr+1])<<8
}
func (b *mapBus) Read32(addr uintptr) uint32 {
	b.reads = append(b.reads, addr)
	return uint32(b.Read16(addr)) | uint32(b.Read16(addr+2))<<16
}
func (b *mapBus) Write8(addr uintptr, v uint8) { b.mem[addr] = v }
func (b *mapBus) Write16(addr uintptr, v uint16) {
	b.mem[addr] = uint8(v)
	b.mem[addr+1] = uint8(v >> 8)
}
func (b *mapBus) Write32(addr uintptr, v uint32) {
	b.writes = append(b.writes, addr)
	b.Write16(addr, uint16(v))
	b.Write16(addr+2, uint16(v>>16))
}

// countClock records the total delay requested.
type countClock struct {
	elapsed time.Duration
	calls   int
	onDelay func()
}

var _ Clock = (*countClock)(nil)

func (c *countClock) Delay(d time.Duration) {
	c.elapsed += d
	c.calls++
	if c.onDelay != nil {
		c.onDelay()
	}
}

func TestRead64Write64_LowWordFirst(t *testing.T) {
	b := newMapBus()
	Write64(b, 0x1000, 0x1122334455667788)

	if len(b.writes) != 2 || b.writes[0] != 0x1000 || b.writes[1] != 0x1004 {
		t.Fatalf("write order = %#x, want [0x1000 0x1004]", b.writes)
	}
	if got := b.Read32(0x1000); got != 0x55667788 {
		t.Errorf("low word = %#x", got)
	}

	b.reads = nil
	if got := Read64(b, 0x1000); got != 0x1122334455667788 {
		t.Errorf("Read64() = %#x", got)
	}
	if len(b.reads) != 2 || b.reads[0] != 0x1000 {
		t.Errorf("read order = %#x", b.reads)
	}
}

func TestFlush32(t *testing.T) {
	b := newMapBus()
	Flush32(b, 0x20, 7)
	if len(b.reads) != 1 || b.reads[0] != 0x20 {
		t.Errorf("Flush32 should read back, reads = %#x", b.reads)
	}
}

func TestBlockHelpers(t *testing.T) {
	b := newMapBus()
	src := []byte{1, 2, 3, 4, 5, 6, 7}
	WriteBlock(b, 0x100, src)

	dst := make([]byte, len(src))
	ReadBlock(b, 0x100, dst)
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("dst = %v, want %v", dst, src)
		}
	}

	Zero(b, 0x101, 5)
	ReadBlock(b, 0x100, dst)
	want := []byte{1, 0, 0, 0, 0, 0, 7}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("after Zero dst = %v, want %v", dst, want)
		}
	}
}

func TestNewRegion(t *testing.T) {
	b := newMapBus()
	if _, err := NewRegion(b, 0, 0x100); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("zero base err = %v", err)
	}
	if _, err := NewRegion(nil, 0x1000, 0x100); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("nil bus err = %v", err)
	}

	r, err := NewRegion(b, 0x1000, 0x100)
	if err != nil {
		t.Fatalf("NewRegion() error: %v", err)
	}
	sub := r.Sub(0x20)
	if sub.Base != 0x1020 || sub.Size != 0xe0 {
		t.Errorf("Sub() = %+v", sub)
	}
	if got := r.Sub(0x200).Size; got != 0 {
		t.Errorf("Sub past end size = %#x", got)
	}
}

func TestReg32(t *testing.T) {
	b := newMapBus()
	r, _ := NewRegion(b, 0x1000, 0x100)
	reg := r.Reg32(0x4)
	if reg.Addr() != 0x1004 {
		t.Fatalf("Addr() = %#x", reg.Addr())
	}

	reg.Write(0x0000_00f0)
	reg.Set(0x1)
	reg.Clear(0x10)
	if got := reg.Read(); got != 0xe1 {
		t.Errorf("Read() = %#x, want 0xe1", got)
	}

	reg.SetN(8, 0xff, 0x5a)
	if got := reg.Get(8, 0xff); got != 0x5a {
		t.Errorf("Get(8) = %#x, want 0x5a", got)
	}
	if !reg.IsSet(0) || reg.IsSet(4) {
		t.Error("IsSet mismatch")
	}

	r.Reg16(0x10).Write(0x1234)
	r.Reg16(0x10).Set(0x8000)
	if got := r.Reg16(0x10).Read(); got != 0x9234 {
		t.Errorf("Reg16 = %#x", got)
	}
	r.Reg8(0x13).Write(0x77)
	if got := r.Reg8(0x13).Read(); got != 0x77 {
		t.Errorf("Reg8 = %#x", got)
	}
}

func TestPollUntil(t *testing.T) {
	tests := []struct {
		name      string
		readyAt   int // condition becomes true after this many delays; -1 never
		maxTime   time.Duration
		interval  time.Duration
		want      bool
		wantCalls int
	}{
		{"immediate", 0, time.Millisecond, time.Millisecond, true, 0},
		{"after three", 3, 10 * time.Millisecond, time.Millisecond, true, 3},
		{"timeout", -1, 5 * time.Millisecond, time.Millisecond, false, 5},
		{"zero max time", -1, 0, time.Millisecond, false, 0},
		{"ready on last sample", 5, 5 * time.Millisecond, time.Millisecond, true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &countClock{}
			got := PollUntil(clock, tt.maxTime, tt.interval, func() bool {
				return tt.readyAt >= 0 && clock.calls >= tt.readyAt
			})
			if got != tt.want {
				t.Errorf("PollUntil() = %v, want %v", got, tt.want)
			}
			if clock.calls != tt.wantCalls {
				t.Errorf("delays = %d, want %d", clock.calls, tt.wantCalls)
			}
		})
	}
}

func TestWaitUntil(t *testing.T) {
	b := newMapBus()
	reg := NewReg32(b, 0x40)
	clock := &countClock{}

	reg.Write(0x3)
	if !WaitUntilSet(clock, reg, 0x3, time.Millisecond) {
		t.Error("WaitUntilSet should succeed immediately")
	}
	if WaitUntilClr(clock, reg, 0x1, 80*time.Microsecond) {
		t.Error("WaitUntilClr should time out")
	}
	if clock.calls != 10 || clock.elapsed != 80*time.Microsecond {
		t.Errorf("calls = %d elapsed = %v, want 10 and 80µs", clock.calls, clock.elapsed)
	}

	clock = &countClock{onDelay: func() { reg.Clear(0x1) }}
	if !WaitUntilClr(clock, reg, 0x1, time.Millisecond) {
		t.Error("WaitUntilClr should succeed once cleared")
	}
	if clock.calls != 1 {
		t.Errorf("calls = %d, want 1", clock.calls)
	}
}
