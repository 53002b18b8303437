package uhci

import (
	"testing"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/usb"
)

func TestBuildTD(t *testing.T) {
	tests := []struct {
		name        string
		ep          host.Endpoint
		pid         uint32
		toggle      uint32
		options     uint32
		length      int
		wantLink    uint32
		wantControl uint32
		wantToken   uint32
	}{
		{
			name:        "low speed setup",
			ep:          host.Endpoint{Speed: usb.SpeedLow, DeviceID: 3},
			pid:         pidSetup,
			length:      8,
			wantLink:    0x1020 | linkDepthFirst,
			wantControl: tdActive | 3<<27 | tdLowSpeed,
			wantToken:   pidSetup | 3<<8 | 7<<21,
		},
		{
			name:        "full speed status",
			ep:          host.Endpoint{Speed: usb.SpeedFull, DeviceID: 9},
			pid:         pidIn,
			toggle:      1,
			options:     tdIOC,
			length:      0,
			wantLink:    linkTerminate,
			wantControl: tdActive | tdIOC | 3<<27,
			wantToken:   pidIn | 9<<8 | 1<<19 | 0x7ff<<21,
		},
		{
			name:        "interrupt endpoint",
			ep:          host.Endpoint{Speed: usb.SpeedFull, DeviceID: 127, EndpointNum: 2},
			pid:         pidIn,
			options:     tdShortPkt,
			length:      64,
			wantLink:    0x1020 | linkDepthFirst,
			wantControl: tdActive | tdShortPkt | 3<<27,
			wantToken:   pidIn | 127<<8 | 2<<15 | 63<<21,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ram := sim.NewRAM()
			d := &Driver{mem: ram}
			d.buildTD(0x1000, &tt.ep, tt.pid, tt.toggle, tt.options, 0x2000, tt.length)

			if got := ram.Read32(0x1000); got != tt.wantLink {
				t.Errorf("link = %#08x, want %#08x", got, tt.wantLink)
			}
			if got := ram.Read32(0x1004); got != tt.wantControl {
				t.Errorf("control = %#08x, want %#08x", got, tt.wantControl)
			}
			if got := ram.Read32(0x1008); got != tt.wantToken {
				t.Errorf("token = %#08x, want %#08x", got, tt.wantToken)
			}
			if got := ram.Read32(0x100c); got != 0x2000 {
				t.Errorf("buffer = %#08x, want 0x2000", got)
			}
		})
	}
}

func TestWorkspaceLayout(t *testing.T) {
	if qhOffset+(1+host.MaxKeyboards)*qhSize > tdOffset {
		t.Error("queue heads overlap the control TDs")
	}
	if tdOffset+(2+maxPackets)*tdSize > kbdTDOffset {
		t.Error("control TDs overlap the keyboard TDs")
	}
	if kbdTDOffset+host.MaxKeyboards*tdSize > setupOffset {
		t.Error("keyboard TDs overlap the setup buffer")
	}
	if reportOffset+host.MaxKeyboards*8 > dataOffset {
		t.Error("report buffers overlap the data buffer")
	}
}
