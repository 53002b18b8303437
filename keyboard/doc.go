// Package keyboard finds USB keyboards behind the PCI host controllers of
// a machine and reads key codes from them.
//
// FindKeyboards scans the PCI bus, resets every USB host controller it
// can drive and probes each one with its backend. Controllers that find
// at least one keyboard stay running and are polled in turn by
// GetKeycode. ParseCommandLine reads the boot options that select the
// keyboard interfaces and the initialisation workarounds.
//
//	cfg, _ := keyboard.ParseCommandLine("keyboard=usb usbinit=3")
//	kbd := keyboard.New(platform, cfg.Options, host.NewConsole(os.Stdout))
//	kbd.FindKeyboards(true)
//	for {
//	    if ch := kbd.GetKey(); ch != 0 {
//	        fmt.Printf("%c", ch)
//	    }
//	}
package keyboard
