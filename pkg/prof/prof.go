//go:build profile

package prof

import (
	"errors"
	"io"
	"os"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or ProfileCPU passed
	// to Write.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a pprof profile.
type Profile string

// Profiles.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
)

func (p Profile) String() string {
	return string(p)
}

var (
	cpuMutex sync.Mutex
	cpuFile  *os.File // nil when CPU profiling is off
)

// StartCPU starts CPU profiling into the file at path.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile = f
	return nil
}

// StopCPU stops CPU profiling and closes the profile. It does nothing if
// profiling is not active.
func StopCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// IsCPUActive reports whether CPU profiling is running.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuFile != nil
}

// Write writes a snapshot of profile to the file at path.
func Write(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if profile == ProfileCPU || p == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot of profile to w. A debug level of 0 writes
// the binary format read by go tool pprof; 1 writes text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if profile == ProfileCPU || p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, debug)
}
