//go:build !profile

package prof

import "io"

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Profiling errors, never returned without the profile tag.
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
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

// StartCPU is a no-op without the profile tag.
func StartCPU(string) error { return nil }

// StopCPU is a no-op without the profile tag.
func StopCPU() error { return nil }

// IsCPUActive always returns false without the profile tag.
func IsCPUActive() bool { return false }

// Write is a no-op without the profile tag.
func Write(Profile, string) error { return nil }

// WriteTo is a no-op without the profile tag.
func WriteTo(Profile, io.Writer, int) error { return nil }
