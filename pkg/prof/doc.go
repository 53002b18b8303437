// Package prof writes pprof profiles of the simulator.
//
// Profiling is compiled in with the "profile" build tag:
//
//	go build -tags profile ./cmd/hcdsim
//	hcdsim --cpuprofile cpu.prof --memprofile heap.prof scan -t desk.yaml
//
// Without the tag every function is a no-op and Enabled is false, so
// callers can leave profiling hooks in place.
//
// CPU profiling runs between StartCPU and StopCPU. Other profiles are
// snapshots taken with Write:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//	...
//	prof.Write(prof.ProfileHeap, "heap.prof")
package prof
