// Package pkg provides shared utilities for the softhcd USB host-controller
// subsystem.
//
// This package contains common functionality used by the controller
// backends, the enumeration engine and the simulator, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for hardware, protocol and resource failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentXHCI, "slot enabled", "slot", 1)
//
// Individual components can be made verbose without lowering the global
// level, which is how the hub and keyboard debug options are honoured:
//
//	pkg.SetVerbose(pkg.ComponentHub, true)
//
// # Errors
//
// Failures are reported as sentinel values:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // abandon this port
//	}
package pkg
