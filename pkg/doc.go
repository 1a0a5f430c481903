// Package pkg provides shared utilities for the usbmux client stack.
//
// This package contains common functionality used across the transport,
// mux, pairing, lockdown, afc, plistconn, and notify packages, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - The component-wide error taxonomy ([Kind] / [Error])
//   - Component identifiers for log filtering
//   - A process-wide, init/teardown-free debug level
//
// The package has zero external dependencies, relying only on the Go
// standard library.
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMux, "virtual connection opened", "dst_port", 0xf27e)
//
// # Errors
//
//	if pkg.Is(err, pkg.KindNoDevice) {
//	    // the underlying channel is gone; every handle on it is invalid
//	}
package pkg
