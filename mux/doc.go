// Package mux implements the usbmux multiplexer: the per-device core that
// demultiplexes a single bulk-USB byte stream (a
// [github.com/gousbmux/gousbmux/transport.Channel]) into many in-flight
// virtual connections, with sequence numbers, acknowledgements, a
// window-based flow control scheme, timeouts, and orderly close.
//
// A [Mux] owns one dispatcher goroutine per device and a connection table
// of [Conn] handles. Callers above this package (pairing, lockdown, afc,
// plistconn) never see frames directly; they open a [Conn] with
// [Mux.Connect] and use its Send/RecvTimeout/Peek/Close methods.
package mux
