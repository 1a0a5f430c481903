// Package transport implements the bulk-USB transport adapter: the lowest
// layer of the usbmux client stack (component A in the design).
//
// It exposes a [Channel], a minimal blocking send/receive contract over a
// device's bulk endpoints, the [Device] handle, and [ProbeVersion], the
// usbmux version handshake. Locating a device by USB bus and device number
// and configuring it is done by a platform sub-package's Open.
// Everything above this package (the [github.com/gousbmux/gousbmux/mux]
// dispatcher and everything built on it) only ever touches a [Channel]; raw
// USB enumeration and ioctl plumbing live in the platform-specific
// sub-packages (currently [github.com/gousbmux/gousbmux/transport/linux]).
package transport
