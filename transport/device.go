package transport

import "time"

// Device is a handle to a single Apple mobile device reachable over a bulk
// USB channel. It satisfies [Channel] itself, forwarding to the underlying
// platform channel, and additionally carries the identity spec.md §3
// requires every device handle to expose: the bus/device address used to
// open it, and the device's own 40-hex UUID once resolved.
//
// Unlike vendor/product ID, the UUID is not a USB descriptor field on these
// devices; it is a lockdown property (UniqueDeviceID), so opening a Device
// never populates UUID by itself. Callers that need it call
// [github.com/gousbmux/gousbmux/lockdown.ResolveUUID], which dials the
// control service itself, stores the result back onto this field, and
// closes the Device when it is done.
//
// A Device is created by a platform package's Open function (e.g.
// [github.com/gousbmux/gousbmux/transport/linux.Open]) and destroyed by
// Close; destruction invalidates every virtual connection multiplexed over
// it.
type Device struct {
	Channel

	Bus     uint8
	Address uint8
	UUID    string // 40-hex device identifier; empty until lockdown.ResolveUUID runs

	versionMajor, versionMinor uint32
}

// Version returns the negotiated usbmux protocol version tuple. ProbeVersion
// accepts only a reply that echoes the fixed probe values, so every opened
// Device has negotiated exactly that pair.
func (d *Device) Version() (major, minor uint32) {
	return versionMajor, versionMinor
}

// OpenTimeout bounds each leg (send and receive) of the version handshake
// performed while opening a device.
const OpenTimeout = 800 * time.Millisecond
