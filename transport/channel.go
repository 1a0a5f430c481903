package transport

import (
	"encoding/binary"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
)

// Channel is the bulk channel contract a platform HAL must satisfy. It is
// the "external collaborator" boundary named by the design: raw USB
// enumeration and the actual bulk transfer syscalls live behind this
// interface, and everything above it (mux, pairing, lockdown, afc,
// plistconn) only ever sees these two blocking operations.
type Channel interface {
	// Send writes data to the device's bulk-out endpoint, blocking for at
	// most timeout. A timeout of 0 blocks indefinitely. It returns the
	// number of bytes actually written.
	Send(data []byte, timeout time.Duration) (int, error)

	// Recv reads from the device's bulk-in endpoint into buf, blocking for
	// at most timeout. A timeout of 0 blocks indefinitely. On timeout with
	// no data received, Recv returns (0, nil): spec.md requires a bare
	// timeout to be reported as zero bytes, not an error.
	Recv(buf []byte, timeout time.Duration) (int, error)

	// Close releases the channel and invalidates every handle derived from
	// it. After Close, Send/Recv return KindNoDevice.
	Close() error
}

// versionMajor and versionMinor are the fixed usbmux version probe values
// exchanged at channel open (spec.md §4.A, §6).
const (
	versionMajor = 1
	versionMinor = 0
)

// versionHeaderSize is the wire size of the version probe: two big-endian
// uint32s.
const versionHeaderSize = 8

// ProbeVersion sends the fixed version handshake over ch and validates the
// device's echoed reply. It is called once by every platform's Open.
func ProbeVersion(ch Channel, timeout time.Duration) error {
	const op = "transport.ProbeVersion"

	out := make([]byte, versionHeaderSize)
	binary.BigEndian.PutUint32(out[0:4], versionMajor)
	binary.BigEndian.PutUint32(out[4:8], versionMinor)

	n, err := ch.Send(out, timeout)
	if err != nil {
		return pkg.Wrap(pkg.KindNoDevice, op, err)
	}
	if n < versionHeaderSize {
		return pkg.New(pkg.KindNotEnoughData, op, "short write of version probe")
	}

	in := make([]byte, versionHeaderSize)
	n, err = ch.Recv(in, timeout)
	if err != nil {
		return pkg.Wrap(pkg.KindNoDevice, op, err)
	}
	if n < versionHeaderSize {
		return pkg.New(pkg.KindNotEnoughData, op, "short read of version reply")
	}

	major := binary.BigEndian.Uint32(in[0:4])
	minor := binary.BigEndian.Uint32(in[4:8])
	if major != versionMajor || minor != versionMinor {
		pkg.LogWarn(pkg.ComponentTransport, "bad version reply", "major", major, "minor", minor)
		return pkg.New(pkg.KindBadHeader, op, "unexpected version reply")
	}

	pkg.LogDebug(pkg.ComponentTransport, "version handshake ok", "major", major, "minor", minor)
	return nil
}

// drain reads and discards any data sitting in the bulk-in queue, with a
// short per-read timeout, until a read returns nothing. Nothing in this
// module calls it: transport/linux's Open uses its own drainChannel before
// the version probe, and closing a channel does not drain.
func drain(ch Channel, timeout time.Duration) {
	buf := make([]byte, 512)
	for {
		n, err := ch.Recv(buf, timeout)
		if err != nil || n <= 0 {
			return
		}
		pkg.LogDebug(pkg.ComponentTransport, "drained stale bulk-in data", "bytes", n)
	}
}
