//go:build linux && (amd64 || arm64)

// Package linux implements [github.com/gousbmux/gousbmux/transport.Channel]
// on top of the kernel's usbfs ioctl interface, grounded in the host HAL of
// the reference USB stack this module was adapted from: set the device's
// configuration, claim its usbmux interface (detaching any kernel driver
// that already holds it), then exchange raw bulk transfers synchronously.
package linux

import (
	"fmt"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/transport"
)

// usbmuxConfiguration and usbmuxInterface are the configuration and
// interface numbers the original implementation selects for usbmux
// communication (iphone_config_usb_device).
const (
	usbmuxConfiguration = 3
	usbmuxInterface     = 1

	bulkOutEndpoint = 0x04
	bulkInEndpoint  = 0x85
)

// channel is the Linux usbfs realization of transport.Channel.
type channel struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

var _ transport.Channel = (*channel)(nil)

func (c *channel) Send(data []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.New(pkg.KindNoDevice, "linux.Send", "channel closed")
	}
	n, err := doBulkTransfer(c.fd, bulkOutEndpoint, data, timeoutMillis(timeout))
	if err != nil {
		if isNoDevice(err) {
			return 0, pkg.Wrap(pkg.KindNoDevice, "linux.Send", err)
		}
		return 0, pkg.Wrap(pkg.KindWriteError, "linux.Send", err)
	}
	return n, nil
}

func (c *channel) Recv(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.New(pkg.KindNoDevice, "linux.Recv", "channel closed")
	}
	n, err := doBulkTransfer(c.fd, bulkInEndpoint, buf, timeoutMillis(timeout))
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		if isNoDevice(err) {
			return 0, pkg.Wrap(pkg.KindNoDevice, "linux.Recv", err)
		}
		return 0, pkg.Wrap(pkg.KindReadError, "linux.Recv", err)
	}
	return n, nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = releaseInterface(c.fd, usbmuxInterface)
	return closeDevice(c.fd)
}

func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return uint32(ms)
}

// Open configures and claims the Apple device at the given bus/address and
// performs the usbmux version handshake, returning a ready-to-use
// [transport.Device]. It follows the original implementation's open
// sequence: select configuration 3, claim interface 1 (detaching the kernel
// driver and retrying once if the claim is refused), drain any bulk-in data
// left over from a previous session, then probe the protocol version.
func Open(desc Descriptor) (*transport.Device, error) {
	const op = "linux.Open"

	fd, err := openDevice(desc.devfsPath())
	if err != nil {
		return nil, pkg.Wrap(pkg.KindNoDevice, op, err)
	}

	if err := setConfiguration(fd, usbmuxConfiguration); err != nil {
		_ = closeDevice(fd)
		return nil, pkg.Wrap(pkg.KindNoDevice, op, fmt.Errorf("set configuration: %w", err))
	}

	if err := claimInterface(fd, usbmuxInterface); err != nil {
		pkg.LogDebug(pkg.ComponentTransport, "claim failed, detaching kernel driver", "error", err)
		if derr := disconnectDriver(fd, usbmuxInterface); derr != nil {
			_ = closeDevice(fd)
			return nil, pkg.Wrap(pkg.KindNoDevice, op, fmt.Errorf("disconnect driver: %w", derr))
		}
		if err := claimInterface(fd, usbmuxInterface); err != nil {
			_ = closeDevice(fd)
			return nil, pkg.Wrap(pkg.KindNoDevice, op, fmt.Errorf("claim interface: %w", err))
		}
	}

	ch := &channel{fd: fd}

	drainChannel(ch, 50*time.Millisecond)

	if err := transport.ProbeVersion(ch, transport.OpenTimeout); err != nil {
		_ = ch.Close()
		return nil, err
	}

	dev := &transport.Device{
		Channel: ch,
		Bus:     desc.Bus,
		Address: desc.Address,
	}
	pkg.LogInfo(pkg.ComponentTransport, "device opened", "bus", desc.Bus, "address", desc.Address)
	return dev, nil
}

// drainChannel discards stale bulk-in data using short, repeated reads.
func drainChannel(ch transport.Channel, timeout time.Duration) {
	buf := make([]byte, 512)
	for {
		n, err := ch.Recv(buf, timeout)
		if err != nil || n <= 0 {
			return
		}
	}
}

