// Package muxtest provides a loopback "device" double for exercising
// protocols built on top of github.com/gousbmux/gousbmux/mux (plistconn,
// lockdown, afc, notify) without real USB hardware. It speaks the mux wire
// frame format at the byte level — deliberately independent of the mux
// package's unexported frame encoding, since a real device is an
// independent implementation of the same wire protocol, not a second
// instance of this module's client code.
package muxtest

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/gousbmux/gousbmux/mux"
)

const (
	frameHeaderSize = 24

	typeData    = 1
	typeControl = 2

	subtypeConnect = 1
	subtypeAck     = 2
	subtypeClose   = 3
	subtypeReset   = 4

	protocolVersion = 1
	localWindow     = 1 << 20
)

type wireHeader struct {
	version uint8
	typ     uint8
	length  uint32
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	window  uint32
	flags   uint8
	subtype uint8
}

func (h wireHeader) marshal(payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = h.version
	out[1] = h.typ
	binary.BigEndian.PutUint32(out[2:6], uint32(frameHeaderSize+len(payload)))
	binary.BigEndian.PutUint16(out[6:8], h.srcPort)
	binary.BigEndian.PutUint16(out[8:10], h.dstPort)
	binary.BigEndian.PutUint32(out[10:14], h.seq)
	binary.BigEndian.PutUint32(out[14:18], h.ack)
	binary.BigEndian.PutUint32(out[18:22], h.window)
	out[22] = h.flags
	out[23] = h.subtype
	copy(out[frameHeaderSize:], payload)
	return out
}

func unmarshalHeader(b []byte) wireHeader {
	return wireHeader{
		version: b[0],
		typ:     b[1],
		length:  binary.BigEndian.Uint32(b[2:6]),
		srcPort: binary.BigEndian.Uint16(b[6:8]),
		dstPort: binary.BigEndian.Uint16(b[8:10]),
		seq:     binary.BigEndian.Uint32(b[10:14]),
		ack:     binary.BigEndian.Uint32(b[14:18]),
		window:  binary.BigEndian.Uint32(b[18:22]),
		flags:   b[22],
		subtype: b[23],
	}
}

// Channel is a loopback transport.Channel backed by Go channels, used in
// cross-wired pairs to simulate the bulk USB endpoint pair.
type Channel struct {
	send   chan []byte
	recv   chan []byte
	closed chan struct{}
}

func newChannelPair() (*Channel, *Channel) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &Channel{send: ab, recv: ba, closed: make(chan struct{})}
	b := &Channel{send: ba, recv: ab, closed: make(chan struct{})}
	return a, b
}

func (c *Channel) Send(data []byte, timeout time.Duration) (int, error) {
	buf := append([]byte(nil), data...)
	select {
	case c.send <- buf:
		return len(buf), nil
	case <-c.closed:
		return 0, errClosed("muxtest.Channel.Send")
	}
}

func (c *Channel) Recv(buf []byte, timeout time.Duration) (int, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case data := <-c.recv:
		return copy(buf, data), nil
	case <-timer:
		return 0, nil
	case <-c.closed:
		return 0, errClosed("muxtest.Channel.Recv")
	}
}

func (c *Channel) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

type errClosed string

func (e errClosed) Error() string { return string(e) + ": closed" }

// Device is a minimal device-side responder: it ACKs every CONNECT and
// makes inbound DATA payloads available via Recv, while Send frames
// outbound payloads as DATA on the same virtual connection. It assumes one
// active connection at a time, which is sufficient for exercising a single
// service client (lockdown, AFC, plist) per test.
type Device struct {
	ch *Channel

	inbound chan []byte
	stop    chan struct{}

	hostPort   uint16
	devicePort uint16
	sendSeq    uint32
}

// NewDevice spawns a Device driving ch (the device-side half of a loopback
// Channel pair).
func NewDevice(ch *Channel) *Device {
	d := &Device{
		ch:      ch,
		inbound: make(chan []byte, 256),
		stop:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Device) loop() {
	buf := make([]byte, 1<<20)
	var pending []byte
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, err := d.ch.Recv(buf, 200*time.Millisecond)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)
		for len(pending) >= frameHeaderSize {
			h := unmarshalHeader(pending)
			if uint32(len(pending)) < h.length {
				break
			}
			payload := append([]byte(nil), pending[frameHeaderSize:h.length]...)
			pending = pending[h.length:]
			d.handle(h, payload)
		}
	}
}

func (d *Device) handle(h wireHeader, payload []byte) {
	switch h.typ {
	case typeControl:
		switch h.subtype {
		case subtypeConnect:
			d.hostPort = h.srcPort
			d.devicePort = h.dstPort
			reply := wireHeader{
				version: protocolVersion,
				typ:     typeControl,
				subtype: subtypeAck,
				srcPort: h.dstPort,
				dstPort: h.srcPort,
				window:  localWindow,
			}
			d.ch.Send(reply.marshal(nil), 0)
		case subtypeClose:
			reply := wireHeader{
				version: protocolVersion,
				typ:     typeControl,
				subtype: subtypeClose,
				srcPort: h.dstPort,
				dstPort: h.srcPort,
			}
			d.ch.Send(reply.marshal(nil), 0)
		}
	case typeData:
		ack := wireHeader{
			version: protocolVersion,
			typ:     typeControl,
			subtype: subtypeAck,
			srcPort: h.dstPort,
			dstPort: h.srcPort,
			ack:     h.seq + uint32(len(payload)),
			window:  localWindow,
		}
		d.ch.Send(ack.marshal(nil), 0)
		select {
		case d.inbound <- payload:
		case <-d.stop:
		}
	}
}

// Recv returns the next inbound DATA payload, blocking for at most timeout.
func (d *Device) Recv(timeout time.Duration) ([]byte, bool) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case payload := <-d.inbound:
		return payload, true
	case <-timer:
		return nil, false
	}
}

// Send frames payload as a single DATA frame addressed back to the host's
// connection.
func (d *Device) Send(payload []byte) {
	f := wireHeader{
		version: protocolVersion,
		typ:     typeData,
		srcPort: d.devicePort,
		dstPort: d.hostPort,
		seq:     d.sendSeq,
		window:  localWindow,
	}
	d.sendSeq += uint32(len(payload))
	d.ch.Send(f.marshal(payload), 0)
}

// Close stops the device's loop goroutine and closes its channel half.
func (d *Device) Close() {
	close(d.stop)
	d.ch.Close()
}

// NewPair returns a ready-to-use host [mux.Mux] cross-wired to a [Device],
// plus a cleanup func the test should defer.
func NewPair(t *testing.T) (*mux.Mux, *Device, func()) {
	t.Helper()
	hostCh, deviceCh := newChannelPair()
	m := mux.New(hostCh, mux.Options{})
	d := NewDevice(deviceCh)
	return m, d, func() {
		d.Close()
		m.Close()
	}
}
