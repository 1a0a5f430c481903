package mux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
)

// loopbackChannel is an in-process transport.Channel used to drive the
// dispatcher without real USB hardware: two instances created by
// newLoopbackPair are cross-wired so one side's Send feeds the other's
// Recv.
type loopbackChannel struct {
	send   chan []byte
	recv   chan []byte
	closed chan struct{}
}

func newLoopbackPair() (*loopbackChannel, *loopbackChannel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &loopbackChannel{send: ab, recv: ba, closed: make(chan struct{})}
	b := &loopbackChannel{send: ba, recv: ab, closed: make(chan struct{})}
	return a, b
}

func (c *loopbackChannel) Send(data []byte, timeout time.Duration) (int, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.send <- buf:
		return len(buf), nil
	case <-c.closed:
		return 0, pkg.New(pkg.KindNoDevice, "loopback.Send", "closed")
	}
}

func (c *loopbackChannel) Recv(buf []byte, timeout time.Duration) (int, error) {
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
		return 0, pkg.New(pkg.KindNoDevice, "loopback.Recv", "closed")
	}
}

func (c *loopbackChannel) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// fakeDevice plays the device side of the protocol directly against a
// loopbackChannel: it ACKs every CONNECT and echoes every DATA frame back
// to the sender with an ACK for flow control.
type fakeDevice struct {
	ch   *loopbackChannel
	done chan struct{}
}

func runFakeDevice(ch *loopbackChannel) *fakeDevice {
	d := &fakeDevice{ch: ch, done: make(chan struct{})}
	go d.loop()
	return d
}

func (d *fakeDevice) loop() {
	defer close(d.done)
	buf := make([]byte, 1<<20)
	var pending []byte
	for {
		n, err := d.ch.Recv(buf, 200*time.Millisecond)
		if err != nil {
			return
		}
		if n == 0 {
			select {
			case <-d.ch.closed:
				return
			default:
				continue
			}
		}
		pending = append(pending, buf[:n]...)
		for len(pending) >= frameHeaderSize {
			h, err := unmarshalHeader(pending)
			if err != nil || uint32(len(pending)) < h.Length {
				break
			}
			payload := append([]byte(nil), pending[frameHeaderSize:h.Length]...)
			pending = pending[h.Length:]
			d.handle(h, payload)
		}
	}
}

func (d *fakeDevice) handle(h header, payload []byte) {
	switch h.Type {
	case frameControl:
		switch h.Subtype {
		case ctrlConnect:
			reply := &frame{header: header{
				Version: protocolVersion,
				Type:    frameControl,
				Subtype: ctrlAck,
				SrcPort: h.DstPort,
				DstPort: h.SrcPort,
				Window:  localWindow,
			}}
			d.ch.Send(reply.marshal(), 0)
		case ctrlClose:
			reply := &frame{header: header{
				Version: protocolVersion,
				Type:    frameControl,
				Subtype: ctrlClose,
				SrcPort: h.DstPort,
				DstPort: h.SrcPort,
			}}
			d.ch.Send(reply.marshal(), 0)
		}
	case frameData:
		ack := &frame{header: header{
			Version: protocolVersion,
			Type:    frameControl,
			Subtype: ctrlAck,
			SrcPort: h.DstPort,
			DstPort: h.SrcPort,
			Ack:     h.Seq + uint32(len(payload)),
			Window:  localWindow,
		}}
		d.ch.Send(ack.marshal(), 0)

		echo := &frame{header: header{
			Version: protocolVersion,
			Type:    frameData,
			SrcPort: h.DstPort,
			DstPort: h.SrcPort,
			Seq:     h.Seq,
			Window:  localWindow,
		}, Payload: payload}
		d.ch.Send(echo.marshal(), 0)
	}
}

func TestMuxConnectSendRecvEcho(t *testing.T) {
	hostSide, deviceSide := newLoopbackPair()
	runFakeDevice(deviceSide)

	m := New(hostSide, Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := m.Connect(ctx, 0xF27E)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello usbmux")
	n, err := conn.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Send wrote %d, want %d", n, len(payload))
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(time.Second)
	var got []byte
	for len(got) < len(payload) && time.Now().Before(deadline) {
		n, err := conn.RecvTimeout(buf, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("RecvTimeout: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed payload = %q, want %q", got, payload)
	}
}

func TestMuxConnectTimeout(t *testing.T) {
	hostSide, deviceSide := newLoopbackPair()
	defer deviceSide.Close()

	m := New(hostSide, Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.Connect(ctx, 0xF27E); err == nil {
		t.Fatal("expected Connect to time out against an unresponsive device")
	}
}

func TestConnCloseInvalidatesHandle(t *testing.T) {
	hostSide, deviceSide := newLoopbackPair()
	runFakeDevice(deviceSide)

	m := New(hostSide, Options{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := m.Connect(ctx, 0xF27E)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()

	if _, err := conn.Send([]byte("x")); err == nil {
		t.Fatal("expected Send on a closed connection to fail")
	}
}

func TestFrameMarshalRoundTrip(t *testing.T) {
	f := &frame{header: header{
		Version: protocolVersion,
		Type:    frameData,
		SrcPort: 10,
		DstPort: 20,
		Seq:     5,
		Ack:     3,
		Window:  1024,
		Flags:   flagFIN,
	}, Payload: []byte("payload")}

	wire := f.marshal()
	h, err := unmarshalHeader(wire)
	if err != nil {
		t.Fatalf("unmarshalHeader: %v", err)
	}
	if h.SrcPort != 10 || h.DstPort != 20 || h.Seq != 5 || h.Ack != 3 || h.Window != 1024 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !bytes.Equal(wire[frameHeaderSize:], f.Payload) {
		t.Fatalf("payload mismatch")
	}
}
